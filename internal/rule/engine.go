package rule

import (
	"bytes"
	"log/slog"
)

// Engine applies a Set to buffers. It carries only a logger: all mutable
// per-connection state (live counts) is supplied by the caller on each call,
// so one Engine is shared read-only across every connection.
type Engine struct {
	log *slog.Logger
}

// NewEngine builds an Engine that logs diagnostic trace lines to log. A nil
// logger disables the diagnostic side effect entirely.
func NewEngine(log *slog.Logger) *Engine {
	return &Engine{log: log}
}

// Apply performs greedy, left-to-right, non-overlapping substitution of src
// against set, consuming liveCounts in place, and returns the rewritten
// buffer. Replacement bytes are never rescanned.
func (e *Engine) Apply(set *Set, liveCounts []int32, src []byte) []byte {
	return e.AppendApply(nil, set, liveCounts, src)
}

// AppendApply is Apply with an explicit destination: dst's existing content
// is kept and the rewritten bytes are appended to it. The dispatcher passes
// its own long-lived scratch buffer (reset to dst[:0] before each call) so a
// single shared output buffer is reused across every flow, per §4.F — safe
// only because the dispatcher is single-threaded and processes one event at
// a time.
func (e *Engine) AppendApply(dst []byte, set *Set, liveCounts []int32, src []byte) []byte {
	out := dst
	matches := 0

	for i := 0; i < len(src); {
		j, rule, ok := e.firstMatch(set, liveCounts, src[i:])
		if !ok {
			out = append(out, src[i])
			i++
			continue
		}

		out = append(out, rule.To...)
		i += len(rule.From)
		matches++

		if liveCounts[j] > 0 {
			liveCounts[j]--
			if e.log != nil && liveCounts[j] == 0 {
				e.log.Debug("rule expired for connection", "from", rule.FromOrig, "to", rule.ToOrig)
			}
		}
		if e.log != nil {
			e.log.Debug("Applying rule s/"+rule.FromOrig+"/"+rule.ToOrig+"...",
				"from", rule.FromOrig, "to", rule.ToOrig)
		}
	}

	if e.log != nil {
		e.log.Debug("packet rewritten", "source_size", len(src), "edited_size", len(out), "replacements", matches)
	}
	return out
}

// firstMatch scans the rules in priority order and returns the first
// non-expired rule whose From pattern prefixes buf.
func (e *Engine) firstMatch(set *Set, liveCounts []int32, buf []byte) (int, *Rule, bool) {
	for j := range set.Rules {
		if liveCounts[j] == 0 {
			continue
		}
		r := &set.Rules[j]
		if bytes.HasPrefix(buf, r.From) {
			return j, r, true
		}
	}
	return 0, nil, false
}
