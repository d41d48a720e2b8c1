// Package config parses the netsed command line into a Config the core
// packages consume. Argument scanning and usage text are explicitly out of
// scope for the core's hard design (spec §1) but still need an
// implementation to have a runnable binary.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sedproxy/netsed/internal/rule"
)

// Config is the fully-parsed, validated command line.
type Config struct {
	Protocol    string // "tcp" or "udp"
	LocalPort   int
	RemoteHost  string // literal "0" means "use original destination"
	RemotePort  int    // 0 means "use original destination port"
	RuleStrings []string
	Rules       *rule.Set
}

// Usage is printed on argument errors, matching spec §6's "prints usage"
// requirement.
const Usage = "usage: netsed <tcp|udp> <local-port> <remote-host> <remote-port> <rule> [rule...]\n" +
	"  remote-host: hostname, address, or 0 for the original destination\n" +
	"  remote-port: port number, or 0 for the original destination port\n" +
	"  rule:        s/from/to[/count]  (from/to may use %XX hex escapes)\n"

// Parse validates and decodes the program's positional arguments (excluding
// argv[0], the program name — the spec's "six or more positional arguments"
// counts argv[0] as the first of the six). Fewer than five arguments, an
// unrecognized protocol, an unparseable port, or a malformed rule all return
// an error; the caller is responsible for exiting with the documented status
// codes.
func Parse(args []string) (Config, error) {
	if len(args) < 5 {
		return Config{}, fmt.Errorf("not enough arguments\n\n%s", Usage)
	}

	proto := strings.ToLower(args[0])
	if proto != "tcp" && proto != "udp" {
		return Config{}, fmt.Errorf("unrecognized protocol %q (want tcp or udp)\n\n%s", args[0], Usage)
	}

	localPort, err := strconv.Atoi(args[1])
	if err != nil {
		return Config{}, fmt.Errorf("invalid local port %q: %w", args[1], err)
	}

	remotePort, err := strconv.Atoi(args[3])
	if err != nil {
		return Config{}, fmt.Errorf("invalid remote port %q: %w", args[3], err)
	}

	ruleStrings := args[4:]
	rules, err := rule.ParseAll(ruleStrings)
	if err != nil {
		return Config{}, fmt.Errorf("invalid rule: %w", err)
	}

	return Config{
		Protocol:    proto,
		LocalPort:   localPort,
		RemoteHost:  args[2],
		RemotePort:  remotePort,
		RuleStrings: ruleStrings,
		Rules:       rules,
	}, nil
}
