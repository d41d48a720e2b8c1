package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/sedproxy/netsed/internal/config"
	"github.com/sedproxy/netsed/internal/dispatch"
	"github.com/sedproxy/netsed/internal/endpoint"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "netsed: %v\n", err)
		return 1
	}

	log := newLogger(os.Getenv("NETSED_DEBUG") != "")

	target, err := endpoint.Resolve(cfg.RemoteHost, cfg.RemotePort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netsed: %v\n", err)
		return 1
	}

	var canceled atomic.Bool
	installSignalHandler(&canceled)

	d, err := dispatch.New(dispatch.Config{
		Log:       log,
		Clock:     clockwork.NewRealClock(),
		Canceled:  &canceled,
		Protocol:  cfg.Protocol,
		LocalPort: cfg.LocalPort,
		Target:    target,
		Rules:     cfg.Rules,
	})
	if err != nil {
		log.Error("failed to start", "error", err)
		return 2
	}

	if err := d.Run(); err != nil {
		log.Error("dispatcher exited with error", "error", err)
		return 2
	}
	return 0
}

// installSignalHandler implements §5's requirement that interrupt handling do
// nothing beyond flipping the cancellation flag: no allocation, no logging,
// no I/O on the signal path itself.
func installSignalHandler(canceled *atomic.Bool) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		canceled.Store(true)
	}()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: level,
	}))
}
