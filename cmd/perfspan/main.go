// Command perfspan attaches to the USDT probes and hardware counters of a
// running binary, correlates enter/exit events into per-span latency and
// counter histograms, and prints a summary report on shutdown.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dshulyak/perfspan/internal/config"
	"github.com/dshulyak/perfspan/internal/correlator"
	"github.com/dshulyak/perfspan/internal/event"
	"github.com/dshulyak/perfspan/internal/histogram"
	"github.com/dshulyak/perfspan/internal/hwevent"
	"github.com/dshulyak/perfspan/internal/loader"
	"github.com/dshulyak/perfspan/internal/reporter"
	"github.com/dshulyak/perfspan/internal/spanname"
)

type opts struct {
	pid     int
	events  []string
	buckets int
	objPath string
}

func main() {
	// By default the exit code indicates failure: there are more failure
	// scenarios than the single success path.
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	configureLogLevel()

	var o opts
	root := &cobra.Command{
		Use:   "perfspan <binary> <span>...",
		Short: "correlate USDT span events and hardware counters into latency histograms",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1:], o)
		},
		SilenceUsage: true,
	}
	root.Flags().IntVarP(&o.pid, "pid", "p", 0, "restrict events to this process (0 = no filter)")
	root.Flags().StringArrayVarP(&o.events, "events", "e", nil, "hardware counter to track, as name or name=period (repeatable)")
	root.Flags().IntVarP(&o.buckets, "buckets", "b", 10, "number of linear buckets in each printed distribution")
	root.Flags().StringVar(&o.objPath, "object", "bpf/perfspan.bpf.o", "path to the compiled kernel object")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	exitCode = 0
}

func configureLogLevel() {
	lvl, err := logrus.ParseLevel(os.Getenv("PERFSPAN_LOG"))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

func run(binary string, spans []string, o opts) error {
	names, err := spanname.New(spans)
	if err != nil {
		return fmt.Errorf("perfspan: %w", err)
	}

	events, err := hwevent.ParseAll(o.events, event.NumCounters)
	if err != nil {
		return fmt.Errorf("perfspan: %w", err)
	}

	cfg := config.New(o.pid, len(events))

	if err := loader.RaiseMemlock(); err != nil {
		return fmt.Errorf("perfspan: %w", err)
	}

	attacher, err := loader.Attach(o.objPath, binary, cfg, names, events)
	if err != nil {
		return fmt.Errorf("perfspan: %w", err)
	}
	defer attacher.Close()

	reader, err := attacher.Events()
	if err != nil {
		return fmt.Errorf("perfspan: %w", err)
	}
	defer reader.Close()

	counterNames := make([]string, len(events))
	for i, e := range events {
		counterNames[i] = string(e.Kind)
	}
	store := histogram.New(names.Names(), counterNames)
	corr := correlator.New(reader, names, store)

	done := make(chan error, 1)
	go func() { done <- corr.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		reader.Close()
		<-done
	case err := <-done:
		if err != nil {
			logrus.WithError(err).Warn("perfspan: correlator stopped on its own")
		}
	}

	logrus.WithFields(logrus.Fields{
		"processed":      corr.Processed,
		"missed_opening": corr.MissedOpening,
	}).Info("perfspan: shutting down")

	reporter.New(os.Stdout, store, names.Names(), o.buckets).Report()
	return nil
}
