// Package correlator implements the event correlator: a single-threaded
// consumer that pairs enter/exit records by (thread, span_id), computes
// latency and counter deltas, and rejects malformed pairs.
package correlator

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"

	"github.com/dshulyak/perfspan/internal/event"
	"github.com/dshulyak/perfspan/internal/histogram"
	"github.com/dshulyak/perfspan/internal/spanname"
)

// Reader is the subset of *ringbuf.Reader the correlator depends on, so
// tests can feed it a synthetic sequence of records without a live kernel.
type Reader interface {
	Read() (ringbuf.Record, error)
}

// spanKey identifies a live span: (thread, span_id), per spec.md §3.
type spanKey struct {
	pidTGID uint64
	spanID  uint64
}

// Correlator consumes a Reader, maintains the userspace open-span table,
// and records paired latencies and counter deltas into store.
type Correlator struct {
	reader Reader
	names  *spanname.Table
	store  *histogram.Store

	open map[spanKey]event.Record

	// MissedOpening counts exits whose matching enter was not found (spec.md
	// §4.5/§8 invariant the "missed opening" counter tracks).
	MissedOpening uint64
	// Processed counts every event record successfully decoded and
	// handled, enter or exit.
	Processed uint64
}

// New builds a Correlator over reader, recording into store for the
// watched spans in names.
func New(reader Reader, names *spanname.Table, store *histogram.Store) *Correlator {
	return &Correlator{
		reader: reader,
		names:  names,
		store:  store,
		open:   make(map[spanKey]event.Record),
	}
}

// ErrStopped is returned by Run when the reader was closed (the shutdown
// signal, spec.md §4.5/§5 "interrupted poll") or when an unknown event type
// forced ring processing to abort (spec.md §4.5/§7).
var ErrStopped = errors.New("correlator: stopped")

// Run blocks consuming records from reader until it is closed or an
// unrecoverable anomaly (unknown event type) is seen. It always returns a
// non-nil error: a wrapped ErrStopped on a clean shutdown (the reader
// reported ringbuf.ErrClosed) or on an unknown-type abort, and any other
// read error wrapped as is, without ErrStopped.
func (c *Correlator) Run() error {
	for {
		raw, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return fmt.Errorf("%w: ring buffer closed", ErrStopped)
			}
			return fmt.Errorf("correlator: read ring buffer: %w", err)
		}

		rec, err := event.Parse(raw.RawSample)
		if err != nil {
			logrus.WithError(err).Warn("correlator: dropping malformed record")
			continue
		}

		if err := c.handle(rec); err != nil {
			return err
		}
		c.Processed++
	}
}

func (c *Correlator) handle(rec event.Record) error {
	key := spanKey{pidTGID: rec.PidTGID, spanID: rec.SpanID}

	switch rec.Type {
	case event.Enter:
		// Overwriting an existing entry is intentional: its matching exit
		// was dropped, and there is no value in keeping it (spec.md §4.5).
		c.open[key] = rec
		return nil

	case event.Exit:
		prev, ok := c.open[key]
		if !ok {
			c.MissedOpening++
			logrus.WithFields(logrus.Fields{
				"pid_tgid": rec.PidTGID, "span_id": rec.SpanID,
			}).Warn("correlator: exit without matching enter")
			return nil
		}
		delete(c.open, key)
		c.pair(prev, rec)
		return nil

	default:
		logrus.WithField("type", rec.Type).Error("correlator: unknown event type, aborting ring processing")
		return fmt.Errorf("%w: unknown event type %v", ErrStopped, rec.Type)
	}
}

// pair records the latency and counter deltas for a matched enter/exit
// pair, applying spec.md §4.5's drop rules.
func (c *Correlator) pair(enter, exit event.Record) {
	// The enter is the authoritative name source: the exit probe carries
	// no name argument and its name_id is always the zero sentinel
	// (spec.md §4.5, bpf.c's perfspan_exit), which happens to be a valid
	// name_id whenever any span is watched, so it can never be used to
	// detect "no name on this record".
	name, ok := c.names.NameByID(enter.NameID)
	if !ok {
		return
	}

	if exit.Timestamp < enter.Timestamp {
		logrus.WithFields(logrus.Fields{
			"span": name, "enter_ts": enter.Timestamp, "exit_ts": exit.Timestamp,
		}).Warn("correlator: exit timestamp precedes enter, dropping pair")
		return
	}
	latency := exit.Timestamp - enter.Timestamp
	c.store.RecordLatency(name, latency)

	for i := uint32(0); i < uint32(len(enter.Counters)); i++ {
		if i >= c.store.EnabledCounters() {
			break
		}
		if exit.CPU != enter.CPU {
			logrus.WithFields(logrus.Fields{
				"span": name, "slot": i, "enter_cpu": enter.CPU, "exit_cpu": exit.CPU,
			}).Warn("correlator: CPU migration, dropping counter sample")
			continue
		}
		if exit.Counters[i] < enter.Counters[i] {
			logrus.WithFields(logrus.Fields{
				"span": name, "slot": i, "enter": enter.Counters[i], "exit": exit.Counters[i],
			}).Warn("correlator: counter regression, dropping counter sample")
			continue
		}
		delta := exit.Counters[i] - enter.Counters[i]
		c.store.RecordCounter(name, i, delta)
	}
}
