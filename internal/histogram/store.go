// Package histogram wraps github.com/HdrHistogram/hdrhistogram-go into the
// per-span, per-metric histogram store spec.md §3/§4.6 describes: one
// logarithmic-bucket histogram over [1, 2^63) at 3 significant digits for
// latency and for each enabled counter, per watched span.
package histogram

import (
	"fmt"
	"sync"

	hdr "github.com/HdrHistogram/hdrhistogram-go"

	"github.com/dshulyak/perfspan/internal/event"
)

const (
	lowestTrackable   = 1
	highestTrackable  = 1<<63 - 1
	significantDigits = 3
)

// entry pairs a histogram with the mutex guarding concurrent access; the
// correlator is the sole writer, the reporter the sole reader, but they
// run in different goroutines around shutdown.
type entry struct {
	mu   sync.Mutex
	hist *hdr.Histogram
}

func newEntry() *entry {
	return &entry{hist: hdr.New(lowestTrackable, highestTrackable, significantDigits)}
}

// record clamps value into the top bucket on overflow instead of failing
// to record it at all (spec.md §7 "saturating_record").
func (e *entry) record(value int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.hist.RecordValue(value); err != nil {
		e.hist.RecordValue(e.hist.HighestTrackableValue())
	}
}

func (e *entry) snapshot() *hdr.Histogram {
	e.mu.Lock()
	defer e.mu.Unlock()
	return hdr.Import(e.hist.Export())
}

// Store holds one histogram per (span name, metric) pair for every
// watched span, built once at startup from the watched-span list and the
// enabled counter count.
type Store struct {
	latency         map[string]*entry
	counters        map[string][event.NumCounters]*entry
	enabledCounters uint32
	counterNames    []string
}

// New builds a Store for the given watched span names and counter
// mnemonics (in slot order; len(counterNames) is the enabled counter
// count bounding which Counters slots the kernel program populates).
func New(spanNames []string, counterNames []string) *Store {
	s := &Store{
		latency:         make(map[string]*entry, len(spanNames)),
		counters:        make(map[string][event.NumCounters]*entry, len(spanNames)),
		enabledCounters: uint32(len(counterNames)),
		counterNames:    counterNames,
	}
	for _, name := range spanNames {
		s.latency[name] = newEntry()
		var slots [event.NumCounters]*entry
		for i := range counterNames {
			slots[i] = newEntry()
		}
		s.counters[name] = slots
	}
	return s
}

// EnabledCounters returns how many counter slots are active, bounding
// which of the fixed NumCounters array entries carry real samples.
func (s *Store) EnabledCounters() uint32 {
	return s.enabledCounters
}

// CounterNames returns the enabled counter mnemonics in slot order.
func (s *Store) CounterNames() []string {
	return s.counterNames
}

// RecordLatency records a latency sample, in nanoseconds, for span.
func (s *Store) RecordLatency(span string, nanos uint64) {
	e, ok := s.latency[span]
	if !ok {
		return
	}
	e.record(int64(nanos))
}

// RecordCounter records a counter delta for span at counter slot i.
func (s *Store) RecordCounter(span string, i uint32, delta uint64) {
	slots, ok := s.counters[span]
	if !ok || i >= uint32(len(slots)) || slots[i] == nil {
		return
	}
	slots[i].record(int64(delta))
}

// LatencySnapshot returns a read-only copy of span's latency histogram.
func (s *Store) LatencySnapshot(span string) (*hdr.Histogram, error) {
	e, ok := s.latency[span]
	if !ok {
		return nil, fmt.Errorf("histogram: unknown span %q", span)
	}
	return e.snapshot(), nil
}

// CounterSnapshot returns a read-only copy of span's histogram for counter
// slot i.
func (s *Store) CounterSnapshot(span string, i uint32) (*hdr.Histogram, error) {
	slots, ok := s.counters[span]
	if !ok || i >= uint32(len(slots)) || slots[i] == nil {
		return nil, fmt.Errorf("histogram: unknown span/counter %q/%d", span, i)
	}
	return slots[i].snapshot(), nil
}
