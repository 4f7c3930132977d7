package correlator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/dshulyak/perfspan/internal/event"
	"github.com/dshulyak/perfspan/internal/histogram"
	"github.com/dshulyak/perfspan/internal/spanname"
)

// fakeReader replays a fixed sequence of records, then reports
// ringbuf.ErrClosed, mimicking the shutdown path without a live kernel.
type fakeReader struct {
	records [][]byte
	i       int
}

func (f *fakeReader) Read() (ringbuf.Record, error) {
	if f.i >= len(f.records) {
		return ringbuf.Record{}, ringbuf.ErrClosed
	}
	raw := f.records[f.i]
	f.i++
	return ringbuf.Record{RawSample: raw}, nil
}

func encode(t *testing.T, rec event.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, rec); err != nil {
		t.Fatalf("encode record: %v", err)
	}
	return buf.Bytes()
}

func newTestSetup(t *testing.T) (*spanname.Table, *histogram.Store) {
	t.Helper()
	names, err := spanname.New([]string{"handle_request"})
	if err != nil {
		t.Fatalf("spanname.New: %v", err)
	}
	store := histogram.New(names.Names(), []string{"cycles"})
	return names, store
}

func TestCorrelatorAttributesToEnterSpanNotExitSentinel(t *testing.T) {
	names, err := spanname.New([]string{"handle_request", "db_query"})
	if err != nil {
		t.Fatalf("spanname.New: %v", err)
	}
	store := histogram.New(names.Names(), []string{"cycles"})

	// The exit carries NameID: 0, the documented sentinel the exit probe
	// always emits (bpf.c never resolves a name on exit). If pairing keyed
	// off the exit's name_id, this sample would land in span 0
	// ("handle_request") instead of span 1 ("db_query").
	enter := event.Record{Type: event.Enter, PidTGID: 1, SpanID: 7, NameID: 1, CPU: 0, Timestamp: 1000}
	enter.Counters[0] = 10
	exit := event.Record{Type: event.Exit, PidTGID: 1, SpanID: 7, NameID: 0, CPU: 0, Timestamp: 3000}
	exit.Counters[0] = 25

	reader := &fakeReader{records: [][]byte{encode(t, enter), encode(t, exit)}}
	c := New(reader, names, store)
	if err := c.Run(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}

	dbQuery, err := store.LatencySnapshot("db_query")
	if err != nil {
		t.Fatalf("LatencySnapshot(db_query): %v", err)
	}
	if dbQuery.TotalCount() != 1 {
		t.Errorf("db_query latency TotalCount() = %d, want 1", dbQuery.TotalCount())
	}
	if got := dbQuery.Max(); got != 2000 {
		t.Errorf("db_query latency Max() = %d, want 2000", got)
	}

	handleRequest, err := store.LatencySnapshot("handle_request")
	if err != nil {
		t.Fatalf("LatencySnapshot(handle_request): %v", err)
	}
	if handleRequest.TotalCount() != 0 {
		t.Errorf("handle_request latency TotalCount() = %d, want 0 (sample belongs to db_query)", handleRequest.TotalCount())
	}
}

func TestCorrelatorPairsEnterExit(t *testing.T) {
	names, store := newTestSetup(t)

	enter := event.Record{Type: event.Enter, PidTGID: 1, SpanID: 1, NameID: 0, CPU: 0, Timestamp: 1000}
	enter.Counters[0] = 10
	exit := event.Record{Type: event.Exit, PidTGID: 1, SpanID: 1, NameID: 0, CPU: 0, Timestamp: 5000}
	exit.Counters[0] = 40

	reader := &fakeReader{records: [][]byte{encode(t, enter), encode(t, exit)}}
	c := New(reader, names, store)

	err := c.Run()
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}
	if c.Processed != 2 {
		t.Errorf("Processed = %d, want 2", c.Processed)
	}
	if c.MissedOpening != 0 {
		t.Errorf("MissedOpening = %d, want 0", c.MissedOpening)
	}

	h, err := store.LatencySnapshot("handle_request")
	if err != nil {
		t.Fatalf("LatencySnapshot: %v", err)
	}
	if h.TotalCount() != 1 {
		t.Fatalf("latency TotalCount() = %d, want 1", h.TotalCount())
	}
	// A 4000ns latency lands in the bucket [4000, 4001] at 3 significant
	// digits; Max() reports that bucket's highest equivalent value.
	if got := h.Max(); got != 4001 {
		t.Errorf("latency Max() = %d, want 4001", got)
	}

	ch, err := store.CounterSnapshot("handle_request", 0)
	if err != nil {
		t.Fatalf("CounterSnapshot: %v", err)
	}
	if got := ch.Max(); got != 30 {
		t.Errorf("counter Max() = %d, want 30", got)
	}
}

func TestCorrelatorMissedOpening(t *testing.T) {
	names, store := newTestSetup(t)

	exit := event.Record{Type: event.Exit, PidTGID: 1, SpanID: 42, NameID: 0, Timestamp: 100}
	reader := &fakeReader{records: [][]byte{encode(t, exit)}}
	c := New(reader, names, store)

	if err := c.Run(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}
	if c.MissedOpening != 1 {
		t.Errorf("MissedOpening = %d, want 1", c.MissedOpening)
	}
}

func TestCorrelatorDropsOnCPUMigration(t *testing.T) {
	names, store := newTestSetup(t)

	enter := event.Record{Type: event.Enter, PidTGID: 1, SpanID: 1, NameID: 0, CPU: 0, Timestamp: 1000}
	enter.Counters[0] = 10
	exit := event.Record{Type: event.Exit, PidTGID: 1, SpanID: 1, NameID: 0, CPU: 1, Timestamp: 2000}
	exit.Counters[0] = 20

	reader := &fakeReader{records: [][]byte{encode(t, enter), encode(t, exit)}}
	c := New(reader, names, store)
	if err := c.Run(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}

	// Latency is still recorded; only the counter sample is dropped.
	h, err := store.LatencySnapshot("handle_request")
	if err != nil {
		t.Fatalf("LatencySnapshot: %v", err)
	}
	if h.TotalCount() != 1 {
		t.Errorf("latency TotalCount() = %d, want 1", h.TotalCount())
	}

	ch, err := store.CounterSnapshot("handle_request", 0)
	if err != nil {
		t.Fatalf("CounterSnapshot: %v", err)
	}
	if ch.TotalCount() != 0 {
		t.Errorf("counter TotalCount() = %d, want 0 after CPU migration", ch.TotalCount())
	}
}

func TestCorrelatorDropsOnCounterRegression(t *testing.T) {
	names, store := newTestSetup(t)

	enter := event.Record{Type: event.Enter, PidTGID: 1, SpanID: 1, NameID: 0, CPU: 0, Timestamp: 1000}
	enter.Counters[0] = 100
	exit := event.Record{Type: event.Exit, PidTGID: 1, SpanID: 1, NameID: 0, CPU: 0, Timestamp: 2000}
	exit.Counters[0] = 50 // regressed: impossible for a monotonic hardware counter

	reader := &fakeReader{records: [][]byte{encode(t, enter), encode(t, exit)}}
	c := New(reader, names, store)
	if err := c.Run(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}

	ch, err := store.CounterSnapshot("handle_request", 0)
	if err != nil {
		t.Fatalf("CounterSnapshot: %v", err)
	}
	if ch.TotalCount() != 0 {
		t.Errorf("counter TotalCount() = %d, want 0 after regression", ch.TotalCount())
	}
}

func TestCorrelatorDropsWhenExitPrecedesEnter(t *testing.T) {
	names, store := newTestSetup(t)

	enter := event.Record{Type: event.Enter, PidTGID: 1, SpanID: 1, NameID: 0, CPU: 0, Timestamp: 5000}
	exit := event.Record{Type: event.Exit, PidTGID: 1, SpanID: 1, NameID: 0, CPU: 0, Timestamp: 1000}

	reader := &fakeReader{records: [][]byte{encode(t, enter), encode(t, exit)}}
	c := New(reader, names, store)
	if err := c.Run(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}

	h, err := store.LatencySnapshot("handle_request")
	if err != nil {
		t.Fatalf("LatencySnapshot: %v", err)
	}
	if h.TotalCount() != 0 {
		t.Errorf("latency TotalCount() = %d, want 0 when exit precedes enter", h.TotalCount())
	}
}

func TestCorrelatorOverwritesStaleEnter(t *testing.T) {
	names, store := newTestSetup(t)

	first := event.Record{Type: event.Enter, PidTGID: 1, SpanID: 1, NameID: 0, Timestamp: 1000}
	second := event.Record{Type: event.Enter, PidTGID: 1, SpanID: 1, NameID: 0, Timestamp: 2000}
	exit := event.Record{Type: event.Exit, PidTGID: 1, SpanID: 1, NameID: 0, Timestamp: 3000}

	reader := &fakeReader{records: [][]byte{encode(t, first), encode(t, second), encode(t, exit)}}
	c := New(reader, names, store)
	if err := c.Run(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}

	h, err := store.LatencySnapshot("handle_request")
	if err != nil {
		t.Fatalf("LatencySnapshot: %v", err)
	}
	if got := h.Max(); got != 1000 {
		t.Errorf("latency Max() = %d, want 1000 (paired with the second enter, not the first)", got)
	}
}

func TestCorrelatorAbortsOnUnknownEventType(t *testing.T) {
	names, store := newTestSetup(t)

	bad := event.Record{Type: event.Type(99), PidTGID: 1, SpanID: 1}
	reader := &fakeReader{records: [][]byte{encode(t, bad)}}
	c := New(reader, names, store)

	err := c.Run()
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}
	if c.Processed != 0 {
		t.Errorf("Processed = %d, want 0 (abort happens before the increment)", c.Processed)
	}
}

func TestCorrelatorDropsMalformedRecord(t *testing.T) {
	names, store := newTestSetup(t)

	reader := &fakeReader{records: [][]byte{{0x01, 0x02, 0x03}}}
	c := New(reader, names, store)

	if err := c.Run(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}
	if c.Processed != 0 {
		t.Errorf("Processed = %d, want 0 for a short/malformed record", c.Processed)
	}
}
