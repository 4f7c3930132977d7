// Package hwevent is the closed set of hardware performance counter
// mnemonics the CLI accepts, modeled as a tagged variant (spec.md "Dynamic
// dispatch over event kinds") rather than an interface hierarchy: every
// variant differs only in (perf type, perf config, default sample period),
// so a plain table suffices.
package hwevent

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind names one of the supported hardware counters.
type Kind string

const (
	Cycles                Kind = "cycles"
	Instructions          Kind = "instructions"
	CacheReferences       Kind = "cache_references"
	CacheMisses           Kind = "cache_misses"
	BranchInstructions    Kind = "branch_instructions"
	BranchMisses          Kind = "branch_misses"
	BusCycles             Kind = "bus_cycles"
	StalledCyclesFrontend Kind = "stalled_cycles_frontend"
	StalledCyclesBackend  Kind = "stalled_cycles_backend"
	RefCPUCycles          Kind = "ref_cpu_cycles"
)

type entry struct {
	perfType      uint32
	config        uint64
	defaultPeriod uint64
}

// table is the closed set of mnemonics this observer accepts. All are
// PERF_TYPE_HARDWARE generalized hardware events, matching spec.md §4.3.
var table = map[Kind]entry{
	Cycles:                {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, 10_000_000},
	Instructions:          {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, 10_000_000},
	CacheReferences:       {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES, 1_000},
	CacheMisses:           {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_MISSES, 1_000},
	BranchInstructions:    {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, 1_000_000},
	BranchMisses:          {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_MISSES, 1_000_000},
	BusCycles:             {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BUS_CYCLES, 1_000_000},
	StalledCyclesFrontend: {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND, 1_000_000},
	StalledCyclesBackend:  {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND, 1_000_000},
	RefCPUCycles:          {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES, 1_000_000},
}

// orderedKinds fixes the iteration/declaration order used when the CLI
// lists accepted mnemonics in an error message.
var orderedKinds = []Kind{
	Cycles, Instructions, CacheReferences, CacheMisses,
	BranchInstructions, BranchMisses, BusCycles,
	StalledCyclesFrontend, StalledCyclesBackend, RefCPUCycles,
}

// Event is one requested hardware counter: its kind, its perf_event_open
// type/config, and its effective sample period (the table default, or a
// CLI override).
type Event struct {
	Kind   Kind
	Type   uint32
	Config uint64
	Period uint64
}

// Parse validates and decodes a single -e/--events spec, either "name" or
// "name=period".
func Parse(spec string) (Event, error) {
	name, periodStr, hasPeriod := strings.Cut(spec, "=")
	kind := Kind(name)
	e, ok := table[kind]
	if !ok {
		return Event{}, fmt.Errorf("hwevent: unknown event %q (supported: %s)", name, strings.Join(names(), ", "))
	}

	period := e.defaultPeriod
	if hasPeriod {
		p, err := strconv.ParseUint(periodStr, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("hwevent: invalid period in %q: %w", spec, err)
		}
		if p == 0 {
			return Event{}, fmt.Errorf("hwevent: period in %q must be positive", spec)
		}
		period = p
	}

	return Event{Kind: kind, Type: e.perfType, Config: e.config, Period: period}, nil
}

// ParseAll validates a full -e/--events flag list: every mnemonic must be
// known, no mnemonic may repeat, and the count must not exceed maxSlots
// (the compile-time K, the counter array width in the event record).
// Startup fails before any counter is opened if this is violated (spec.md
// §8 invariant 10).
func ParseAll(specs []string, maxSlots int) ([]Event, error) {
	if len(specs) > maxSlots {
		return nil, fmt.Errorf("hwevent: %d events requested, exceeds the compile-time maximum of %d counter slots", len(specs), maxSlots)
	}
	events := make([]Event, 0, len(specs))
	seen := make(map[Kind]bool, len(specs))
	for _, spec := range specs {
		e, err := Parse(spec)
		if err != nil {
			return nil, err
		}
		if seen[e.Kind] {
			return nil, fmt.Errorf("hwevent: event %q requested more than once", e.Kind)
		}
		seen[e.Kind] = true
		events = append(events, e)
	}
	return events, nil
}

func names() []string {
	out := make([]string, len(orderedKinds))
	for i, k := range orderedKinds {
		out[i] = string(k)
	}
	return out
}
