// Package kernelobj loads the compiled kernel program object. Compiling
// bpf/perfspan.bpf.c into that object is build machinery assumed provided
// (spec.md §1 Non-goals); this package only opens an already-built object
// file, the userspace-side half of the loader/attacher component.
package kernelobj

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/dshulyak/perfspan/internal/event"
)

// Program and map names the kernel object must expose, matching
// bpf/perfspan.bpf.c. perfspan_enter/perfspan_exit are attached as uprobes
// at the USDT probe's resolved address (internal/usdt); there is no single
// on_perf_event program, since attaching an externally-opened perf_event fd
// through cilium/ebpf's public API carries no cookie to tell the K counter
// slots apart (see internal/perfevent) — instead the kernel object exposes
// one on_perf_event_<slot> program per compile-time slot, each a thin
// wrapper over the shared handler with its slot baked in.
const (
	ProgEnter = "perfspan_enter"
	ProgExit  = "perfspan_exit"

	MapConfig    = "config"
	MapNameTable = "name_table"
	MapEvents    = "events"
	MapCounters  = "counters"
)

// PerfEventProgram returns the name of the on_perf_event_<slot> program
// backing counter slot i.
func PerfEventProgram(slot int) string {
	return fmt.Sprintf("on_perf_event_%d", slot)
}

// Load opens the kernel object at path and returns its spec, ready for
// ebpf.NewCollectionWithOptions after the config and name table maps are
// populated.
func Load(path string) (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("kernelobj: load %s: %w", path, err)
	}
	for _, name := range []string{ProgEnter, ProgExit} {
		if spec.Programs[name] == nil {
			return nil, fmt.Errorf("kernelobj: %s is missing program %q", path, name)
		}
	}
	for i := 0; i < event.NumCounters; i++ {
		name := PerfEventProgram(i)
		if spec.Programs[name] == nil {
			return nil, fmt.Errorf("kernelobj: %s is missing program %q", path, name)
		}
	}
	for _, name := range []string{MapConfig, MapNameTable, MapEvents} {
		if spec.Maps[name] == nil {
			return nil, fmt.Errorf("kernelobj: %s is missing map %q", path, name)
		}
	}
	return spec, nil
}
