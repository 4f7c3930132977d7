// Package loader implements the startup sequence spec.md §4.4 describes:
// raise rlimits, open and populate the kernel object, load it, attach the
// USDT enter/exit programs and the hardware counters.
package loader

import (
	"debug/elf"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"golang.org/x/sys/unix"

	"github.com/dshulyak/perfspan/internal/config"
	"github.com/dshulyak/perfspan/internal/hwevent"
	"github.com/dshulyak/perfspan/internal/kernelobj"
	"github.com/dshulyak/perfspan/internal/perfevent"
	"github.com/dshulyak/perfspan/internal/spanname"
	"github.com/dshulyak/perfspan/internal/usdt"
)

// memlockBytes is the locked-memory rlimit the observer raises at startup,
// per spec.md §4.4/§6: 128 MiB.
const memlockBytes = 128 * 1024 * 1024

// RaiseMemlock raises RLIMIT_MEMLOCK to 128 MiB to accommodate the BPF
// maps the kernel object allocates.
func RaiseMemlock() error {
	err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{
		Cur: memlockBytes,
		Max: memlockBytes,
	})
	if err != nil {
		return fmt.Errorf("loader: raise RLIMIT_MEMLOCK: %w", err)
	}
	return nil
}

// Attacher owns every kernel-side resource the observer holds: the loaded
// collection, the USDT links, and the per-CPU counter links. Close tears
// them down in the reverse of attachment order, per spec.md §9.
type Attacher struct {
	collection *ebpf.Collection
	usdtLinks  []link.Link
	counters   []*perfevent.CPU
}

// Attach runs the full startup sequence: populate the config and name
// table maps, load the kernel object, attach the USDT probes to binary,
// and open+attach one counter per CPU for each requested event.
func Attach(objPath, binary string, cfg config.Record, names *spanname.Table, events []hwevent.Event) (*Attacher, error) {
	spec, err := kernelobj.Load(objPath)
	if err != nil {
		return nil, err
	}

	if err := populateConfig(spec, cfg); err != nil {
		return nil, err
	}
	if err := populateNameTable(spec, names); err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{})
	if err != nil {
		return nil, fmt.Errorf("loader: load kernel object: %w", err)
	}

	a := &Attacher{collection: coll}

	usdtLinks, err := attachUSDT(coll, binary)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.usdtLinks = usdtLinks

	counters, err := attachCounters(coll, events)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.counters = counters

	return a, nil
}

// Events returns a ring buffer reader bound to the kernel object's "events"
// map, the single producer-to-consumer channel the correlator polls.
func (a *Attacher) Events() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(a.collection.Maps[kernelobj.MapEvents])
	if err != nil {
		return nil, fmt.Errorf("loader: open ring buffer reader: %w", err)
	}
	return rd, nil
}

// Close disables and closes the per-CPU counter fds, then detaches the USDT
// links, and only then closes the collection — the reverse of attachment
// order, so nothing that runs the kernel object's programs outlives it.
func (a *Attacher) Close() error {
	for _, c := range a.counters {
		_ = c.Close()
	}
	for _, l := range a.usdtLinks {
		_ = l.Close()
	}
	if a.collection != nil {
		a.collection.Close()
	}
	return nil
}

func populateConfig(spec *ebpf.CollectionSpec, cfg config.Record) error {
	m, ok := spec.Maps[kernelobj.MapConfig]
	if !ok {
		return fmt.Errorf("loader: kernel object has no %q map", kernelobj.MapConfig)
	}
	key := uint32(0)
	m.Contents = []ebpf.MapKV{{Key: key, Value: cfg}}
	return nil
}

func populateNameTable(spec *ebpf.CollectionSpec, names *spanname.Table) error {
	m, ok := spec.Maps[kernelobj.MapNameTable]
	if !ok {
		return fmt.Errorf("loader: kernel object has no %q map", kernelobj.MapNameTable)
	}
	entries := names.Entries()
	contents := make([]ebpf.MapKV, len(entries))
	for i, e := range entries {
		contents[i] = ebpf.MapKV{Key: e.Key, Value: e.ID}
	}
	m.Contents = contents
	return nil
}

// usdtProvider and probe names are the fixed USDT ABI spec.md §6 defines.
// USDT attachment has no pid argument of its own: the uprobe fires on any
// process executing the traced binary's text, leaving the kernel-side
// filter_tgid as the authoritative process filter, per spec.md §4.4.
const (
	usdtProvider = "perfspan"
	usdtEnter    = "enter"
	usdtExit     = "exit"
)

// attachUSDT attaches the enter/exit programs as uprobes at the resolved
// file offset of their USDT note. cilium/ebpf has no USDT helper (its
// Executable only exposes Uprobe/Uretprobe); per internal/usdt, a USDT probe
// is a uprobe at a known address, so it is parsed out of the binary's
// .note.stapsdt section and attached with UprobeOptions.Address, symbol left
// empty to bypass ELF symbol-table lookup (the probe site has no symbol).
func attachUSDT(coll *ebpf.Collection, binary string) ([]link.Link, error) {
	f, err := elf.Open(binary)
	if err != nil {
		return nil, fmt.Errorf("loader: open elf %s: %w", binary, err)
	}
	defer f.Close()

	probes, err := usdt.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("loader: parse usdt notes in %s: %w", binary, err)
	}

	enterProbe, ok := findProbe(probes, usdtProvider, usdtEnter)
	if !ok {
		return nil, fmt.Errorf("loader: %s has no %s:%s usdt probe", binary, usdtProvider, usdtEnter)
	}
	exitProbe, ok := findProbe(probes, usdtProvider, usdtExit)
	if !ok {
		return nil, fmt.Errorf("loader: %s has no %s:%s usdt probe", binary, usdtProvider, usdtExit)
	}

	exe, err := link.OpenExecutable(binary)
	if err != nil {
		return nil, fmt.Errorf("loader: open executable %s: %w", binary, err)
	}

	enterLink, err := exe.Uprobe("", coll.Programs[kernelobj.ProgEnter], &link.UprobeOptions{Address: enterProbe.Offset})
	if err != nil {
		return nil, fmt.Errorf("loader: attach usdt %s:%s: %w", usdtProvider, usdtEnter, err)
	}

	exitLink, err := exe.Uprobe("", coll.Programs[kernelobj.ProgExit], &link.UprobeOptions{Address: exitProbe.Offset})
	if err != nil {
		_ = enterLink.Close()
		return nil, fmt.Errorf("loader: attach usdt %s:%s: %w", usdtProvider, usdtExit, err)
	}

	return []link.Link{enterLink, exitLink}, nil
}

func findProbe(probes []usdt.Probe, provider, name string) (usdt.Probe, bool) {
	for _, p := range probes {
		if p.Provider == provider && p.Name == name {
			return p, true
		}
	}
	return usdt.Probe{}, false
}

// attachCounters enables one hardware counter per requested event on every
// CPU. There is no single on_perf_event program: cilium/ebpf carries no
// cookie through to a program attached to an externally-opened perf_event fd
// (its ioctl fallback path explicitly rejects a nonzero cookie), so the
// kernel object instead exposes one on_perf_event_<slot> program per
// compile-time counter slot, and each event is bound to its own slot's
// program.
func attachCounters(coll *ebpf.Collection, events []hwevent.Event) ([]*perfevent.CPU, error) {
	// -1 opens a system-wide counter on each CPU; the kernel-side
	// filter_tgid, not the perf event's pid argument, is the process
	// filter (spec.md §4.4).
	const systemWide = -1
	all := make([]*perfevent.CPU, 0, len(events)*4)
	for slot, e := range events {
		progName := kernelobj.PerfEventProgram(slot)
		prog := coll.Programs[progName]
		if prog == nil {
			for _, c := range all {
				_ = c.Close()
			}
			return nil, fmt.Errorf("loader: kernel object has no program %q for counter slot %d", progName, slot)
		}
		cpus, err := perfevent.EnableOnAllCPUs(prog, e, systemWide)
		if err != nil {
			for _, c := range all {
				_ = c.Close()
			}
			return nil, fmt.Errorf("loader: enable counter %s on all cpus: %w", e.Kind, err)
		}
		all = append(all, cpus...)
	}
	return all, nil
}
