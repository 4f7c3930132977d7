// Package perfevent opens per-CPU hardware performance counters via the
// kernel's perf_event_open syscall and attaches a kernel program as their
// sampling handler via PERF_EVENT_IOC_SET_BPF, the teacher's own attach
// idiom: cilium/ebpf's public API has no helper for attaching an eBPF
// program to an externally-opened perf_event fd (its Kprobe/Uprobe/
// Tracepoint helpers each open their own fd internally), so this package
// issues the ioctls directly, exactly as the teacher does.
package perfevent

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/dshulyak/perfspan/internal/hwevent"
)

// CPU is a single per-CPU counter: its file descriptor, with a kernel
// program already attached via PERF_EVENT_IOC_SET_BPF.
type CPU struct {
	FD int
}

// Close disables the counter and closes its fd. PERF_EVENT_IOC_DISABLE
// stops the attached program from firing again before the fd referring to
// it goes away.
func (c *CPU) Close() error {
	_ = unix.IoctlSetInt(c.FD, unix.PERF_EVENT_IOC_DISABLE, 0)
	if err := unix.Close(c.FD); err != nil {
		return fmt.Errorf("perfevent: close fd: %w", err)
	}
	return nil
}

// Open opens a sampling performance counter on cpu for pid (-1 for
// system-wide) via perf_event_open, with sample_type=RAW, inherit=0,
// wakeup_events=0, as spec.md §4.3 requires.
func Open(e hwevent.Event, pid, cpu int) (int, error) {
	attr := unix.PerfEventAttr{
		Type:        e.Type,
		Config:      e.Config,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample_type: unix.PERF_SAMPLE_RAW,
		Sample:      e.Period,
		Bits:        unix.PerfBitDisabled,
	}
	fd, err := unix.PerfEventOpen(&attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("perfevent: perf_event_open(%s, cpu=%d): %w", e.Kind, cpu, err)
	}
	return fd, nil
}

// OpenOnAllCPUs opens one counter for pid on each CPU id from 0 to
// runtime.NumCPU()-1; CPU ids at or above runtime.NumCPU() (such as
// possible CPUs outside the process's affinity mask) get no counter. On any failure
// it closes every fd already opened before returning the error, so the
// caller has nothing to clean up.
func OpenOnAllCPUs(e hwevent.Event, pid int) ([]int, error) {
	n := runtime.NumCPU()
	fds := make([]int, 0, n)
	for cpu := 0; cpu < n; cpu++ {
		fd, err := Open(e, pid, cpu)
		if err != nil {
			for _, opened := range fds {
				_ = unix.Close(opened)
			}
			return nil, err
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

// Attach assigns prog as fd's sampling handler and enables the counter, via
// PERF_EVENT_IOC_SET_BPF followed by PERF_EVENT_IOC_ENABLE — the teacher's
// own two-ioctl sequence (cmd/profiler2/main.go, cmd/profiler3/main.go).
func Attach(prog *ebpf.Program, fd int) error {
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
		return fmt.Errorf("perfevent: set bpf program: %w", err)
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("perfevent: enable counter: %w", err)
	}
	return nil
}

// EnableOnAllCPUs opens and attaches one counter per CPU for the given
// event, running prog (the on_perf_event program for this counter's slot),
// for pid (-1 for system-wide). On failure it tears down everything it
// already opened.
func EnableOnAllCPUs(prog *ebpf.Program, e hwevent.Event, pid int) ([]*CPU, error) {
	fds, err := OpenOnAllCPUs(e, pid)
	if err != nil {
		return nil, err
	}
	cpus := make([]*CPU, 0, len(fds))
	for i, fd := range fds {
		if err := Attach(prog, fd); err != nil {
			for _, c := range cpus {
				_ = c.Close()
			}
			for _, unopened := range fds[i:] {
				_ = unix.Close(unopened)
			}
			return nil, err
		}
		cpus = append(cpus, &CPU{FD: fd})
	}
	return cpus, nil
}
