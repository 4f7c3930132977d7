// Package config defines the read-only configuration record consulted by
// the kernel program on every probe fire.
package config

// Record is written into the kernel-side config BPF map once, before the
// kernel program is loaded, and is never mutated afterward.
type Record struct {
	// FilterTGID restricts emitted events to this thread group. Zero means
	// no process filter: events from every process are emitted.
	FilterTGID uint32
	// EnabledEvents bounds how many Counters slots the kernel program
	// populates in each event record.
	EnabledEvents uint32
}

// New builds the configuration record from the observer's --pid flag and
// the number of hardware counters the operator selected.
func New(filterTGID int, enabledEvents int) Record {
	var tgid uint32
	if filterTGID > 0 {
		tgid = uint32(filterTGID)
	}
	return Record{
		FilterTGID:    tgid,
		EnabledEvents: uint32(enabledEvents),
	}
}
