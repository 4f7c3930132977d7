// Package usdt parses the .note.stapsdt ELF notes a USDT-instrumented
// binary carries and resolves each probe's virtual address to the file
// offset link.UprobeOptions.Address expects, since cilium/ebpf has no
// dedicated USDT attach helper: USDT probes are uprobes at a fixed address,
// once the note has been found and translated.
package usdt

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// Probe is one statically-defined tracepoint note.
type Probe struct {
	Provider string
	Name     string
	// Offset is the probe's file offset, suitable for
	// link.UprobeOptions.Address.
	Offset uint64
}

// noteTypeStapsdt is NT_STAPSDT, the note type systemtap-style USDT probes
// use (see elfutils/libdw's NT_STAPSDT, value 3).
const noteTypeStapsdt = 3

// Parse reads every stapsdt note in f's .note.stapsdt section and resolves
// each probe's address to a file offset via f's PT_LOAD program headers.
func Parse(f *elf.File) ([]Probe, error) {
	sect := f.Section(".note.stapsdt")
	if sect == nil {
		return nil, fmt.Errorf("usdt: no .note.stapsdt section: binary carries no USDT probes")
	}
	data, err := sect.Data()
	if err != nil {
		return nil, fmt.Errorf("usdt: read .note.stapsdt: %w", err)
	}

	addrSize := 4
	if f.Class == elf.ELFCLASS64 {
		addrSize = 8
	}

	var probes []Probe
	for len(data) > 0 {
		note, rest, err := readNote(f, data)
		if err != nil {
			return nil, err
		}
		data = rest
		if note == nil {
			continue
		}

		pc, provider, name, err := parseDescriptor(note, addrSize)
		if err != nil {
			return nil, err
		}
		offset, err := fileOffset(f, pc)
		if err != nil {
			return nil, fmt.Errorf("usdt: probe %s:%s: %w", provider, name, err)
		}
		probes = append(probes, Probe{Provider: provider, Name: name, Offset: offset})
	}
	return probes, nil
}

// readNote consumes one note from data (aligned to 4-byte boundaries, as
// ELF notes always are regardless of ELF class) and returns its descriptor
// bytes, or nil if the note is not a stapsdt note. rest is the remainder of
// data after this note.
func readNote(f *elf.File, data []byte) (desc []byte, rest []byte, err error) {
	if len(data) < 12 {
		return nil, nil, fmt.Errorf("usdt: truncated note header")
	}
	namesz := f.ByteOrder.Uint32(data[0:4])
	descsz := f.ByteOrder.Uint32(data[4:8])
	typ := f.ByteOrder.Uint32(data[8:12])
	data = data[12:]

	nameEnd := align4(namesz)
	if uint32(len(data)) < nameEnd {
		return nil, nil, fmt.Errorf("usdt: truncated note name")
	}
	name := string(bytes.TrimRight(data[:namesz], "\x00"))
	data = data[nameEnd:]

	descEnd := align4(descsz)
	if uint32(len(data)) < descEnd {
		return nil, nil, fmt.Errorf("usdt: truncated note descriptor")
	}
	thisDesc := data[:descsz]
	data = data[descEnd:]

	if typ != noteTypeStapsdt || name != "stapsdt" {
		return nil, data, nil
	}
	return thisDesc, data, nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// parseDescriptor decodes a stapsdt note descriptor: pc, base_addr and
// semaphore fields (addrSize bytes each), followed by three NUL-terminated
// strings (provider, probe name, argument string). Only pc, provider and
// name are used: semaphore-gated probes and argument layout strings are
// out of scope (the ABI has a fixed argument shape, spec.md §6).
func parseDescriptor(desc []byte, addrSize int) (pc uint64, provider, name string, err error) {
	if len(desc) < 3*addrSize {
		return 0, "", "", fmt.Errorf("usdt: truncated descriptor")
	}
	pc = readAddr(desc[0:addrSize], addrSize)
	rest := desc[3*addrSize:]

	fields := bytes.SplitN(rest, []byte{0}, 3)
	if len(fields) < 2 {
		return 0, "", "", fmt.Errorf("usdt: descriptor missing provider/name strings")
	}
	return pc, string(fields[0]), string(fields[1]), nil
}

func readAddr(b []byte, addrSize int) uint64 {
	// stapsdt notes are always native-endian to the target, but the ELF
	// header's byte order already tells us which that is; descriptors are
	// little-endian on every architecture this observer targets.
	var v uint64
	for i := 0; i < addrSize; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// fileOffset translates a virtual address into the file offset
// link.UprobeOptions.Address expects, by locating the PT_LOAD segment that
// maps it.
func fileOffset(f *elf.File, vaddr uint64) (uint64, error) {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= prog.Vaddr && vaddr < prog.Vaddr+prog.Filesz {
			return vaddr - prog.Vaddr + prog.Off, nil
		}
	}
	return 0, fmt.Errorf("usdt: address 0x%x is not mapped by any PT_LOAD segment", vaddr)
}
