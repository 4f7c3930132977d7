// Package spanname implements the span name table: a fixed-width,
// zero-padded name to small-integer name_id mapping, populated once at
// startup and read-only thereafter from the kernel side.
package spanname

import "fmt"

// Width is the fixed width of a padded span name, in bytes, matching the
// 128-byte buffer the kernel program copies USDT name arguments into.
const Width = 128

// Key is a zero-padded, fixed-width span name as used for map lookups on
// both sides of the kernel boundary.
type Key [Width]byte

// Pad zero-pads name to Width bytes. A name longer than Width is truncated
// to its first Width bytes, so it pads to the same Key as that prefix; New
// rejects a watched list in which two names collide this way.
func Pad(name string) Key {
	var k Key
	n := copy(k[:], name)
	_ = n
	return k
}

// Table is the immutable, declaration-ordered set of watched span names.
type Table struct {
	names []string
	ids   map[Key]uint32
}

// New builds a Table from names in CLI declaration order. It is an error to
// pass a name whose padded form collides with the padded form of an earlier
// name (a repeated name, or two distinct names that truncate to the same
// 128-byte prefix), since name_id lookup would then be ambiguous.
func New(names []string) (*Table, error) {
	t := &Table{
		names: make([]string, len(names)),
		ids:   make(map[Key]uint32, len(names)),
	}
	copy(t.names, names)
	for i, name := range names {
		key := Pad(name)
		if _, exists := t.ids[key]; exists {
			return nil, fmt.Errorf("spanname: name %q collides with an earlier watched name after 128-byte padding", name)
		}
		t.ids[key] = uint32(i)
	}
	return t, nil
}

// Len returns N, the number of watched span names.
func (t *Table) Len() int {
	return len(t.names)
}

// Names returns the watched span names in declaration order. The returned
// slice must not be mutated.
func (t *Table) Names() []string {
	return t.names
}

// NameByID returns the declared name for id, or "" and false if id is out
// of range.
func (t *Table) NameByID(id uint32) (string, bool) {
	if int(id) >= len(t.names) {
		return "", false
	}
	return t.names[id], true
}

// Lookup returns the name_id for a raw (unpadded) span name, and whether it
// is present in the table. A span whose name is not present is ignored by
// the kernel program; Lookup exists for userspace-side validation and
// testing.
func (t *Table) Lookup(name string) (uint32, bool) {
	id, ok := t.ids[Pad(name)]
	return id, ok
}

// Entries returns the (padded name, name_id) pairs in declaration order,
// suitable for populating the kernel-side name_table BPF map.
func (t *Table) Entries() []struct {
	Key Key
	ID  uint32
} {
	out := make([]struct {
		Key Key
		ID  uint32
	}, len(t.names))
	for i, name := range t.names {
		out[i].Key = Pad(name)
		out[i].ID = uint32(i)
	}
	return out
}
