package gattc

import "fmt"

// InvalidHandle marks a schema entry that was not (yet) found on the peer.
const InvalidHandle uint16 = 0x0000

// ItemKind selects the schema table an Item indexes.
type ItemKind uint8

const (
	ItemChar ItemKind = iota
	ItemDesc
)

// Item names a characteristic or descriptor of the profile schema.
type Item struct {
	Kind  ItemKind
	Index int
}

// Char returns the Item for characteristic i of the schema.
func Char(i int) Item { return Item{Kind: ItemChar, Index: i} }

// Desc returns the Item for descriptor i of the schema.
func Desc(i int) Item { return Item{Kind: ItemDesc, Index: i} }

func (it Item) String() string {
	if it.Kind == ItemDesc {
		return fmt.Sprintf("desc[%d]", it.Index)
	}
	return fmt.Sprintf("char[%d]", it.Index)
}

// Range is an inclusive attribute handle range.
type Range struct {
	Start uint16 `cbor:"1,keyasint" json:"start"`
	End   uint16 `cbor:"2,keyasint" json:"end"`
}

// Contains reports whether h lies within r.
func (r Range) Contains(h uint16) bool {
	return h >= r.Start && h <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("0x%04x-0x%04x", r.Start, r.End)
}

// CharHandle is what discovery retains about one characteristic.
type CharHandle struct {
	Decl  uint16   `cbor:"1,keyasint" json:"decl"`
	Value uint16   `cbor:"2,keyasint" json:"value"`
	Props Property `cbor:"3,keyasint" json:"props"`
}

// Handles is the validated result of discovery for one connection, indexed
// in schema order. It is also what an application stores for bonded peers
// and hands back in a cached-handles enable.
type Handles struct {
	Service Range        `cbor:"1,keyasint" json:"service"`
	Chars   []CharHandle `cbor:"2,keyasint" json:"chars"`
	Descs   []uint16     `cbor:"3,keyasint" json:"descs"`
}

// NewHandles returns an all-invalid handle set shaped for s.
func NewHandles(s *Schema) Handles {
	return Handles{
		Chars: make([]CharHandle, len(s.Chars)),
		Descs: make([]uint16, len(s.Descs)),
	}
}

// Clone returns a deep copy of h.
func (h Handles) Clone() Handles {
	out := Handles{Service: h.Service}
	if h.Chars != nil {
		out.Chars = append([]CharHandle(nil), h.Chars...)
	}
	if h.Descs != nil {
		out.Descs = append([]uint16(nil), h.Descs...)
	}
	return out
}

// Fits checks that h has the shape s expects.
func (h Handles) Fits(s *Schema) error {
	if len(h.Chars) != len(s.Chars) {
		return fmt.Errorf("gattc: handles carry %d characteristics, schema has %d: %w",
			len(h.Chars), len(s.Chars), ErrInvalidParameter)
	}
	if len(h.Descs) != len(s.Descs) {
		return fmt.Errorf("gattc: handles carry %d descriptors, schema has %d: %w",
			len(h.Descs), len(s.Descs), ErrInvalidParameter)
	}
	return nil
}

// lookup returns the attribute handle addressed by it.
func (h Handles) lookup(it Item) (uint16, error) {
	var hdl uint16
	switch it.Kind {
	case ItemChar:
		if it.Index < 0 || it.Index >= len(h.Chars) {
			return InvalidHandle, fmt.Errorf("gattc: %s: %w", it, ErrInvalidParameter)
		}
		hdl = h.Chars[it.Index].Value
	case ItemDesc:
		if it.Index < 0 || it.Index >= len(h.Descs) {
			return InvalidHandle, fmt.Errorf("gattc: %s: %w", it, ErrInvalidParameter)
		}
		hdl = h.Descs[it.Index]
	default:
		return InvalidHandle, fmt.Errorf("gattc: %s: %w", it, ErrInvalidParameter)
	}
	if hdl == InvalidHandle {
		return InvalidHandle, fmt.Errorf("gattc: %s: %w", it, ErrHandleNotFound)
	}
	return hdl, nil
}

// itemFor maps an attribute handle back to the schema entry it belongs to.
func (h Handles) itemFor(hdl uint16) (Item, bool) {
	if hdl == InvalidHandle {
		return Item{}, false
	}
	for i, c := range h.Chars {
		if c.Value == hdl {
			return Char(i), true
		}
	}
	for i, d := range h.Descs {
		if d == hdl {
			return Desc(i), true
		}
	}
	return Item{}, false
}
