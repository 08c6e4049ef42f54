package gattc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"tinygo.org/x/bluetooth"
)

// Requirement says whether a schema entry must be present on the peer.
type Requirement uint8

const (
	Optional Requirement = iota
	Mandatory
)

func (r Requirement) String() string {
	if r == Mandatory {
		return "mandatory"
	}
	return "optional"
}

// Property is the ATT characteristic properties bit field.
type Property uint8

const (
	PropBroadcast   Property = 0x01
	PropRead        Property = 0x02
	PropWriteNoResp Property = 0x04
	PropWrite       Property = 0x08
	PropNotify      Property = 0x10
	PropIndicate    Property = 0x20
	PropSignedWrite Property = 0x40
	PropExtended    Property = 0x80
)

var propNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNoResp, "write-no-resp"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

func (p Property) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	for _, pn := range propNames {
		if p&pn.p != 0 {
			parts = append(parts, pn.name)
		}
	}
	return strings.Join(parts, "|")
}

// Client Characteristic Configuration values.
const (
	CCCDStop     uint16 = 0x0000
	CCCDNotify   uint16 = 0x0001
	CCCDIndicate uint16 = 0x0002
)

// ClientCharConfigUUID is the Client Characteristic Configuration descriptor.
var ClientCharConfigUUID = bluetooth.New16BitUUID(0x2902)

// CharDef is one expected characteristic.
type CharDef struct {
	Name     string
	UUID     bluetooth.UUID
	Required Requirement
	// Props lists the property bits the peer must advertise.
	Props Property
	// ControlPoint marks a write-then-indicate characteristic: a write is
	// only complete once the peer indicates the outcome.
	ControlPoint bool
}

// DescDef is one expected descriptor, owned by the characteristic at index Char.
type DescDef struct {
	Name     string
	UUID     bluetooth.UUID
	Required Requirement
	Char     int
}

// Schema describes the service a profile client expects to find on the peer.
// Chars and Descs are addressed by index through Item.
type Schema struct {
	Service bluetooth.UUID
	Chars   []CharDef
	Descs   []DescDef
}

// Validate checks the schema for internal consistency.
func (s *Schema) Validate() error {
	if s == nil {
		return fmt.Errorf("gattc: nil schema")
	}
	if s.Service == (bluetooth.UUID{}) {
		return fmt.Errorf("gattc: schema has no service UUID")
	}
	if len(s.Chars) == 0 {
		return fmt.Errorf("gattc: schema for %s has no characteristics", s.Service)
	}
	for i, d := range s.Descs {
		if d.Char < 0 || d.Char >= len(s.Chars) {
			return fmt.Errorf("gattc: descriptor %d (%s) owned by unknown characteristic %d", i, d.Name, d.Char)
		}
	}
	return nil
}

// Fingerprint is a digest of everything in the schema that affects the shape
// and meaning of a Handles value. Cached handles are only valid against a
// schema with the same fingerprint.
func (s *Schema) Fingerprint() [32]byte {
	h, _ := blake2b.New256(nil)
	var n [4]byte
	writeString := func(str string) {
		binary.LittleEndian.PutUint32(n[:], uint32(len(str)))
		h.Write(n[:])
		h.Write([]byte(str))
	}
	writeString(s.Service.String())
	for _, c := range s.Chars {
		writeString(c.UUID.String())
		h.Write([]byte{byte(c.Required), byte(c.Props), boolByte(c.ControlPoint)})
	}
	for _, d := range s.Descs {
		writeString(d.UUID.String())
		binary.LittleEndian.PutUint32(n[:], uint32(d.Char))
		h.Write([]byte{byte(d.Required)})
		h.Write(n[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ItemName returns a human readable name for it.
func (s *Schema) ItemName(it Item) string {
	switch it.Kind {
	case ItemChar:
		if it.Index >= 0 && it.Index < len(s.Chars) {
			return s.Chars[it.Index].Name
		}
	case ItemDesc:
		if it.Index >= 0 && it.Index < len(s.Descs) {
			return s.Descs[it.Index].Name
		}
	}
	return it.String()
}

// Has reports whether it addresses an entry of the schema.
func (s *Schema) Has(it Item) bool {
	switch it.Kind {
	case ItemChar:
		return it.Index >= 0 && it.Index < len(s.Chars)
	case ItemDesc:
		return it.Index >= 0 && it.Index < len(s.Descs)
	}
	return false
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
