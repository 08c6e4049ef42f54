// Package gattsvc is the Generic Attribute service client. Its only job is
// to let the application learn about Service Changed indications.
package gattsvc

import (
	"encoding/binary"
	"fmt"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"tinygo.org/x/bluetooth"
)

// Name identifies the profile in configuration and the handle cache.
const Name = "gatt"

// Schema indices.
const (
	CharServiceChanged = iota
)

const (
	DescServiceChangedCCC = iota
)

var (
	ServiceUUID        = bluetooth.New16BitUUID(0x1801)
	ServiceChangedUUID = bluetooth.New16BitUUID(0x2A05)
)

// Schema returns the Generic Attribute service schema.
func Schema() *gattc.Schema {
	return &gattc.Schema{
		Service: ServiceUUID,
		Chars: []gattc.CharDef{
			CharServiceChanged: {Name: "service changed", UUID: ServiceChangedUUID, Required: gattc.Optional, Props: gattc.PropIndicate},
		},
		Descs: []gattc.DescDef{
			DescServiceChangedCCC: {Name: "service changed ccc", UUID: gattc.ClientCharConfigUUID, Required: gattc.Mandatory, Char: CharServiceChanged},
		},
	}
}

type profile struct {
	schema *gattc.Schema
}

// New returns the Generic Attribute client profile.
func New() gattc.Profile {
	return &profile{schema: Schema()}
}

func (p *profile) Name() string              { return Name }
func (p *profile) Schema() *gattc.Schema     { return p.schema }
func (p *profile) NewSession() gattc.Session { return session{} }

// session rejects everything but reading and configuring the Service Changed
// CCCD: the characteristic itself is indicate-only.
type session struct{}

func (session) Admit(req gattc.Request) (gattc.Request, error) {
	switch r := req.(type) {
	case gattc.WriteRequest:
		return nil, fmt.Errorf("gattsvc: no writable characteristics: %w", gattc.ErrInvalidParameter)
	case gattc.ReadRequest:
		if r.Item != gattc.Desc(DescServiceChangedCCC) {
			return nil, fmt.Errorf("gattsvc: only the service changed ccc is readable: %w", gattc.ErrInvalidParameter)
		}
	case gattc.ConfigureRequest:
		if r.Value == gattc.CCCDNotify {
			return nil, fmt.Errorf("gattsvc: service changed is indicate-only: %w", gattc.ErrInvalidParameter)
		}
	}
	return req, nil
}

func (session) Observe(gattc.Item, []byte) {}

// DecodeServiceChanged returns the affected handle range carried by a Service
// Changed indication.
func DecodeServiceChanged(payload []byte) (gattc.Range, error) {
	if len(payload) < 4 {
		return gattc.Range{}, fmt.Errorf("gattsvc: service changed payload is %d bytes, want 4", len(payload))
	}
	return gattc.Range{
		Start: binary.LittleEndian.Uint16(payload[0:]),
		End:   binary.LittleEndian.Uint16(payload[2:]),
	}, nil
}

// EncodeServiceChanged is the inverse of DecodeServiceChanged.
func EncodeServiceChanged(r gattc.Range) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:], r.Start)
	binary.LittleEndian.PutUint16(b[2:], r.End)
	return b
}
