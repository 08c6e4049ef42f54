// Package uds is the User Data Service client.
//
// User characteristics may only be written once the client knows the
// peer's database change increment, learned by reading it or from its
// notifications. An update is finished by writing the change increment
// with an empty value; the session substitutes the incremented counter.
// User registration, consent and deletion go through the User Control
// Point, whose outcome arrives as an indication.
package uds

import (
	"encoding/binary"
	"fmt"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"tinygo.org/x/bluetooth"
)

// Name identifies the profile in configuration and the handle cache.
const Name = "uds"

// Schema indices. User characteristics start at CharFirstName.
const (
	CharChangeIncrement = iota
	CharUserIndex
	CharControlPoint
	CharFirstName
	CharLastName
	CharEmail
	CharAge
	CharDateOfBirth
	CharGender
	CharWeight
	CharHeight
	CharLanguage
)

const (
	DescChangeIncrementCCC = iota
	DescControlPointCCC
)

var (
	ServiceUUID         = bluetooth.New16BitUUID(0x181C)
	ChangeIncrementUUID = bluetooth.New16BitUUID(0x2A99)
	UserIndexUUID       = bluetooth.New16BitUUID(0x2A9A)
	ControlPointUUID    = bluetooth.New16BitUUID(0x2A9F)
)

// userChars follow the control point in schema order.
var userChars = []struct {
	name string
	uuid uint16
}{
	{"first name", 0x2A8A},
	{"last name", 0x2A90},
	{"email address", 0x2A87},
	{"age", 0x2A80},
	{"date of birth", 0x2A85},
	{"gender", 0x2A8C},
	{"weight", 0x2A98},
	{"height", 0x2A8E},
	{"language", 0x2AA2},
}

// Schema returns the User Data Service schema.
func Schema() *gattc.Schema {
	s := &gattc.Schema{
		Service: ServiceUUID,
		Chars: []gattc.CharDef{
			CharChangeIncrement: {Name: "database change increment", UUID: ChangeIncrementUUID, Required: gattc.Mandatory, Props: gattc.PropRead | gattc.PropWrite},
			CharUserIndex:       {Name: "user index", UUID: UserIndexUUID, Required: gattc.Mandatory, Props: gattc.PropRead},
			CharControlPoint:    {Name: "user control point", UUID: ControlPointUUID, Required: gattc.Mandatory, Props: gattc.PropWrite | gattc.PropIndicate, ControlPoint: true},
		},
		Descs: []gattc.DescDef{
			DescChangeIncrementCCC: {Name: "change increment ccc", UUID: gattc.ClientCharConfigUUID, Required: gattc.Optional, Char: CharChangeIncrement},
			DescControlPointCCC:    {Name: "user control point ccc", UUID: gattc.ClientCharConfigUUID, Required: gattc.Mandatory, Char: CharControlPoint},
		},
	}
	for _, uc := range userChars {
		s.Chars = append(s.Chars, gattc.CharDef{
			Name:     uc.name,
			UUID:     bluetooth.New16BitUUID(uc.uuid),
			Required: gattc.Optional,
			Props:    gattc.PropRead | gattc.PropWrite,
		})
	}
	return s
}

type profile struct {
	schema *gattc.Schema
}

// New returns the User Data Service client profile.
func New() gattc.Profile {
	return &profile{schema: Schema()}
}

func (p *profile) Name() string              { return Name }
func (p *profile) Schema() *gattc.Schema     { return p.schema }
func (p *profile) NewSession() gattc.Session { return &Session{} }

// Session tracks the database change increment of one connection.
type Session struct {
	incr uint32
}

// ChangeIncrement returns the last increment seen or written.
func (s *Session) ChangeIncrement() uint32 { return s.incr }

func (s *Session) Admit(req gattc.Request) (gattc.Request, error) {
	switch r := req.(type) {
	case gattc.WriteRequest:
		return s.admitWrite(r)
	case gattc.ConfigureRequest:
		var allowed uint16
		switch r.Desc {
		case DescChangeIncrementCCC:
			allowed = gattc.CCCDNotify
		case DescControlPointCCC:
			allowed = gattc.CCCDIndicate
		}
		if r.Value != gattc.CCCDStop && r.Value != allowed {
			return nil, fmt.Errorf("uds: configure desc %d with 0x%04x: %w", r.Desc, r.Value, gattc.ErrInvalidParameter)
		}
	}
	return req, nil
}

func (s *Session) admitWrite(r gattc.WriteRequest) (gattc.Request, error) {
	if r.Item == gattc.Char(CharControlPoint) {
		if _, err := DecodeControlPointRequest(r.Value); err != nil {
			return nil, fmt.Errorf("%w: %w", err, gattc.ErrInvalidParameter)
		}
		return r, nil
	}
	if s.incr == 0 {
		return nil, fmt.Errorf("uds: change increment not read yet: %w", gattc.ErrImproperlyConfigured)
	}
	switch r.Item.Index {
	case CharChangeIncrement:
		if len(r.Value) != 0 {
			return nil, fmt.Errorf("uds: change increment is written by finishing an update: %w", gattc.ErrInvalidParameter)
		}
		s.incr++
		r.Value = EncodeChangeIncrement(s.incr)
		return r, nil
	case CharUserIndex:
		return nil, fmt.Errorf("uds: user index is read-only: %w", gattc.ErrInvalidParameter)
	}
	return r, nil
}

func (s *Session) Observe(it gattc.Item, value []byte) {
	if it != gattc.Char(CharChangeIncrement) {
		return
	}
	if v, err := DecodeChangeIncrement(value); err == nil {
		s.incr = v
	}
}

// FinishUpdate returns the request that bumps the change increment after a
// series of user characteristic writes.
func FinishUpdate(connIdx int) gattc.WriteRequest {
	return gattc.WriteRequest{ConnIdx: connIdx, Item: gattc.Char(CharChangeIncrement)}
}

// DecodeChangeIncrement reads a Database Change Increment value.
func DecodeChangeIncrement(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("uds: change increment is %d bytes, want 4", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// EncodeChangeIncrement packs a Database Change Increment value.
func EncodeChangeIncrement(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}
