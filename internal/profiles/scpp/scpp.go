// Package scpp is the Scan Parameters service client: it tells the peer the
// scan interval and window the local device uses, and listens for the
// peer's request to be told again.
package scpp

import (
	"encoding/binary"
	"fmt"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"tinygo.org/x/bluetooth"
)

// Name identifies the profile in configuration and the handle cache.
const Name = "scpp"

// Schema indices.
const (
	CharIntervalWindow = iota
	CharRefresh
)

const (
	DescRefreshCCC = iota
)

var (
	ServiceUUID        = bluetooth.New16BitUUID(0x1813)
	IntervalWindowUUID = bluetooth.New16BitUUID(0x2A4F)
	RefreshUUID        = bluetooth.New16BitUUID(0x2A31)
)

// Scan interval and window limits, in 0.625 ms units.
const (
	ScanMin uint16 = 0x0004
	ScanMax uint16 = 0x4000
)

// RefreshRequired is the only value the Scan Refresh characteristic notifies.
const RefreshRequired = 0x00

// Schema returns the Scan Parameters service schema.
func Schema() *gattc.Schema {
	return &gattc.Schema{
		Service: ServiceUUID,
		Chars: []gattc.CharDef{
			CharIntervalWindow: {Name: "scan interval window", UUID: IntervalWindowUUID, Required: gattc.Mandatory, Props: gattc.PropWriteNoResp},
			CharRefresh:        {Name: "scan refresh", UUID: RefreshUUID, Required: gattc.Optional, Props: gattc.PropNotify},
		},
		Descs: []gattc.DescDef{
			DescRefreshCCC: {Name: "scan refresh ccc", UUID: gattc.ClientCharConfigUUID, Required: gattc.Mandatory, Char: CharRefresh},
		},
	}
}

type profile struct {
	schema *gattc.Schema
}

// New returns the Scan Parameters client profile.
func New() gattc.Profile {
	return &profile{schema: Schema()}
}

func (p *profile) Name() string              { return Name }
func (p *profile) Schema() *gattc.Schema     { return p.schema }
func (p *profile) NewSession() gattc.Session { return session{} }

type session struct{}

func (session) Admit(req gattc.Request) (gattc.Request, error) {
	switch r := req.(type) {
	case gattc.WriteRequest:
		if r.Item != gattc.Char(CharIntervalWindow) {
			return nil, fmt.Errorf("scpp: only the scan interval window is writable: %w", gattc.ErrInvalidParameter)
		}
		if _, _, err := DecodeIntervalWindow(r.Value); err != nil {
			return nil, fmt.Errorf("%w: %w", err, gattc.ErrInvalidParameter)
		}
	case gattc.ReadRequest:
		if r.Item != gattc.Desc(DescRefreshCCC) {
			return nil, fmt.Errorf("scpp: only the scan refresh ccc is readable: %w", gattc.ErrInvalidParameter)
		}
	case gattc.ConfigureRequest:
		if r.Value != gattc.CCCDStop && r.Value != gattc.CCCDNotify {
			return nil, fmt.Errorf("scpp: scan refresh ccc value 0x%04x: %w", r.Value, gattc.ErrInvalidParameter)
		}
	}
	return req, nil
}

func (session) Observe(gattc.Item, []byte) {}

// EncodeIntervalWindow packs the Scan Interval Window value.
func EncodeIntervalWindow(interval, window uint16) ([]byte, error) {
	if err := checkIntervalWindow(interval, window); err != nil {
		return nil, err
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:], interval)
	binary.LittleEndian.PutUint16(b[2:], window)
	return b, nil
}

// DecodeIntervalWindow unpacks and checks a Scan Interval Window value.
func DecodeIntervalWindow(b []byte) (interval, window uint16, err error) {
	if len(b) != 4 {
		return 0, 0, fmt.Errorf("scpp: interval window is %d bytes, want 4", len(b))
	}
	interval = binary.LittleEndian.Uint16(b[0:])
	window = binary.LittleEndian.Uint16(b[2:])
	if err := checkIntervalWindow(interval, window); err != nil {
		return 0, 0, err
	}
	return interval, window, nil
}

func checkIntervalWindow(interval, window uint16) error {
	if interval < ScanMin || interval > ScanMax {
		return fmt.Errorf("scpp: scan interval 0x%04x outside [0x%04x,0x%04x]", interval, ScanMin, ScanMax)
	}
	if window < ScanMin || window > interval {
		return fmt.Errorf("scpp: scan window 0x%04x outside [0x%04x,0x%04x]", window, ScanMin, interval)
	}
	return nil
}

// IsRefreshRequest reports whether a Scan Refresh notification asks the
// client to write the interval window again.
func IsRefreshRequest(payload []byte) bool {
	return len(payload) >= 1 && payload[0] == RefreshRequired
}
