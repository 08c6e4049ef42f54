// Package wss is the Weight Scale service collector.
package wss

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"tinygo.org/x/bluetooth"
)

// Name identifies the profile in configuration and the handle cache.
const Name = "wss"

// Schema indices.
const (
	CharFeature = iota
	CharMeasurement
)

const (
	DescMeasurementCCC = iota
)

var (
	ServiceUUID     = bluetooth.New16BitUUID(0x181D)
	FeatureUUID     = bluetooth.New16BitUUID(0x2A9E)
	MeasurementUUID = bluetooth.New16BitUUID(0x2A9D)
)

// Schema returns the Weight Scale service schema.
func Schema() *gattc.Schema {
	return &gattc.Schema{
		Service: ServiceUUID,
		Chars: []gattc.CharDef{
			CharFeature:     {Name: "weight scale feature", UUID: FeatureUUID, Required: gattc.Mandatory, Props: gattc.PropRead},
			CharMeasurement: {Name: "weight measurement", UUID: MeasurementUUID, Required: gattc.Mandatory, Props: gattc.PropIndicate},
		},
		Descs: []gattc.DescDef{
			DescMeasurementCCC: {Name: "weight measurement ccc", UUID: gattc.ClientCharConfigUUID, Required: gattc.Mandatory, Char: CharMeasurement},
		},
	}
}

type profile struct {
	schema *gattc.Schema
}

// New returns the Weight Scale collector profile.
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
		return nil, fmt.Errorf("wss: no writable characteristics: %w", gattc.ErrInvalidParameter)
	case gattc.ReadRequest:
		if r.Item == gattc.Char(CharMeasurement) {
			return nil, fmt.Errorf("wss: measurement is indicate-only: %w", gattc.ErrInvalidParameter)
		}
	case gattc.ConfigureRequest:
		if r.Value != gattc.CCCDStop && r.Value != gattc.CCCDIndicate {
			return nil, fmt.Errorf("wss: measurement ccc value 0x%04x: %w", r.Value, gattc.ErrInvalidParameter)
		}
	}
	return req, nil
}

func (session) Observe(gattc.Item, []byte) {}

// Measurement flag bits.
const (
	FlagImperial     = 0x01
	FlagTimeStamp    = 0x02
	FlagUserID       = 0x04
	FlagBMIAndHeight = 0x08
)

// UserUnknown is the user id reported when the scale does not know the user.
const UserUnknown = 0xFF

const measurementMinLen = 3

// Measurement is a decoded Weight Measurement indication. Weight is in
// kilograms or pounds and Height in metres or inches depending on Imperial.
type Measurement struct {
	Flags     uint8
	Imperial  bool
	Weight    float64
	Time      time.Time
	HasTime   bool
	UserID    uint8
	HasUserID bool
	BMI       float64
	Height    float64
	HasBMI    bool
}

// DecodeMeasurement unpacks a Weight Measurement value.
func DecodeMeasurement(b []byte) (Measurement, error) {
	if len(b) < measurementMinLen {
		return Measurement{}, fmt.Errorf("wss: measurement is %d bytes, want at least %d", len(b), measurementMinLen)
	}
	var m Measurement
	m.Flags = b[0]
	m.Imperial = m.Flags&FlagImperial != 0
	raw := binary.LittleEndian.Uint16(b[1:])
	if m.Imperial {
		m.Weight = float64(raw) * 0.01
	} else {
		m.Weight = float64(raw) * 0.005
	}
	cur := 3

	if m.Flags&FlagTimeStamp != 0 {
		t, err := decodeDateTime(b[cur:])
		if err != nil {
			return Measurement{}, err
		}
		m.Time, m.HasTime = t, true
		cur += dateTimeLen
	}
	if m.Flags&FlagUserID != 0 {
		if len(b) < cur+1 {
			return Measurement{}, fmt.Errorf("wss: measurement truncated before user id")
		}
		m.UserID, m.HasUserID = b[cur], true
		cur++
	}
	if m.Flags&FlagBMIAndHeight != 0 {
		if len(b) < cur+4 {
			return Measurement{}, fmt.Errorf("wss: measurement truncated before bmi and height")
		}
		m.BMI = float64(binary.LittleEndian.Uint16(b[cur:])) * 0.1
		h := binary.LittleEndian.Uint16(b[cur+2:])
		if m.Imperial {
			m.Height = float64(h) * 0.1
		} else {
			m.Height = float64(h) * 0.001
		}
		m.HasBMI = true
	}
	return m, nil
}

const dateTimeLen = 7

func decodeDateTime(b []byte) (time.Time, error) {
	if len(b) < dateTimeLen {
		return time.Time{}, fmt.Errorf("wss: date time is %d bytes, want %d", len(b), dateTimeLen)
	}
	year := int(binary.LittleEndian.Uint16(b))
	return time.Date(year, time.Month(b[2]), int(b[3]), int(b[4]), int(b[5]), int(b[6]), 0, time.UTC), nil
}

func encodeDateTime(t time.Time) []byte {
	b := make([]byte, dateTimeLen)
	binary.LittleEndian.PutUint16(b, uint16(t.Year()))
	b[2] = byte(t.Month())
	b[3] = byte(t.Day())
	b[4] = byte(t.Hour())
	b[5] = byte(t.Minute())
	b[6] = byte(t.Second())
	return b
}

// EncodeMeasurement packs m the way a scale would. Flags are derived from
// the Has fields and Imperial.
func EncodeMeasurement(m Measurement) []byte {
	var flags uint8
	res := 0.005
	if m.Imperial {
		flags |= FlagImperial
		res = 0.01
	}
	b := []byte{0, 0, 0}
	binary.LittleEndian.PutUint16(b[1:], uint16(m.Weight/res+0.5))
	if m.HasTime {
		flags |= FlagTimeStamp
		b = append(b, encodeDateTime(m.Time)...)
	}
	if m.HasUserID {
		flags |= FlagUserID
		b = append(b, m.UserID)
	}
	if m.HasBMI {
		flags |= FlagBMIAndHeight
		hres := 0.001
		if m.Imperial {
			hres = 0.1
		}
		b = binary.LittleEndian.AppendUint16(b, uint16(m.BMI/0.1+0.5))
		b = binary.LittleEndian.AppendUint16(b, uint16(m.Height/hres+0.5))
	}
	b[0] = flags
	return b
}

// Feature bits of the Weight Scale Feature characteristic.
type Feature uint32

const (
	FeatureTimeStamp    Feature = 0x01
	FeatureMultipleUser Feature = 0x02
	FeatureBMI          Feature = 0x04
)

// DecodeFeature reads the Weight Scale Feature value.
func DecodeFeature(b []byte) (Feature, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("wss: feature is %d bytes, want 4", len(b))
	}
	return Feature(binary.LittleEndian.Uint32(b)), nil
}
