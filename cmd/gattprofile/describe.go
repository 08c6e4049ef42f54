package main

import (
	"fmt"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/chaz8081/gattprofile/internal/profiles/gattsvc"
	"github.com/chaz8081/gattprofile/internal/profiles/scpp"
	"github.com/chaz8081/gattprofile/internal/profiles/uds"
	"github.com/chaz8081/gattprofile/internal/profiles/wss"
)

// describeValue renders a value of it in the profile's terms, falling back
// to hex.
func describeValue(profile string, it gattc.Item, value []byte) string {
	if it.Kind != gattc.ItemChar {
		return fmt.Sprintf("%x", value)
	}
	switch profile {
	case wss.Name:
		switch it.Index {
		case wss.CharMeasurement:
			if m, err := wss.DecodeMeasurement(value); err == nil {
				unit := "kg"
				if m.Imperial {
					unit = "lb"
				}
				s := fmt.Sprintf("%.2f %s", m.Weight, unit)
				if m.HasUserID {
					s += fmt.Sprintf(" user %d", m.UserID)
				}
				if m.HasBMI {
					s += fmt.Sprintf(" bmi %.1f", m.BMI)
				}
				return s
			}
		case wss.CharFeature:
			if f, err := wss.DecodeFeature(value); err == nil {
				return fmt.Sprintf("features 0x%08x", uint32(f))
			}
		}
	case gattsvc.Name:
		if r, err := gattsvc.DecodeServiceChanged(value); err == nil {
			return "changed " + r.String()
		}
	case scpp.Name:
		if it.Index == scpp.CharRefresh && scpp.IsRefreshRequest(value) {
			return "refresh required"
		}
	case uds.Name:
		switch it.Index {
		case uds.CharChangeIncrement:
			if v, err := uds.DecodeChangeIncrement(value); err == nil {
				return fmt.Sprintf("increment %d", v)
			}
		case uds.CharControlPoint:
			if r, err := uds.DecodeControlPointResponse(value); err == nil {
				s := fmt.Sprintf("%s: %s", r.RequestOp, r.Result)
				if r.HasUserIndex {
					s += fmt.Sprintf(" (user %d)", r.UserIndex)
				}
				return s
			}
		}
	}
	return fmt.Sprintf("%x", value)
}
