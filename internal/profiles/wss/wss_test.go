package wss

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chaz8081/gattprofile/internal/gattc"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestDecodeMeasurement(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want Measurement
	}{
		{
			name: "si weight only",
			in:   []byte{0x00, 0x28, 0x3C}, // 15400 * 0.005 kg
			want: Measurement{Weight: 77.0},
		},
		{
			name: "imperial with user",
			in:   []byte{FlagImperial | FlagUserID, 0x10, 0x27, 0x03},
			want: Measurement{Flags: FlagImperial | FlagUserID, Imperial: true, Weight: 100.0, UserID: 3, HasUserID: true},
		},
		{
			name: "si with time and bmi",
			in: []byte{FlagTimeStamp | FlagBMIAndHeight, 0x28, 0x3C,
				0xE9, 0x07, 0x03, 0x0F, 0x08, 0x1E, 0x00,
				0xF1, 0x00, 0xD0, 0x07},
			want: Measurement{
				Flags:   FlagTimeStamp | FlagBMIAndHeight,
				Weight:  77.0,
				Time:    time.Date(2025, 3, 15, 8, 30, 0, 0, time.UTC),
				HasTime: true,
				BMI:     24.1,
				Height:  2.0,
				HasBMI:  true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMeasurement(tt.in)
			if err != nil {
				t.Fatalf("DecodeMeasurement() error = %v", err)
			}
			if got.Flags != tt.want.Flags || got.Imperial != tt.want.Imperial || !near(got.Weight, tt.want.Weight) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.HasTime != tt.want.HasTime || !got.Time.Equal(tt.want.Time) {
				t.Errorf("time = %v (%v), want %v", got.Time, got.HasTime, tt.want.Time)
			}
			if got.HasUserID != tt.want.HasUserID || got.UserID != tt.want.UserID {
				t.Errorf("user = %d (%v), want %d", got.UserID, got.HasUserID, tt.want.UserID)
			}
			if got.HasBMI != tt.want.HasBMI || !near(got.BMI, tt.want.BMI) || !near(got.Height, tt.want.Height) {
				t.Errorf("bmi/height = %v/%v, want %v/%v", got.BMI, got.Height, tt.want.BMI, tt.want.Height)
			}

			again, err := DecodeMeasurement(EncodeMeasurement(got))
			if err != nil || !near(again.Weight, got.Weight) || again.Flags != got.Flags {
				t.Errorf("re-encoded measurement = %+v, %v", again, err)
			}
		})
	}
}

func TestDecodeMeasurementTruncated(t *testing.T) {
	for _, in := range [][]byte{
		{0x00, 0x01},
		{FlagTimeStamp, 0x01, 0x02, 0xE9, 0x07},
		{FlagUserID, 0x01, 0x02},
		{FlagBMIAndHeight, 0x01, 0x02, 0x01},
	} {
		if _, err := DecodeMeasurement(in); err == nil {
			t.Errorf("DecodeMeasurement(%x) error = nil", in)
		}
	}
}

func TestSessionRules(t *testing.T) {
	s := New().NewSession()
	if _, err := s.Admit(gattc.WriteRequest{Item: gattc.Char(CharFeature)}); !errors.Is(err, gattc.ErrInvalidParameter) {
		t.Errorf("write error = %v, want ErrInvalidParameter", err)
	}
	if _, err := s.Admit(gattc.ReadRequest{Item: gattc.Char(CharMeasurement)}); !errors.Is(err, gattc.ErrInvalidParameter) {
		t.Errorf("measurement read error = %v, want ErrInvalidParameter", err)
	}
	if _, err := s.Admit(gattc.ConfigureRequest{Desc: DescMeasurementCCC, Value: gattc.CCCDNotify}); !errors.Is(err, gattc.ErrInvalidParameter) {
		t.Errorf("notify configure error = %v, want ErrInvalidParameter", err)
	}
	if _, err := s.Admit(gattc.ConfigureRequest{Desc: DescMeasurementCCC, Value: gattc.CCCDIndicate}); err != nil {
		t.Errorf("indicate configure error = %v", err)
	}
	if _, err := s.Admit(gattc.ReadRequest{Item: gattc.Char(CharFeature)}); err != nil {
		t.Errorf("feature read error = %v", err)
	}
}

func TestDecodeFeature(t *testing.T) {
	f, err := DecodeFeature([]byte{0x07, 0, 0, 0})
	if err != nil {
		t.Fatalf("DecodeFeature() error = %v", err)
	}
	if f&FeatureBMI == 0 || f&FeatureTimeStamp == 0 {
		t.Errorf("DecodeFeature() = 0x%x", f)
	}
	if _, err := DecodeFeature([]byte{1}); err == nil {
		t.Error("short feature accepted")
	}
}
