package scpp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chaz8081/gattprofile/internal/gattc"
)

func TestEncodeIntervalWindow(t *testing.T) {
	tests := []struct {
		name             string
		interval, window uint16
		want             []byte
		wantErr          bool
	}{
		{"typical", 0x0060, 0x0030, []byte{0x60, 0x00, 0x30, 0x00}, false},
		{"equal", ScanMax, ScanMax, []byte{0x00, 0x40, 0x00, 0x40}, false},
		{"interval too small", 0x0003, 0x0003, nil, true},
		{"interval too large", 0x4001, 0x0010, nil, true},
		{"window above interval", 0x0010, 0x0011, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeIntervalWindow(tt.interval, tt.window)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeIntervalWindow() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeIntervalWindow() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestSessionRules(t *testing.T) {
	s := New().NewSession()
	value, _ := EncodeIntervalWindow(0x0060, 0x0030)

	if _, err := s.Admit(gattc.WriteRequest{Item: gattc.Char(CharIntervalWindow), Value: value}); err != nil {
		t.Errorf("interval window write error = %v", err)
	}
	if _, err := s.Admit(gattc.WriteRequest{Item: gattc.Char(CharIntervalWindow), Value: []byte{1, 2}}); !errors.Is(err, gattc.ErrInvalidParameter) {
		t.Errorf("short write error = %v, want ErrInvalidParameter", err)
	}
	if _, err := s.Admit(gattc.WriteRequest{Item: gattc.Char(CharRefresh), Value: []byte{0}}); !errors.Is(err, gattc.ErrInvalidParameter) {
		t.Errorf("refresh write error = %v, want ErrInvalidParameter", err)
	}
	if _, err := s.Admit(gattc.ConfigureRequest{Desc: DescRefreshCCC, Value: gattc.CCCDIndicate}); !errors.Is(err, gattc.ErrInvalidParameter) {
		t.Errorf("indicate configure error = %v, want ErrInvalidParameter", err)
	}
	if _, err := s.Admit(gattc.ReadRequest{Item: gattc.Desc(DescRefreshCCC)}); err != nil {
		t.Errorf("ccc read error = %v", err)
	}
}

func TestIsRefreshRequest(t *testing.T) {
	if !IsRefreshRequest([]byte{RefreshRequired}) {
		t.Error("IsRefreshRequest(00) = false")
	}
	if IsRefreshRequest(nil) || IsRefreshRequest([]byte{1}) {
		t.Error("IsRefreshRequest matched a non-refresh value")
	}
}
