package ble

import (
	"errors"
	"testing"

	"github.com/chaz8081/gattprofile/internal/gattc"
)

func TestTinyGoPeerWriteChecks(t *testing.T) {
	p := &tinygoPeer{address: "AA:BB:CC:DD:EE:FF", chars: map[uint16]*tinygoChar{0x0103: {}}}

	tests := []struct {
		name   string
		handle uint16
		value  []byte
		want   gattc.ATTStatus
	}{
		{"unknown handle", 0x0200, []byte{0x01}, gattc.StatusInvalidHandle},
		{"short cccd value", 0x0104, []byte{0x01}, gattc.StatusInvalAttrValueLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Write(tt.handle, tt.value, true)
			var te *gattc.TransportError
			if !errors.As(err, &te) || te.Status != tt.want {
				t.Fatalf("Write() error = %v, want status %s", err, tt.want)
			}
		})
	}
}

func TestTinyGoImplementsInterfaces(t *testing.T) {
	var _ Adapter = (*TinyGoAdapter)(nil)
	var _ Peer = (*tinygoPeer)(nil)
}
