package ble

import (
	"bytes"
	"testing"
	"time"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"tinygo.org/x/bluetooth"
)

func TestSimPeerLayout(t *testing.T) {
	p := NewSimPeer("sim", SimService{
		UUID: testService,
		Chars: []SimChar{
			{UUID: bluetooth.New16BitUUID(0x2A9A), Props: gattc.PropRead, Value: []byte{3}},
			{UUID: bluetooth.New16BitUUID(0x2A99), Props: gattc.PropRead | gattc.PropWrite | gattc.PropNotify},
		},
	})
	svcs, err := p.DiscoverServices(testService)
	if err != nil {
		t.Fatalf("DiscoverServices() error = %v", err)
	}
	if len(svcs) != 1 {
		t.Fatalf("got %d services, want 1", len(svcs))
	}
	svc := svcs[0]
	if svc.Range != (gattc.Range{Start: 0x0001, End: 0x0006}) {
		t.Errorf("range = %s, want 0x0001-0x0006", svc.Range)
	}
	if c := svc.Chars[0]; c.Decl != 0x0002 || c.Value != 0x0003 || len(c.Descs) != 0 {
		t.Errorf("first char = %+v", c)
	}
	c := svc.Chars[1]
	if c.Decl != 0x0004 || c.Value != 0x0005 {
		t.Errorf("second char = %+v", c)
	}
	if len(c.Descs) != 1 || c.Descs[0].UUID != gattc.ClientCharConfigUUID || c.Descs[0].Handle != 0x0006 {
		t.Errorf("second char descriptors = %+v, want CCCD at 0x0006", c.Descs)
	}

	v, err := p.Read(0x0003)
	if err != nil || !bytes.Equal(v, []byte{3}) {
		t.Errorf("Read(0x0003) = %x, %v", v, err)
	}
}

func TestSimPeerDuplicateService(t *testing.T) {
	svc := SimService{UUID: testService, Chars: []SimChar{{UUID: bluetooth.New16BitUUID(0x2A9A), Props: gattc.PropRead}}}
	p := NewSimPeer("sim", svc, svc)
	svcs, _ := p.DiscoverServices(testService)
	if len(svcs) != 2 {
		t.Fatalf("got %d services, want 2", len(svcs))
	}
	if svcs[0].Range.End >= svcs[1].Range.Start {
		t.Errorf("ranges overlap: %s and %s", svcs[0].Range, svcs[1].Range)
	}
	other, _ := p.DiscoverServices(bluetooth.New16BitUUID(0x180F))
	if len(other) != 0 {
		t.Errorf("unexpected services for another UUID: %+v", other)
	}
}

func TestSimPeerPermissions(t *testing.T) {
	p := NewSimPeer("sim", SimService{
		UUID: testService,
		Chars: []SimChar{
			{UUID: bluetooth.New16BitUUID(0x2A4F), Props: gattc.PropWriteNoResp},
		},
	})
	value := p.Services()[0].Chars[0].Value

	if _, err := p.Read(value); statusOrZero(err) != gattc.StatusReadNotPermitted {
		t.Errorf("Read() error = %v, want read not permitted", err)
	}
	if err := p.Write(value, []byte{1}, true); statusOrZero(err) != gattc.StatusWriteNotPermitted {
		t.Errorf("Write(with response) error = %v, want write not permitted", err)
	}
	if err := p.Write(value, []byte{1}, false); err != nil {
		t.Errorf("Write(command) error = %v", err)
	}
	if _, err := p.Read(0x0FFF); statusOrZero(err) != gattc.StatusInvalidHandle {
		t.Errorf("Read(unknown) error = %v, want invalid handle", err)
	}

	p.Fail(value, gattc.StatusAuthorization)
	if err := p.Write(value, []byte{1}, false); statusOrZero(err) != gattc.StatusAuthorization {
		t.Errorf("Write() after Fail error = %v", err)
	}
}

func TestSimPeerEmitNeedsSubscription(t *testing.T) {
	p := NewSimPeer("sim", SimService{
		UUID:  testService,
		Chars: []SimChar{{UUID: bluetooth.New16BitUUID(0x2A9D), Props: gattc.PropIndicate}},
	})
	var got []gattc.EventKind
	p.SetHandler(func(_ uint16, kind gattc.EventKind, _ []byte) { got = append(got, kind) })
	c := p.Services()[0].Chars[0]

	if p.Emit(c.Value, []byte{1}) {
		t.Error("Emit() delivered without a subscription")
	}
	if err := p.Write(c.Descs[0].Handle, []byte{0x02, 0x00}, true); err != nil {
		t.Fatalf("CCCD write error = %v", err)
	}
	if !p.Emit(c.Value, []byte{1}) {
		t.Fatal("Emit() not delivered after subscribing")
	}
	if len(got) != 1 || got[0] != gattc.EventIndicate {
		t.Errorf("events = %v, want one indication", got)
	}
	if err := p.Write(c.Descs[0].Handle, []byte{0x02}, true); statusOrZero(err) != gattc.StatusInvalAttrValueLen {
		t.Errorf("short CCCD write error = %v", err)
	}
}

func TestSimServiceFromSchema(t *testing.T) {
	schema := &gattc.Schema{
		Service: testService,
		Chars: []gattc.CharDef{
			{Name: "incr", UUID: bluetooth.New16BitUUID(0x2A99), Props: gattc.PropRead | gattc.PropWrite},
			{Name: "cp", UUID: bluetooth.New16BitUUID(0x2A9F), Props: gattc.PropWrite | gattc.PropIndicate, ControlPoint: true},
		},
		Descs: []gattc.DescDef{
			{Name: "incr ccc", UUID: gattc.ClientCharConfigUUID, Char: 0},
			{Name: "cp ccc", UUID: gattc.ClientCharConfigUUID, Char: 1},
		},
	}
	svc := SimServiceFromSchema(schema)
	if len(svc.Chars) != 2 {
		t.Fatalf("chars = %d, want 2", len(svc.Chars))
	}
	if svc.Chars[0].Props&gattc.PropNotify == 0 {
		t.Error("configurable char without notify/indicate should get notify")
	}
	p := NewSimPeer("sim", svc)
	for i, c := range p.Services()[0].Chars {
		if len(c.Descs) != 1 {
			t.Errorf("char %d descriptors = %+v, want one CCCD", i, c.Descs)
		}
	}
}

func TestSimAdapter(t *testing.T) {
	a := NewSimAdapter(func(addr string) *SimPeer {
		return NewSimPeer(addr, SimService{UUID: testService})
	})
	a.FailNext(1)
	if _, err := a.Connect(testContext(t), "sim-1"); err == nil {
		t.Fatal("first Connect() should fail")
	}
	p, err := a.Connect(testContext(t), "sim-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if a.Latest("sim-1") != p {
		t.Error("Latest() does not return the connected peer")
	}
	devs, err := ScanForDevices(a, testService, time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(devs) != 1 || devs[0].Address != "sim-1" {
		t.Errorf("devices = %+v", devs)
	}
}

func TestSimAdapterScanAdvertised(t *testing.T) {
	a := NewSimAdapter(func(addr string) *SimPeer {
		return NewSimPeer(addr, SimService{UUID: testService})
	})
	a.Advertise("sim-2")
	devs, err := ScanForDevices(a, testService, time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(devs) != 1 || devs[0].Address != "sim-2" {
		t.Errorf("devices = %+v, want sim-2", devs)
	}
	devs, _ = ScanForDevices(a, bluetooth.New16BitUUID(0x1801), time.Second)
	if len(devs) != 0 {
		t.Errorf("devices for another service = %+v, want none", devs)
	}
}

func statusOrZero(err error) gattc.ATTStatus {
	s, _ := gattc.StatusOf(err)
	return s
}
