package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"tinygo.org/x/bluetooth"
)

// tinygo/bluetooth does not expose attribute handles, so the backend lays
// out synthetic ones: each service instance owns a block of tinygoBlock
// handles, and every characteristic takes a declaration, a value and a CCCD
// slot in that order.
const (
	tinygoBlock    = 0x0100
	tinygoPerChar  = 3
	tinygoReadSize = 512
	tinygoAllProps = gattc.PropRead | gattc.PropWrite | gattc.PropWriteNoResp | gattc.PropNotify | gattc.PropIndicate
)

// TinyGoAdapter wraps tinygo-org/bluetooth (CoreBluetooth on macOS, BlueZ
// on Linux). On macOS, device addresses are CoreBluetooth UUIDs rather than
// MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the peers map.
	mu    sync.Mutex
	peers map[string]*tinygoPeer // keyed by device address
}

// NewTinyGoAdapter creates a new BLE adapter on the default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		peers:   make(map[string]*tinygoPeer),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral disconnects through the
	// adapter-level connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		p, ok := a.peers[addr]
		delete(a.peers, addr)
		a.mu.Unlock()
		if ok {
			p.lost()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, service bluetooth.UUID) ([]Device, error) {
	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(service) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Peer, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// Connect blocks internally with its own timeout; ctx only lets the
	// caller stop waiting.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		p := &tinygoPeer{
			address: address,
			device:  result.device,
			chars:   make(map[uint16]*tinygoChar),
		}
		a.mu.Lock()
		a.peers[address] = p
		a.mu.Unlock()
		return p, nil
	}
}

var _ Adapter = (*TinyGoAdapter)(nil)

type tinygoChar struct {
	char bluetooth.DeviceCharacteristic
	cfg  uint16
}

type tinygoPeer struct {
	address string
	device  bluetooth.Device

	// mu protects everything below.
	mu           sync.Mutex
	chars        map[uint16]*tinygoChar // keyed by synthetic value handle
	handler      EventHandler
	disconnectCb func()
}

func (p *tinygoPeer) Address() string { return p.address }

func (p *tinygoPeer) DiscoverServices(uuid bluetooth.UUID) ([]Service, error) {
	svcs, err := p.device.DiscoverServices([]bluetooth.UUID{uuid})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	var out []Service
	for i, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", err)
		}
		start := uint16(tinygoBlock*i + 1)
		s := Service{UUID: svc.UUID(), Range: gattc.Range{Start: start, End: start + uint16(tinygoPerChar*len(chars))}}
		p.mu.Lock()
		for j, c := range chars {
			decl := start + 1 + uint16(tinygoPerChar*j)
			p.chars[decl+1] = &tinygoChar{char: c}
			s.Chars = append(s.Chars, gattc.DiscoveredChar{
				UUID:  c.UUID(),
				Decl:  decl,
				Value: decl + 1,
				Props: tinygoAllProps,
				Descs: []gattc.DiscoveredDesc{{UUID: gattc.ClientCharConfigUUID, Handle: decl + 2}},
			})
		}
		p.mu.Unlock()
		out = append(out, s)
	}
	return out, nil
}

// lookup resolves a synthetic handle to its characteristic and whether it
// addresses the CCCD slot.
func (p *tinygoPeer) lookup(handle uint16) (*tinygoChar, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.chars[handle]; ok {
		return c, false, nil
	}
	if c, ok := p.chars[handle-1]; ok {
		return c, true, nil
	}
	return nil, false, &gattc.TransportError{Status: gattc.StatusInvalidHandle}
}

func (p *tinygoPeer) Read(handle uint16) ([]byte, error) {
	c, isCCCD, err := p.lookup(handle)
	if err != nil {
		return nil, err
	}
	if isCCCD {
		p.mu.Lock()
		defer p.mu.Unlock()
		return binary.LittleEndian.AppendUint16(nil, c.cfg), nil
	}
	buf := make([]byte, tinygoReadSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: read 0x%04x: %w", handle, err)
	}
	return buf[:n], nil
}

func (p *tinygoPeer) Write(handle uint16, value []byte, withResponse bool) error {
	c, isCCCD, err := p.lookup(handle)
	if err != nil {
		return err
	}
	if isCCCD {
		return p.configure(handle-1, c, value)
	}
	if err := writeChar(&c.char, value, withResponse); err != nil {
		return fmt.Errorf("ble: write 0x%04x: %w", handle, err)
	}
	return nil
}

// configure maps a CCCD write onto EnableNotifications. The stack picks
// notify or indicate itself, so the written value only decides the event
// kind reported upward.
func (p *tinygoPeer) configure(valueHandle uint16, c *tinygoChar, value []byte) error {
	if len(value) != 2 {
		return &gattc.TransportError{Status: gattc.StatusInvalAttrValueLen}
	}
	cfg := binary.LittleEndian.Uint16(value)
	var err error
	if cfg == gattc.CCCDStop {
		err = c.char.EnableNotifications(nil)
	} else {
		kind := gattc.EventNotify
		if cfg&gattc.CCCDIndicate != 0 {
			kind = gattc.EventIndicate
		}
		err = c.char.EnableNotifications(func(buf []byte) {
			p.mu.Lock()
			h := p.handler
			p.mu.Unlock()
			if h != nil {
				h(valueHandle, kind, buf)
			}
		})
	}
	if err != nil {
		return fmt.Errorf("ble: configure 0x%04x: %w", valueHandle, err)
	}
	p.mu.Lock()
	c.cfg = cfg
	p.mu.Unlock()
	return nil
}

// Confirm is a no-op: the host stack confirms indications itself.
func (p *tinygoPeer) Confirm(uint16) error { return nil }

func (p *tinygoPeer) SetHandler(h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *tinygoPeer) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

func (p *tinygoPeer) Disconnect() error {
	return p.device.Disconnect()
}

func (p *tinygoPeer) lost() {
	p.mu.Lock()
	cb := p.disconnectCb
	p.mu.Unlock()
	if cb != nil {
		slog.Debug("[BLE] tinygo peer lost", "address", p.address)
		cb()
	}
}
