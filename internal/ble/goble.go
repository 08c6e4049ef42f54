package ble

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/gattprofile/internal/gattc"
	goble "github.com/go-ble/ble"
	"tinygo.org/x/bluetooth"
)

// GoBLEAdapter wraps go-ble/ble, which talks HCI directly and reports the
// peer's real attribute handles, properties and descriptors.
type GoBLEAdapter struct {
	dev goble.Device
}

// NewGoBLEAdapter creates an adapter around an opened go-ble device.
func NewGoBLEAdapter(dev goble.Device) *GoBLEAdapter {
	return &GoBLEAdapter{dev: dev}
}

// Enable opens the platform HCI device if the adapter has none yet.
func (a *GoBLEAdapter) Enable() error {
	if a.dev != nil {
		return nil
	}
	dev, err := newGoBLEDevice()
	if err != nil {
		return fmt.Errorf("ble: open hci device: %w", err)
	}
	a.dev = dev
	return nil
}

func (a *GoBLEAdapter) Scan(ctx context.Context, service bluetooth.UUID) ([]Device, error) {
	if a.dev == nil {
		return nil, fmt.Errorf("ble: scan: adapter not enabled")
	}
	want := toGoBLE(service)
	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)
	err := a.dev.Scan(ctx, false, func(adv goble.Advertisement) {
		if !goble.Contains(adv.Services(), want) {
			return
		}
		addr := adv.Addr().String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{Name: adv.LocalName(), Address: addr, RSSI: adv.RSSI()})
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *GoBLEAdapter) Connect(ctx context.Context, address string) (Peer, error) {
	if a.dev == nil {
		return nil, fmt.Errorf("ble: connect to %s: adapter not enabled", address)
	}
	client, err := a.dev.Dial(ctx, goble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	p := &goblePeer{
		address: address,
		client:  client,
		chars:   make(map[uint16]*goble.Characteristic),
		cccds:   make(map[uint16]*goble.Characteristic),
		descs:   make(map[uint16]*goble.Descriptor),
	}
	go p.watch()
	return p, nil
}

var _ Adapter = (*GoBLEAdapter)(nil)

type goblePeer struct {
	address string
	client  goble.Client

	// mu protects everything below.
	mu           sync.Mutex
	chars        map[uint16]*goble.Characteristic // by value handle
	cccds        map[uint16]*goble.Characteristic // by CCCD handle
	descs        map[uint16]*goble.Descriptor
	handler      EventHandler
	disconnectCb func()
	closing      bool
}

func (p *goblePeer) Address() string { return p.address }

func (p *goblePeer) watch() {
	<-p.client.Disconnected()
	p.mu.Lock()
	cb := p.disconnectCb
	closing := p.closing
	p.mu.Unlock()
	if cb != nil && !closing {
		cb()
	}
}

func (p *goblePeer) DiscoverServices(uuid bluetooth.UUID) ([]Service, error) {
	svcs, err := p.client.DiscoverServices([]goble.UUID{toGoBLE(uuid)})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	var out []Service
	for _, svc := range svcs {
		su, err := fromGoBLE(svc.UUID)
		if err != nil {
			return nil, err
		}
		chars, err := p.client.DiscoverCharacteristics(nil, svc)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", err)
		}
		s := Service{UUID: su, Range: gattc.Range{Start: svc.Handle, End: svc.EndHandle}}
		for _, c := range chars {
			cu, err := fromGoBLE(c.UUID)
			if err != nil {
				return nil, err
			}
			descs, err := p.client.DiscoverDescriptors(nil, c)
			if err != nil {
				return nil, fmt.Errorf("ble: discover descriptors: %w", err)
			}
			dc := gattc.DiscoveredChar{
				UUID:  cu,
				Decl:  c.Handle,
				Value: c.ValueHandle,
				Props: gattc.Property(c.Property),
			}
			p.mu.Lock()
			p.chars[c.ValueHandle] = c
			for _, d := range descs {
				du, err := fromGoBLE(d.UUID)
				if err != nil {
					p.mu.Unlock()
					return nil, err
				}
				dc.Descs = append(dc.Descs, gattc.DiscoveredDesc{UUID: du, Handle: d.Handle})
				if du == gattc.ClientCharConfigUUID {
					p.cccds[d.Handle] = c
				}
				p.descs[d.Handle] = d
			}
			p.mu.Unlock()
			s.Chars = append(s.Chars, dc)
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *goblePeer) Read(handle uint16) ([]byte, error) {
	p.mu.Lock()
	c, isChar := p.chars[handle]
	d, isDesc := p.descs[handle]
	p.mu.Unlock()
	switch {
	case isChar:
		v, err := p.client.ReadCharacteristic(c)
		if err != nil {
			return nil, fmt.Errorf("ble: read 0x%04x: %w", handle, err)
		}
		return v, nil
	case isDesc:
		v, err := p.client.ReadDescriptor(d)
		if err != nil {
			return nil, fmt.Errorf("ble: read 0x%04x: %w", handle, err)
		}
		return v, nil
	}
	return nil, &gattc.TransportError{Status: gattc.StatusInvalidHandle}
}

func (p *goblePeer) Write(handle uint16, value []byte, withResponse bool) error {
	p.mu.Lock()
	c, isChar := p.chars[handle]
	owner, isCCCD := p.cccds[handle]
	d, isDesc := p.descs[handle]
	p.mu.Unlock()
	var err error
	switch {
	case isChar:
		err = p.client.WriteCharacteristic(c, value, !withResponse)
	case isCCCD:
		err = p.subscribe(owner, value)
	case isDesc:
		err = p.client.WriteDescriptor(d, value)
	default:
		return &gattc.TransportError{Status: gattc.StatusInvalidHandle}
	}
	if err != nil {
		return fmt.Errorf("ble: write 0x%04x: %w", handle, err)
	}
	return nil
}

// subscribe goes through go-ble's subscription API, which writes the CCCD
// itself and routes values to the handler.
func (p *goblePeer) subscribe(c *goble.Characteristic, value []byte) error {
	if len(value) != 2 {
		return &gattc.TransportError{Status: gattc.StatusInvalAttrValueLen}
	}
	cfg := binary.LittleEndian.Uint16(value)
	if cfg == gattc.CCCDStop {
		if err := p.client.Unsubscribe(c, false); err != nil {
			slog.Debug("[BLE] unsubscribe notify", "handle", c.ValueHandle, "error", err)
		}
		return p.client.Unsubscribe(c, true)
	}
	ind := cfg&gattc.CCCDIndicate != 0
	kind := gattc.EventNotify
	if ind {
		kind = gattc.EventIndicate
	}
	handle := c.ValueHandle
	return p.client.Subscribe(c, ind, func(req []byte) {
		p.mu.Lock()
		h := p.handler
		p.mu.Unlock()
		if h != nil {
			h(handle, kind, req)
		}
	})
}

// Confirm is a no-op: go-ble confirms indications before calling the handler.
func (p *goblePeer) Confirm(uint16) error { return nil }

func (p *goblePeer) SetHandler(h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *goblePeer) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

func (p *goblePeer) Disconnect() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	if err := p.client.ClearSubscriptions(); err != nil {
		slog.Debug("[BLE] clear subscriptions", "address", p.address, "error", err)
	}
	return p.client.CancelConnection()
}

// toGoBLE converts to go-ble's byte form, keeping SIG-assigned UUIDs short
// so they compare equal to what the peer reports.
func toGoBLE(u bluetooth.UUID) goble.UUID {
	if u.Is16Bit() {
		return goble.UUID16(u.Get16Bit())
	}
	return goble.MustParse(u.String())
}

func fromGoBLE(u goble.UUID) (bluetooth.UUID, error) {
	switch len(u) {
	case 2:
		return bluetooth.New16BitUUID(binary.LittleEndian.Uint16(u)), nil
	case 16:
		h := hex.EncodeToString(goble.Reverse(u))
		parsed, err := bluetooth.ParseUUID(h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:])
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("ble: uuid %s: %w", u, err)
		}
		return parsed, nil
	}
	return bluetooth.UUID{}, fmt.Errorf("ble: uuid %x: unsupported length %d", []byte(u), len(u))
}
