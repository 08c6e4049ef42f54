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

// SimChar describes one characteristic of a simulated service. A CCCD is
// added after the listed descriptors when Props allow notify or indicate.
type SimChar struct {
	UUID  bluetooth.UUID
	Props gattc.Property
	Value []byte
	Descs []bluetooth.UUID
	// Reply, when set, is indicated (or notified) back after every write.
	Reply func(written []byte) []byte
}

// SimService is one primary service instance of a simulated peer.
type SimService struct {
	UUID  bluetooth.UUID
	Chars []SimChar
}

// SimServiceFromSchema builds a service exposing every characteristic and
// descriptor the schema names, optional ones included.
func SimServiceFromSchema(s *gattc.Schema) SimService {
	svc := SimService{UUID: s.Service}
	for i, c := range s.Chars {
		sc := SimChar{UUID: c.UUID, Props: c.Props}
		for _, d := range s.Descs {
			if d.Char == i && d.UUID != gattc.ClientCharConfigUUID {
				sc.Descs = append(sc.Descs, d.UUID)
			}
		}
		if c.Props&(gattc.PropNotify|gattc.PropIndicate) == 0 {
			for _, d := range s.Descs {
				if d.Char == i && d.UUID == gattc.ClientCharConfigUUID {
					// force a CCCD for schemas that configure a char without
					// declaring notify or indicate
					sc.Props |= gattc.PropNotify
					break
				}
			}
		}
		svc.Chars = append(svc.Chars, sc)
	}
	return svc
}

type simAttr struct {
	uuid  bluetooth.UUID
	value []byte
	char  *simChar // set on value handles
	cccd  *simChar // set on CCCD handles
}

type simChar struct {
	SimChar
	value uint16
	cccd  uint16
	cfg   uint16
}

// SimPeer is an in-memory GATT server reached through the Peer interface.
type SimPeer struct {
	address string

	// mu protects everything below.
	mu           sync.Mutex
	services     []Service
	attrs        map[uint16]*simAttr
	failures     map[uint16]gattc.ATTStatus
	handler      EventHandler
	disconnectCb func()
	connected    bool
	writes       []SimWrite
	confirms     int
}

// SimWrite records one write received by a SimPeer.
type SimWrite struct {
	Handle       uint16
	Value        []byte
	WithResponse bool
}

// NewSimPeer lays out the given services from handle 0x0001 upward. Listing
// the same service UUID twice produces two instances.
func NewSimPeer(address string, services ...SimService) *SimPeer {
	p := &SimPeer{
		address:   address,
		attrs:     make(map[uint16]*simAttr),
		failures:  make(map[uint16]gattc.ATTStatus),
		connected: true,
	}
	next := uint16(0x0001)
	for _, svc := range services {
		start := next
		next++
		var chars []gattc.DiscoveredChar
		for _, c := range svc.Chars {
			sc := &simChar{SimChar: c}
			decl := next
			sc.value = decl + 1
			next += 2
			p.attrs[sc.value] = &simAttr{uuid: c.UUID, value: append([]byte(nil), c.Value...), char: sc}
			dc := gattc.DiscoveredChar{UUID: c.UUID, Decl: decl, Value: sc.value, Props: c.Props}
			for _, du := range c.Descs {
				p.attrs[next] = &simAttr{uuid: du}
				dc.Descs = append(dc.Descs, gattc.DiscoveredDesc{UUID: du, Handle: next})
				next++
			}
			if c.Props&(gattc.PropNotify|gattc.PropIndicate) != 0 {
				sc.cccd = next
				p.attrs[next] = &simAttr{uuid: gattc.ClientCharConfigUUID, value: []byte{0, 0}, cccd: sc}
				dc.Descs = append(dc.Descs, gattc.DiscoveredDesc{UUID: gattc.ClientCharConfigUUID, Handle: next})
				next++
			}
			chars = append(chars, dc)
		}
		p.services = append(p.services, Service{
			UUID:  svc.UUID,
			Range: gattc.Range{Start: start, End: next - 1},
			Chars: chars,
		})
	}
	return p
}

func (p *SimPeer) Address() string { return p.address }

func (p *SimPeer) DiscoverServices(uuid bluetooth.UUID) ([]Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, fmt.Errorf("ble: sim %s: not connected", p.address)
	}
	var out []Service
	for _, svc := range p.services {
		if svc.UUID == uuid {
			out = append(out, svc)
		}
	}
	return out, nil
}

func (p *SimPeer) Read(handle uint16) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	attr, err := p.attr(handle)
	if err != nil {
		return nil, err
	}
	if attr.char != nil && attr.char.Props&gattc.PropRead == 0 {
		return nil, &gattc.TransportError{Status: gattc.StatusReadNotPermitted}
	}
	return append([]byte(nil), attr.value...), nil
}

func (p *SimPeer) Write(handle uint16, value []byte, withResponse bool) error {
	p.mu.Lock()
	attr, err := p.attr(handle)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.writes = append(p.writes, SimWrite{Handle: handle, Value: append([]byte(nil), value...), WithResponse: withResponse})
	switch {
	case attr.cccd != nil:
		if len(value) != 2 {
			p.mu.Unlock()
			return &gattc.TransportError{Status: gattc.StatusInvalAttrValueLen}
		}
		attr.cccd.cfg = binary.LittleEndian.Uint16(value)
	case attr.char != nil:
		need := gattc.PropWrite
		if !withResponse {
			need = gattc.PropWriteNoResp
		}
		if attr.char.Props&need == 0 {
			p.mu.Unlock()
			return &gattc.TransportError{Status: gattc.StatusWriteNotPermitted}
		}
	}
	attr.value = append([]byte(nil), value...)

	var reply []byte
	var kind gattc.EventKind
	h := p.handler
	if c := attr.char; c != nil && c.Reply != nil {
		reply = c.Reply(value)
		kind = c.kind()
	}
	p.mu.Unlock()

	if reply != nil && kind != 0 && h != nil {
		h(handle, kind, reply)
	}
	return nil
}

func (p *SimPeer) Confirm(uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirms++
	return nil
}

func (p *SimPeer) SetHandler(h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *SimPeer) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

func (p *SimPeer) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// Drop simulates the peer going out of range.
func (p *SimPeer) Drop() {
	p.mu.Lock()
	p.connected = false
	cb := p.disconnectCb
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Fail makes every later access to handle fail with status.
func (p *SimPeer) Fail(handle uint16, status gattc.ATTStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[handle] = status
}

// Services returns the laid-out service instances.
func (p *SimPeer) Services() []Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Service(nil), p.services...)
}

// Emit sends value from the characteristic whose value handle is handle,
// as a notification or indication depending on its CCCD. It reports whether
// the client had subscribed.
func (p *SimPeer) Emit(handle uint16, value []byte) bool {
	p.mu.Lock()
	attr, ok := p.attrs[handle]
	h := p.handler
	var kind gattc.EventKind
	if ok && attr.char != nil {
		attr.value = append([]byte(nil), value...)
		kind = attr.char.kind()
	}
	p.mu.Unlock()
	if kind == 0 || h == nil {
		return false
	}
	h(handle, kind, value)
	return true
}

// Writes returns every write received so far.
func (p *SimPeer) Writes() []SimWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SimWrite(nil), p.writes...)
}

// Confirms returns the number of indication confirmations received.
func (p *SimPeer) Confirms() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirms
}

func (p *SimPeer) attr(handle uint16) (*simAttr, error) {
	if !p.connected {
		return nil, fmt.Errorf("ble: sim %s: not connected", p.address)
	}
	if st, failing := p.failures[handle]; failing {
		return nil, &gattc.TransportError{Status: st}
	}
	attr, ok := p.attrs[handle]
	if !ok {
		return nil, &gattc.TransportError{Status: gattc.StatusInvalidHandle}
	}
	return attr, nil
}

// kind returns the event kind the client subscribed to, or zero.
func (c *simChar) kind() gattc.EventKind {
	switch {
	case c.cfg&gattc.CCCDIndicate != 0:
		return gattc.EventIndicate
	case c.cfg&gattc.CCCDNotify != 0:
		return gattc.EventNotify
	}
	return 0
}

var _ Peer = (*SimPeer)(nil)

// SimAdapter hands out simulated peers built by a factory, one per Connect.
type SimAdapter struct {
	factory func(address string) *SimPeer

	mu        sync.Mutex
	peers     map[string]*SimPeer
	advertise []string
	fails     int
}

// NewSimAdapter creates an adapter whose Connect calls factory.
func NewSimAdapter(factory func(address string) *SimPeer) *SimAdapter {
	return &SimAdapter{factory: factory, peers: make(map[string]*SimPeer)}
}

func (a *SimAdapter) Enable() error { return nil }

// Advertise makes Scan report addresses that have not been connected yet.
func (a *SimAdapter) Advertise(addresses ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advertise = append(a.advertise, addresses...)
}

func (a *SimAdapter) Scan(_ context.Context, service bluetooth.UUID) ([]Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Device
	offers := func(addr string, p *SimPeer) {
		for _, svc := range p.Services() {
			if svc.UUID == service {
				out = append(out, Device{Name: "sim", Address: addr, RSSI: -40})
				return
			}
		}
	}
	for addr, p := range a.peers {
		offers(addr, p)
	}
	for _, addr := range a.advertise {
		if _, connected := a.peers[addr]; !connected {
			offers(addr, a.factory(addr))
		}
	}
	return out, nil
}

func (a *SimAdapter) Connect(ctx context.Context, address string) (Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fails > 0 {
		a.fails--
		return nil, fmt.Errorf("ble: connect to %s: simulated failure", address)
	}
	p := a.factory(address)
	a.peers[address] = p
	slog.Debug("[BLE] sim peer connected", "address", address)
	return p, nil
}

// FailNext makes the next n Connect calls fail.
func (a *SimAdapter) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fails = n
}

// Latest returns the most recent peer created for address.
func (a *SimAdapter) Latest(address string) *SimPeer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peers[address]
}

var _ Adapter = (*SimAdapter)(nil)
