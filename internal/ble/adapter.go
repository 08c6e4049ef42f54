// Package ble attaches connected Bluetooth LE peripherals to the profile
// engine. It holds the handle-level Peer abstraction, the backends that
// implement it, and the Bridge that turns peer calls into engine events.
package ble

import (
	"context"
	"errors"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"tinygo.org/x/bluetooth"
)

// ErrNotAttached is returned for a connection index with no peer behind it.
var ErrNotAttached = errors.New("ble: connection not attached")

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Service is one primary service instance as reported by a peer.
type Service struct {
	UUID  bluetooth.UUID
	Range gattc.Range
	Chars []gattc.DiscoveredChar
}

// EventHandler receives peer-initiated notifications and indications.
type EventHandler func(handle uint16, kind gattc.EventKind, payload []byte)

// Peer is the ATT client of one connected peripheral. Its methods block until
// the peer answers; the Bridge runs them off the engine goroutine.
type Peer interface {
	// Address identifies the peripheral (MAC, or a CoreBluetooth UUID on macOS).
	Address() string
	// DiscoverServices returns every primary service instance with the given UUID.
	DiscoverServices(uuid bluetooth.UUID) ([]Service, error)
	// Read returns the value of the attribute at handle.
	Read(handle uint16) ([]byte, error)
	// Write sends value to the attribute at handle.
	Write(handle uint16, value []byte, withResponse bool) error
	// Confirm acknowledges an indication received on handle.
	Confirm(handle uint16) error
	// SetHandler registers the receiver for notifications and indications.
	SetHandler(h EventHandler)
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals advertising the given service UUID until ctx
	// is done.
	Scan(ctx context.Context, service bluetooth.UUID) ([]Device, error)
	// Connect establishes a connection to the device at address.
	Connect(ctx context.Context, address string) (Peer, error)
}
