package ble

import (
	"context"
	"fmt"
	"time"

	"tinygo.org/x/bluetooth"
)

// ScanForDevices scans for peripherals advertising service.
func ScanForDevices(adapter Adapter, service bluetooth.UUID, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
