package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/chaz8081/gattprofile/internal/ble"
	"github.com/chaz8081/gattprofile/internal/config"
	"github.com/chaz8081/gattprofile/internal/profiles"
	"github.com/fatih/color"
	"github.com/urfave/cli"
)

func scanCommand(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	// no address needed to scan, newAdapter rejects unknown backends
	if b := c.String("backend"); b != "" {
		cfg.Transport.Backend = b
	}
	timeout := c.Duration("timeout")

	fmt.Println(color.HiCyanString("scanning for %s peripherals (%s)...", cfg.Profile, timeout))
	devices, err := scanDevices(cfg, timeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println(color.YellowString("no devices found"))
		return nil
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = color.HiBlackString("(unnamed)")
		}
		fmt.Printf("%s  %s  %s\n",
			color.HiCyanString("%-17s", d.Address),
			color.HiBlackString("%4d dBm", d.RSSI),
			name,
		)
	}
	return nil
}

// scanDevices scans for peripherals advertising the profile's service,
// strongest signal first.
func scanDevices(cfg *config.Config, timeout time.Duration) ([]ble.Device, error) {
	profile, err := profiles.Lookup(cfg.Profile)
	if err != nil {
		return nil, err
	}
	adapter, err := newAdapter(cfg)
	if err != nil {
		return nil, err
	}
	devices, err := ble.ScanForDevices(adapter, profile.Schema().Service, timeout)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	return devices, nil
}
