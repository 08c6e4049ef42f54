package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/gattprofile/internal/config"
	"github.com/chaz8081/gattprofile/internal/profiles"
	"github.com/fatih/color"
	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "gattprofile"
	app.Usage = "run GATT profile clients against BLE peripherals"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/gattprofile/config.yaml)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override log_level from the config file",
		},
		cli.StringFlag{
			Name:  "profile, p",
			Usage: fmt.Sprintf("override the profile from the config file (%v)", profiles.Names()),
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "run",
			Usage: "Connect to the configured peer and keep the profile enabled",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "address, a",
					Usage: "peer address, overrides transport.address",
				},
				cli.StringFlag{
					Name:  "backend, b",
					Usage: "radio backend: sim, tinygo or goble",
				},
			},
			Action: runCommand,
		},
		cli.Command{
			Name:  "scan",
			Usage: "Scan for peripherals advertising the profile's service",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "timeout, t",
					Value: 10 * time.Second,
					Usage: "how long to scan",
				},
				cli.StringFlag{
					Name:  "backend, b",
					Usage: "radio backend: sim, tinygo or goble",
				},
			},
			Action: scanCommand,
		},
		cli.Command{
			Name:   "simulate",
			Usage:  "Drive the profile against a simulated peer and print every exchange",
			Action: simulateCommand,
		},
		cli.Command{
			Name:      "schema",
			Usage:     "Print the service schema of a profile",
			ArgsUsage: "[profile]",
			Action:    schemaCommand,
		},
		cli.Command{
			Name:  "cache",
			Usage: "Inspect the handle cache",
			Subcommands: []cli.Command{
				cli.Command{
					Name:   "list",
					Usage:  "List cached handle sets",
					Action: cacheListCommand,
				},
				cli.Command{
					Name:      "clear",
					Usage:     "Remove cached handles for one peer, or all of them",
					ArgsUsage: "[address]",
					Action:    cacheClearCommand,
				},
			},
		},
		cli.Command{
			Name:   "init",
			Usage:  "Write the default config file if none exists",
			Action: initCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// setup loads and validates the config selected on the command line and
// installs the slog default handler.
func setup(c *cli.Context) (*config.Config, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if p := c.GlobalString("profile"); p != "" {
		cfg.Profile = p
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	return config.Default(), nil
}

func initCommand(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println(color.YellowString("config already exists at %s", config.DefaultConfigPath()))
		return nil
	}
	fmt.Println(color.GreenString("wrote %s", path))
	return nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	title := color.New(color.FgHiCyan, color.Bold)
	title.Println("=== gattprofile ===")
	fmt.Printf("  Profile:   %s\n", color.HiGreenString(cfg.Profile))
	fmt.Printf("  Backend:   %s\n", cfg.Transport.Backend)
	if cfg.Transport.Address != "" {
		fmt.Printf("  Peer:      %s\n", cfg.Transport.Address)
	}
	fmt.Printf("  Slots:     %d (queue %d)\n", cfg.Engine.MaxConnections, cfg.Engine.QueueDepth)
	fmt.Printf("  Cache:     %s\n", orNone(cfg.Cache.Path))
	fmt.Printf("  Status:    %s\n", orNone(cfg.Status.Listen))
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	title.Println("===================")
}

func orNone(s string) string {
	if s == "" {
		return color.HiBlackString("none")
	}
	return s
}
