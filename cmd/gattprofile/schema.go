package main

import (
	"fmt"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/chaz8081/gattprofile/internal/profiles"
	"github.com/fatih/color"
	"github.com/urfave/cli"
	"tinygo.org/x/bluetooth"
)

func schemaCommand(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		cfg, err := setup(c)
		if err != nil {
			return err
		}
		name = cfg.Profile
	}
	names := []string{name}
	if name == "all" {
		names = profiles.Names()
	}
	for _, n := range names {
		p, err := profiles.Lookup(n)
		if err != nil {
			return err
		}
		printSchema(p)
	}
	return nil
}

func printSchema(p gattc.Profile) {
	s := p.Schema()
	fp := s.Fingerprint()
	fmt.Printf("%s  service %s  %s\n",
		color.New(color.FgHiCyan, color.Bold).Sprint(p.Name()),
		color.HiGreenString(s.Service.String()),
		color.HiBlackString("fingerprint %x", fp[:6]),
	)
	for i, ch := range s.Chars {
		marker := ""
		if ch.ControlPoint {
			marker = color.MagentaString(" control point")
		}
		fmt.Printf("  char %-2d %-24s %s  %s %s%s\n", i, ch.Name, shortUUID(ch.UUID), requirement(ch.Required), ch.Props, marker)
		for j, d := range s.Descs {
			if d.Char == i {
				fmt.Printf("    desc %-2d %-22s %s  %s\n", j, d.Name, shortUUID(d.UUID), requirement(d.Required))
			}
		}
	}
	fmt.Println()
}

func requirement(r gattc.Requirement) string {
	if r == gattc.Mandatory {
		return color.YellowString("%-10s", r)
	}
	return color.HiBlackString("%-10s", r)
}

func shortUUID(u bluetooth.UUID) string {
	if u.Is16Bit() {
		return fmt.Sprintf("0x%04X", u.Get16Bit())
	}
	return u.String()
}
