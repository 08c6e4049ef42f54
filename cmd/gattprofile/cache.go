package main

import (
	"fmt"
	"time"

	"github.com/chaz8081/gattprofile/internal/handlecache"
	"github.com/fatih/color"
	"github.com/urfave/cli"
)

func openCache(c *cli.Context) (*handlecache.Cache, error) {
	cfg, err := setup(c)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.Path == "" {
		return nil, fmt.Errorf("cache.path is not set, nothing is persisted")
	}
	return handlecache.Open(cfg.Cache.Path, cfg.Cache.Size)
}

func cacheListCommand(c *cli.Context) error {
	cache, err := openCache(c)
	if err != nil {
		return err
	}
	entries := cache.Entries()
	if len(entries) == 0 {
		fmt.Println(color.HiBlackString("no cached handles in %s", cache.Path()))
		return nil
	}
	// most recently used first
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Printf("%s  %s  service %s  %d chars  %d descs  %s\n",
			color.HiCyanString("%-17s", e.Address),
			color.HiGreenString("%-5s", e.Profile),
			e.Handles.Service,
			len(e.Handles.Chars),
			len(e.Handles.Descs),
			color.HiBlackString("%s", e.Stored.Local().Format(time.RFC3339)),
		)
	}
	return nil
}

func cacheClearCommand(c *cli.Context) error {
	cache, err := openCache(c)
	if err != nil {
		return err
	}
	addr := c.Args().First()
	removed := 0
	if addr == "" {
		removed = cache.Len()
		cache.Clear()
	} else {
		for _, e := range cache.Entries() {
			if e.Address == addr && cache.Forget(e.Address, e.Profile) {
				removed++
			}
		}
	}
	if err := cache.Save(); err != nil {
		return err
	}
	fmt.Println(color.GreenString("removed %d cached handle set(s)", removed))
	return nil
}
