package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/chaz8081/gattprofile/internal/handlecache"
	"github.com/chaz8081/gattprofile/internal/profiles/scpp"
	"github.com/chaz8081/gattprofile/internal/statusapi"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli"
)

func runCommand(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	if a := c.String("address"); a != "" {
		cfg.Transport.Address = a
	}
	if b := c.String("backend"); b != "" {
		cfg.Transport.Backend = b
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if cfg.Transport.Address == "" {
		cfg.Transport.Address = defaultSimAddress
	}
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := handlecache.Open(cfg.Cache.Path, cfg.Cache.Size)
	if err != nil {
		return err
	}

	adapter, err := newAdapter(cfg)
	if err != nil {
		return err
	}
	st, err := newStack(ctx, cfg, adapter, cache)
	if err != nil {
		return err
	}
	defer st.close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- st.serve(ctx, func(resp gattc.Response) { logResponse(st, resp) })
	}()

	if cfg.Status.Listen != "" {
		api := statusapi.NewServer(cfg.Profile, st.engine, cache, st.linkStatus)
		go func() {
			if err := statusapi.ListenAndServe(ctx, cfg.Status.Listen, api.Handler()); err != nil {
				slog.Error("[STATUS] server failed", "error", err)
			}
		}()
	}

	if err := st.connect(ctx, 0, cfg.Transport.Address); err != nil {
		return err
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Warn("sd_notify failed", "error", err)
	} else if ok {
		slog.Debug("sd_notify ready sent")
	}
	slog.Info("Ready", "profile", cfg.Profile, "address", cfg.Transport.Address)

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		return nil
	case err := <-serveErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// logResponse reports what the engine delivered and subscribes once the
// profile is enabled.
func logResponse(st *stack, resp gattc.Response) {
	schema := st.profile.Schema()
	switch r := resp.(type) {
	case gattc.EnableResponse:
		if r.Err != nil {
			slog.Error("[GATTC] enable failed", "conn", r.ConnIdx, "error", r.Err)
			return
		}
		slog.Info("[GATTC] profile enabled", "conn", r.ConnIdx, "service", r.Handles.Service)
		st.subscribeAll(r.ConnIdx, r.Handles)
		if st.profile.Name() == scpp.Name {
			if err := st.writeScanParams(r.ConnIdx, st.cfg.Scan.Interval, st.cfg.Scan.Window); err != nil {
				slog.Error("[GATTC] scan parameters not written", "conn", r.ConnIdx, "error", err)
			}
		}
	case gattc.ConfigureResponse:
		if r.Err != nil {
			slog.Warn("[GATTC] configure failed", "conn", r.ConnIdx, "desc", schema.ItemName(gattc.Desc(r.Desc)), "error", r.Err)
			return
		}
		slog.Info("[GATTC] subscribed", "conn", r.ConnIdx, "desc", schema.ItemName(gattc.Desc(r.Desc)))
	case gattc.Notification:
		slog.Info("[GATTC] "+r.Kind.String(), "conn", r.ConnIdx, "item", schema.ItemName(r.Item), "value", describeValue(st.profile.Name(), r.Item, r.Payload))
	case gattc.ReadResponse:
		slog.Info("[GATTC] read", "conn", r.ConnIdx, "item", schema.ItemName(r.Item), "value", fmt.Sprintf("%x", r.Value), "error", r.Err)
	case gattc.WriteResponse:
		slog.Info("[GATTC] write", "conn", r.ConnIdx, "item", schema.ItemName(r.Item), "reply", fmt.Sprintf("%x", r.Reply), "error", r.Err)
	}
}
