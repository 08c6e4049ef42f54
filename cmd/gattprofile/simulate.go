package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/gattprofile/internal/ble"
	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/chaz8081/gattprofile/internal/handlecache"
	"github.com/chaz8081/gattprofile/internal/profiles/gattsvc"
	"github.com/chaz8081/gattprofile/internal/profiles/scpp"
	"github.com/chaz8081/gattprofile/internal/profiles/uds"
	"github.com/chaz8081/gattprofile/internal/profiles/wss"
	"github.com/fatih/color"
	"github.com/urfave/cli"
)

const simAddress = "sim-peer"

// simRun walks one profile through enable, subscribe, the profile's own
// procedures and a link loss, printing every response on the way.
type simRun struct {
	ctx       context.Context
	st        *stack
	sim       *ble.SimAdapter
	responses chan gattc.Response
	timeout   time.Duration
}

func simulateCommand(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	cfg.Transport.Backend = "sim"
	cfg.Transport.Address = simAddress
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// keep the simulation away from the real cache file
	cache, err := handlecache.New("", cfg.Cache.Size)
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

	r := &simRun{
		ctx:       ctx,
		st:        st,
		sim:       adapter.(*ble.SimAdapter),
		responses: make(chan gattc.Response, 16),
		timeout:   cfg.Engine.IndicationTimeout + time.Second,
	}
	go func() {
		_ = st.serve(ctx, func(resp gattc.Response) {
			select {
			case r.responses <- resp:
			case <-ctx.Done():
			}
		})
	}()
	return r.run()
}

func (r *simRun) run() error {
	step := color.New(color.FgHiCyan, color.Bold)

	step.Println("> connect and discover")
	if err := r.st.connect(r.ctx, 0, simAddress); err != nil {
		return err
	}
	h, err := r.enabled()
	if err != nil {
		return err
	}

	step.Println("> subscribe")
	if err := r.subscribe(h); err != nil {
		return err
	}

	step.Println("> read")
	schema := r.st.profile.Schema()
	for i, ch := range schema.Chars {
		if ch.Required != gattc.Mandatory || ch.Props&gattc.PropRead == 0 {
			continue
		}
		if err := r.do(gattc.ReadRequest{ConnIdx: 0, Item: gattc.Char(i)}); err != nil {
			return err
		}
	}

	step.Println("> profile procedures")
	if err := r.exercise(h); err != nil {
		return err
	}

	step.Println("> link loss and cached re-enable")
	r.sim.Latest(simAddress).Drop()
	if _, err := r.enabled(); err != nil {
		return err
	}

	stats := r.st.engine.Stats()
	step.Println("> done")
	fmt.Printf("  responses %d  notifications %d  deferred %d  rejected %d  timeouts %d\n",
		stats.Responses, stats.Notifications, stats.Deferred, stats.Rejected, stats.Timeouts)
	return nil
}

// enabled waits for a successful enable.
func (r *simRun) enabled() (gattc.Handles, error) {
	resp, err := r.await(func(resp gattc.Response) bool {
		_, ok := resp.(gattc.EnableResponse)
		return ok
	})
	if err != nil {
		return gattc.Handles{}, err
	}
	en := resp.(gattc.EnableResponse)
	if en.Err != nil {
		return gattc.Handles{}, en.Err
	}
	return en.Handles, nil
}

func (r *simRun) subscribe(h gattc.Handles) error {
	schema := r.st.profile.Schema()
	want := 0
	for i, d := range schema.Descs {
		if d.UUID == gattc.ClientCharConfigUUID && h.Descs[i] != gattc.InvalidHandle {
			want++
		}
	}
	r.st.subscribeAll(0, h)
	for ; want > 0; want-- {
		if _, err := r.await(func(resp gattc.Response) bool {
			_, ok := resp.(gattc.ConfigureResponse)
			return ok
		}); err != nil {
			return err
		}
	}
	return nil
}

// exercise runs the procedures specific to the profile.
func (r *simRun) exercise(h gattc.Handles) error {
	peer := r.sim.Latest(simAddress)
	switch r.st.profile.Name() {
	case wss.Name:
		m := wss.Measurement{Weight: 72.4, HasUserID: true, UserID: 1, HasBMI: true, BMI: 22.3, Height: 1.80}
		return r.emit(peer, h.Chars[wss.CharMeasurement].Value, wss.EncodeMeasurement(m))

	case gattsvc.Name:
		changed := gattsvc.EncodeServiceChanged(gattc.Range{Start: 0x0001, End: 0xFFFF})
		return r.emit(peer, h.Chars[gattsvc.CharServiceChanged].Value, changed)

	case scpp.Name:
		if err := r.st.writeScanParams(0, r.st.cfg.Scan.Interval, r.st.cfg.Scan.Window); err != nil {
			return err
		}
		if _, err := r.await(isWrite); err != nil {
			return err
		}
		// the refresh makes the stack write the interval window again
		if err := r.emit(peer, h.Chars[scpp.CharRefresh].Value, []byte{scpp.RefreshRequired}); err != nil {
			return err
		}
		_, err := r.await(isWrite)
		return err

	case uds.Name:
		reg, err := uds.EncodeControlPoint(uds.ControlPointRequest{Op: uds.OpRegisterNewUser, ConsentCode: 1234})
		if err != nil {
			return err
		}
		if err := r.do(gattc.WriteRequest{ConnIdx: 0, Item: gattc.Char(uds.CharControlPoint), Value: reg}); err != nil {
			return err
		}
		consent, err := uds.EncodeControlPoint(uds.ControlPointRequest{Op: uds.OpConsent, UserIndex: 0, ConsentCode: 1234})
		if err != nil {
			return err
		}
		if err := r.do(gattc.WriteRequest{ConnIdx: 0, Item: gattc.Char(uds.CharControlPoint), Value: consent}); err != nil {
			return err
		}
		if err := r.do(gattc.WriteRequest{ConnIdx: 0, Item: gattc.Char(uds.CharFirstName), Value: []byte("Ada")}); err != nil {
			return err
		}
		return r.do(uds.FinishUpdate(0))
	}
	return nil
}

func isWrite(resp gattc.Response) bool {
	_, ok := resp.(gattc.WriteResponse)
	return ok
}

// do submits req and waits for its response.
func (r *simRun) do(req gattc.Request) error {
	if err := r.st.engine.Submit(req); err != nil {
		return err
	}
	_, err := r.await(func(resp gattc.Response) bool {
		_, isNote := resp.(gattc.Notification)
		return !isNote
	})
	return err
}

// emit has the simulated peer send value on handle and waits for the
// notification to come out of the engine.
func (r *simRun) emit(peer *ble.SimPeer, handle uint16, value []byte) error {
	if !peer.Emit(handle, value) {
		return fmt.Errorf("simulated peer did not send on 0x%04x, not subscribed", handle)
	}
	_, err := r.await(func(resp gattc.Response) bool {
		_, ok := resp.(gattc.Notification)
		return ok
	})
	return err
}

// await prints responses until one matches.
func (r *simRun) await(match func(gattc.Response) bool) (gattc.Response, error) {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-r.responses:
			r.print(resp)
			if match(resp) {
				return resp, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("no response within %s", r.timeout)
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
	}
}

func (r *simRun) print(resp gattc.Response) {
	schema := r.st.profile.Schema()
	name := r.st.profile.Name()
	ok := color.HiGreenString("ok")
	status := func(err error) string {
		if err != nil {
			return color.RedString("%v", err)
		}
		return ok
	}
	switch v := resp.(type) {
	case gattc.EnableResponse:
		if v.Err != nil {
			fmt.Printf("  enable      %s\n", status(v.Err))
			return
		}
		fmt.Printf("  enable      %s  service %s, %d chars\n", ok, v.Handles.Service, len(v.Handles.Chars))
	case gattc.ConfigureResponse:
		fmt.Printf("  configure   %-28s %s\n", schema.ItemName(gattc.Desc(v.Desc)), status(v.Err))
	case gattc.ReadResponse:
		if v.Err != nil {
			fmt.Printf("  read        %-28s %s\n", schema.ItemName(v.Item), status(v.Err))
			return
		}
		fmt.Printf("  read        %-28s %s\n", schema.ItemName(v.Item), describeValue(name, v.Item, v.Value))
	case gattc.WriteResponse:
		line := fmt.Sprintf("  write       %-28s %s", schema.ItemName(v.Item), status(v.Err))
		if len(v.Reply) > 0 {
			line += "  " + color.MagentaString("%s", describeValue(name, v.Item, v.Reply))
		}
		fmt.Println(line)
	case gattc.Notification:
		fmt.Printf("  %-11s %-28s %s\n", v.Kind, schema.ItemName(v.Item), color.YellowString("%s", describeValue(name, v.Item, v.Payload)))
	}
}
