package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/gattprofile/internal/ble"
	"github.com/chaz8081/gattprofile/internal/config"
	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/chaz8081/gattprofile/internal/handlecache"
	"github.com/chaz8081/gattprofile/internal/profiles/gattsvc"
	"github.com/chaz8081/gattprofile/internal/profiles/scpp"
	"github.com/chaz8081/gattprofile/internal/profiles/uds"
	"github.com/chaz8081/gattprofile/internal/profiles/wss"
)

type testStack struct {
	st        *stack
	sim       *ble.SimAdapter
	cache     *handlecache.Cache
	responses chan gattc.Response
}

func newTestStack(t *testing.T, profile string) *testStack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Default()
	cfg.Profile = profile
	cfg.Engine.IndicationTimeout = 2 * time.Second
	cfg.Transport.ConnectTimeout = time.Second
	cfg.Transport.ReconnectMax = 1

	cache, err := handlecache.New(filepath.Join(t.TempDir(), "handles.cbor"), 8)
	if err != nil {
		t.Fatalf("handlecache.New() error = %v", err)
	}
	adapter, err := newAdapter(cfg)
	if err != nil {
		t.Fatalf("newAdapter() error = %v", err)
	}
	st, err := newStack(ctx, cfg, adapter, cache)
	if err != nil {
		t.Fatalf("newStack() error = %v", err)
	}
	t.Cleanup(st.close)

	ts := &testStack{st: st, sim: adapter.(*ble.SimAdapter), cache: cache, responses: make(chan gattc.Response, 32)}
	go func() {
		_ = st.serve(ctx, func(r gattc.Response) {
			select {
			case ts.responses <- r:
			case <-ctx.Done():
			}
		})
	}()
	return ts
}

func (ts *testStack) enabled(t *testing.T) gattc.EnableResponse {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case r := <-ts.responses:
			if en, ok := r.(gattc.EnableResponse); ok {
				if en.Err != nil {
					t.Fatalf("enable error = %v", en.Err)
				}
				return en
			}
		case <-deadline:
			t.Fatal("no enable response")
		}
	}
}

// await waits for the first response that satisfies match.
func (ts *testStack) await(t *testing.T, what string, match func(gattc.Response) bool) gattc.Response {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case r := <-ts.responses:
			if match(r) {
				return r
			}
		case <-deadline:
			t.Fatalf("no %s", what)
			return nil
		}
	}
}

func TestStackRewritesScanParamsOnRefresh(t *testing.T) {
	ts := newTestStack(t, scpp.Name)
	if err := ts.st.connect(context.Background(), 0, "sim-3"); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	h := ts.enabled(t).Handles
	ts.st.subscribeAll(0, h)
	ts.await(t, "configure response", func(r gattc.Response) bool {
		_, ok := r.(gattc.ConfigureResponse)
		return ok
	})

	written := func(r gattc.Response) bool {
		w, ok := r.(gattc.WriteResponse)
		return ok && w.Err == nil && w.Item == gattc.Char(scpp.CharIntervalWindow)
	}
	if err := ts.st.writeScanParams(0, 0x0060, 0x0030); err != nil {
		t.Fatalf("writeScanParams() error = %v", err)
	}
	ts.await(t, "interval window write", written)

	peer := ts.sim.Latest("sim-3")
	if !peer.Emit(h.Chars[scpp.CharRefresh].Value, []byte{scpp.RefreshRequired}) {
		t.Fatal("scan refresh not sent, peer not subscribed")
	}
	ts.await(t, "rewrite after refresh", written)

	want, _ := scpp.EncodeIntervalWindow(0x0060, 0x0030)
	var got int
	for _, w := range peer.Writes() {
		if w.Handle == h.Chars[scpp.CharIntervalWindow].Value {
			if !bytes.Equal(w.Value, want) {
				t.Errorf("interval window written = %x, want %x", w.Value, want)
			}
			got++
		}
	}
	if got != 2 {
		t.Errorf("interval window written %d times, want 2", got)
	}
}

func TestStackCachesHandlesAcrossReconnect(t *testing.T) {
	ts := newTestStack(t, wss.Name)
	if err := ts.st.connect(context.Background(), 0, "sim-1"); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	first := ts.enabled(t)
	if ts.cache.Len() != 1 {
		t.Fatalf("cache Len() = %d after discovery, want 1", ts.cache.Len())
	}

	ts.sim.Latest("sim-1").Drop()
	second := ts.enabled(t)
	if second.Handles.Chars[wss.CharMeasurement] != first.Handles.Chars[wss.CharMeasurement] {
		t.Errorf("re-enable handles = %+v, want %+v", second.Handles, first.Handles)
	}

	ts.st.mu.Lock()
	mode := ts.st.modes[0]
	ts.st.mu.Unlock()
	if mode != gattc.UseCachedHandles {
		t.Errorf("re-enable mode = %v, want cached", mode)
	}

	reloaded, err := handlecache.Open(ts.cache.Path(), 8)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if reloaded.Len() != 1 {
		t.Errorf("persisted entries = %d, want 1", reloaded.Len())
	}
}

func TestStackServiceChangedForgetsHandles(t *testing.T) {
	ts := newTestStack(t, gattsvc.Name)
	if err := ts.st.connect(context.Background(), 0, "sim-2"); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	en := ts.enabled(t)
	if ts.cache.Len() != 1 {
		t.Fatalf("cache Len() = %d, want 1", ts.cache.Len())
	}

	ts.st.serviceChanged(gattc.Notification{ConnIdx: 0, Item: gattc.Char(gattsvc.CharServiceChanged), Kind: gattc.EventIndicate,
		Payload: gattsvc.EncodeServiceChanged(en.Handles.Service)})
	if ts.cache.Len() != 0 {
		t.Errorf("cache Len() = %d after service changed, want 0", ts.cache.Len())
	}
}

func TestSimServiceAnswersControlPoint(t *testing.T) {
	svc := simService(uds.New())
	reply := svc.Chars[uds.CharControlPoint].Reply
	if reply == nil {
		t.Fatal("uds control point has no responder")
	}
	req, _ := uds.EncodeControlPoint(uds.ControlPointRequest{Op: uds.OpRegisterNewUser, ConsentCode: 7})
	resp, err := uds.DecodeControlPointResponse(reply(req))
	if err != nil || resp.Result != uds.ResultSuccess {
		t.Errorf("reply = %+v, %v", resp, err)
	}
}

func TestDescribeValue(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		item    gattc.Item
		value   []byte
		want    string
	}{
		{"weight", wss.Name, gattc.Char(wss.CharMeasurement), wss.EncodeMeasurement(wss.Measurement{Weight: 70}), "70.00 kg"},
		{"service changed", gattsvc.Name, gattc.Char(gattsvc.CharServiceChanged), []byte{0x01, 0x00, 0xFF, 0xFF}, "changed"},
		{"change increment", uds.Name, gattc.Char(uds.CharChangeIncrement), uds.EncodeChangeIncrement(3), "increment 3"},
		{"descriptor", wss.Name, gattc.Desc(0), []byte{0x02, 0x00}, "0200"},
		{"short value", wss.Name, gattc.Char(wss.CharMeasurement), []byte{0x01}, "01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := describeValue(tt.profile, tt.item, tt.value)
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("describeValue() = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestScanDevices(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		address string
		want    []string
		wantErr bool
	}{
		{"configured sim peer", "sim", "sim-9", []string{"sim-9"}, false},
		{"default sim peer", "sim", "", []string{defaultSimAddress}, false},
		{"unknown backend", "carrier-pigeon", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Transport.Backend = tt.backend
			cfg.Transport.Address = tt.address
			devices, err := scanDevices(cfg, time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("scanDevices() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(devices) != len(tt.want) {
				t.Fatalf("devices = %+v, want %v", devices, tt.want)
			}
			for i, d := range devices {
				if d.Address != tt.want[i] {
					t.Errorf("device %d = %s, want %s", i, d.Address, tt.want[i])
				}
			}
		})
	}
}
