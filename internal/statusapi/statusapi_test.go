package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/chaz8081/gattprofile/internal/handlecache"
)

type fakeEngine struct {
	slots []gattc.SlotInfo
	stats gattc.StatsSnapshot
	err   error
}

func (f *fakeEngine) Snapshot(context.Context) ([]gattc.SlotInfo, error) { return f.slots, f.err }
func (f *fakeEngine) Stats() gattc.StatsSnapshot                         { return f.stats }

type fakeCache []handlecache.Entry

func (f fakeCache) Entries() []handlecache.Entry { return f }

func newTestServer(engine Engine, cache Cache) *httptest.Server {
	links := func() []LinkStatus {
		return []LinkStatus{{Index: 1, Address: "AA:BB", Connected: true, Reconnects: 2}}
	}
	srv := httptest.NewServer(NewServer("wss", engine, cache, links).Handler())
	return srv
}

func getJSON(t *testing.T, url string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func testSlots() []gattc.SlotInfo {
	h := gattc.Handles{Service: gattc.Range{Start: 1, End: 9}}
	return []gattc.SlotInfo{
		{Index: 0, State: "free"},
		{Index: 1, State: "busy", Generation: 3, Pending: "write", Queued: 1, Handles: &h},
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, nil)
	defer srv.Close()

	var body map[string]interface{}
	getJSON(t, srv.URL+"/health", http.StatusOK, &body)
	if body["status"] != "ok" || body["profile"] != "wss" {
		t.Errorf("health = %v", body)
	}
}

func TestConnections(t *testing.T) {
	srv := newTestServer(&fakeEngine{slots: testSlots()}, nil)
	defer srv.Close()

	var conns []Connection
	getJSON(t, srv.URL+"/connections", http.StatusOK, &conns)
	if len(conns) != 2 {
		t.Fatalf("got %d connections, want 2", len(conns))
	}
	if conns[0].Link != nil {
		t.Errorf("slot 0 has link %+v, want none", conns[0].Link)
	}
	c := conns[1]
	if c.State != "busy" || c.Pending != "write" || c.Generation != 3 {
		t.Errorf("slot 1 = %+v", c.SlotInfo)
	}
	if c.Handles == nil || c.Handles.Service.End != 9 {
		t.Errorf("slot 1 handles = %+v", c.Handles)
	}
	if c.Link == nil || c.Link.Address != "AA:BB" || c.Link.Reconnects != 2 {
		t.Errorf("slot 1 link = %+v", c.Link)
	}
}

func TestConnectionByIndex(t *testing.T) {
	srv := newTestServer(&fakeEngine{slots: testSlots()}, nil)
	defer srv.Close()

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"known slot", "/connections/1", http.StatusOK},
		{"unknown slot", "/connections/7", http.StatusNotFound},
		{"not a number", "/connections/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getJSON(t, srv.URL+tt.path, tt.status, nil)
		})
	}

	var c Connection
	getJSON(t, srv.URL+"/connections/0", http.StatusOK, &c)
	if c.Index != 0 || c.State != "free" {
		t.Errorf("slot 0 = %+v", c)
	}
}

func TestConnectionsEngineStopped(t *testing.T) {
	srv := newTestServer(&fakeEngine{err: gattc.ErrStopped}, nil)
	defer srv.Close()

	var body map[string]interface{}
	getJSON(t, srv.URL+"/connections", http.StatusServiceUnavailable, &body)
	if body["error"] != gattc.ErrStopped.Error() {
		t.Errorf("error body = %v", body)
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(&fakeEngine{stats: gattc.StatsSnapshot{Responses: 5, Timeouts: 1, Active: 2}}, nil)
	defer srv.Close()

	var got gattc.StatsSnapshot
	getJSON(t, srv.URL+"/stats", http.StatusOK, &got)
	if got.Responses != 5 || got.Timeouts != 1 || got.Active != 2 {
		t.Errorf("stats = %+v", got)
	}
}

func TestCache(t *testing.T) {
	stored := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := fakeCache{{Address: "AA:BB", Profile: "wss", Stored: stored}}

	tests := []struct {
		name  string
		cache Cache
		want  int
	}{
		{"with entries", cache, 1},
		{"no cache configured", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeEngine{}, tt.cache)
			defer srv.Close()

			var entries []handlecache.Entry
			getJSON(t, srv.URL+"/cache", http.StatusOK, &entries)
			if entries == nil || len(entries) != tt.want {
				t.Fatalf("entries = %+v, want %d", entries, tt.want)
			}
			if tt.want > 0 && (entries[0].Address != "AA:BB" || !entries[0].Stored.Equal(stored)) {
				t.Errorf("entry = %+v", entries[0])
			}
		})
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler())
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("ListenAndServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe() did not return after cancel")
	}
}
