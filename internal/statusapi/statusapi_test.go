package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/pool"
)

type fakeSnapshotter struct {
	snap pool.Snapshot
}

func (f *fakeSnapshotter) Snapshot() pool.Snapshot { return f.snap }

func canned() pool.Snapshot {
	return pool.Snapshot{
		Relays: []pool.RelayStatus{
			{IP: "10.0.0.1", Ready: true, Outstanding: 2},
			{IP: "10.0.0.2", Ready: false, Outstanding: 0},
		},
		SessionCount:       3,
		CleanupTimersArmed: 1,
	}
}

func TestStatusHandlerReturnsSnapshotAsJSON(t *testing.T) {
	h := NewStatusHandler(&fakeSnapshotter{snap: canned()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}

	var body struct {
		Relays []struct {
			IP          string `json:"ip"`
			Ready       bool   `json:"ready"`
			Outstanding int    `json:"outstanding"`
		} `json:"relays"`
		Sessions           int `json:"sessions"`
		CleanupTimersArmed int `json:"cleanup_timers_armed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if body.Sessions != 3 || body.CleanupTimersArmed != 1 {
		t.Fatalf("unexpected counters: %+v", body)
	}
	if len(body.Relays) != 2 {
		t.Fatalf("relays = %+v", body.Relays)
	}
	if body.Relays[0].IP != "10.0.0.1" || !body.Relays[0].Ready || body.Relays[0].Outstanding != 2 {
		t.Fatalf("relay[0] = %+v", body.Relays[0])
	}
	if body.Relays[1].IP != "10.0.0.2" || body.Relays[1].Ready {
		t.Fatalf("relay[1] = %+v", body.Relays[1])
	}
}

func TestMetricsHandlerExposesGauges(t *testing.T) {
	h := NewMetricsHandler(&fakeSnapshotter{snap: canned()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		"dispatcher_relays_connected 2",
		"dispatcher_sessions_active 3",
		"dispatcher_commands_outstanding 2",
		"dispatcher_cleanup_timers_armed 1",
		`dispatcher_relay_ready{relay="10.0.0.1"} 1`,
		`dispatcher_relay_ready{relay="10.0.0.2"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n---\n%s", want, body)
		}
	}
}
