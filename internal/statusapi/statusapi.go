// Package statusapi exposes the optional /status and /metrics HTTP
// surfaces (SPEC_FULL §A3). Both are off by default; neither feeds back
// into relay selection (no load-based routing, spec §1).
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/pool"
)

// Snapshotter is the subset of pool.Pool the status surface needs.
type Snapshotter interface {
	Snapshot() pool.Snapshot
}

// NewStatusHandler returns an http.Handler serving GET /status as JSON,
// generalized from the teacher's cmd/relaysrv/status.go (session count,
// Go runtime info) to the dispatcher's relay/session routing state.
func NewStatusHandler(p Snapshotter) http.Handler {
	router := httprouter.New()
	router.GET("/status", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		snap := p.Snapshot()

		relays := make([]map[string]interface{}, 0, len(snap.Relays))
		for _, rs := range snap.Relays {
			relays = append(relays, map[string]interface{}{
				"ip":          rs.IP,
				"ready":       rs.Ready,
				"outstanding": rs.Outstanding,
			})
		}

		status := map[string]interface{}{
			"relays":               relays,
			"sessions":             snap.SessionCount,
			"cleanup_timers_armed": snap.CleanupTimersArmed,
		}

		bs, err := json.MarshalIndent(status, "", "    ")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(bs)
	})
	return router
}

// Collector implements prometheus.Collector over a pool snapshot,
// exposing the gauges named in SPEC_FULL §A3.
type Collector struct {
	pool Snapshotter

	relaysConnected  *prometheus.Desc
	sessionsActive   *prometheus.Desc
	commandsOutst    *prometheus.Desc
	cleanupTimers    *prometheus.Desc
	relayReadyByHost *prometheus.Desc
}

func NewCollector(p Snapshotter) *Collector {
	return &Collector{
		pool:             p,
		relaysConnected:  prometheus.NewDesc("dispatcher_relays_connected", "Number of relays currently connected.", nil, nil),
		sessionsActive:   prometheus.NewDesc("dispatcher_sessions_active", "Number of call_id sessions currently bound to a relay.", nil, nil),
		commandsOutst:    prometheus.NewDesc("dispatcher_commands_outstanding", "Total outstanding relay commands across all relays.", nil, nil),
		cleanupTimers:    prometheus.NewDesc("dispatcher_cleanup_timers_armed", "Number of cleanup timers currently armed for disconnected relays.", nil, nil),
		relayReadyByHost: prometheus.NewDesc("dispatcher_relay_ready", "Whether a specific relay is currently ready for new sessions.", []string{"relay"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.relaysConnected
	ch <- c.sessionsActive
	ch <- c.commandsOutst
	ch <- c.cleanupTimers
	ch <- c.relayReadyByHost
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.pool.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.relaysConnected, prometheus.GaugeValue, float64(len(snap.Relays)))
	ch <- prometheus.MustNewConstMetric(c.sessionsActive, prometheus.GaugeValue, float64(snap.SessionCount))
	ch <- prometheus.MustNewConstMetric(c.cleanupTimers, prometheus.GaugeValue, float64(snap.CleanupTimersArmed))

	var outstanding int
	for _, r := range snap.Relays {
		outstanding += r.Outstanding
		ready := 0.0
		if r.Ready {
			ready = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.relayReadyByHost, prometheus.GaugeValue, ready, r.IP)
	}
	ch <- prometheus.MustNewConstMetric(c.commandsOutst, prometheus.GaugeValue, float64(outstanding))
}

// NewMetricsHandler returns an http.Handler serving GET /metrics in
// Prometheus text format (SPEC_FULL §A3).
func NewMetricsHandler(p Snapshotter) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(p))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
