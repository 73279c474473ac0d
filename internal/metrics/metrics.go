// Package metrics is a minimal process-counter exporter for GET /metrics,
// gated by conf.ServerConfig.MetricsEnabled.
//
// Implemented directly on sync/atomic counters and a hand-written
// Prometheus text exposition writer rather than an imported client
// library — see DESIGN.md for that call.
package metrics

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ikermy/rendezvous-proxy/internal/sessionmgr"
)

// Registry holds the process counters the turn handler and session manager
// report into.
type Registry struct {
	turns      atomic.Int64
	errors     sync.Map // kind string -> *atomic.Int64
	timeouts   sync.Map // code string -> *atomic.Int64
	sessionMgr *sessionmgr.Manager
}

// New builds a Registry. mgr may be nil in tests that don't exercise the
// session-directory gauges.
func New(mgr *sessionmgr.Manager) *Registry {
	return &Registry{sessionMgr: mgr}
}

// ObserveTurn records one successfully completed exchange.
func (r *Registry) ObserveTurn() {
	r.turns.Add(1)
}

// ObserveError increments the counter for one error kind.
func (r *Registry) ObserveError(kind string) {
	counterFor(&r.errors, kind).Add(1)
}

// ObserveTimeout increments the counter for one timeout code.
func (r *Registry) ObserveTimeout(code string) {
	counterFor(&r.timeouts, code).Add(1)
}

func counterFor(m *sync.Map, key string) *atomic.Int64 {
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// WriteTo emits every counter in the Prometheus text exposition format.
func (r *Registry) WriteTo(w io.Writer) {
	fmt.Fprintf(w, "# HELP rendezvous_turns_total Successfully completed exchanges.\n")
	fmt.Fprintf(w, "# TYPE rendezvous_turns_total counter\n")
	fmt.Fprintf(w, "rendezvous_turns_total %d\n", r.turns.Load())

	fmt.Fprintf(w, "# HELP rendezvous_errors_total Errors by kind.\n")
	fmt.Fprintf(w, "# TYPE rendezvous_errors_total counter\n")
	r.errors.Range(func(k, v interface{}) bool {
		fmt.Fprintf(w, "rendezvous_errors_total{kind=%q} %d\n", k.(string), v.(*atomic.Int64).Load())
		return true
	})

	fmt.Fprintf(w, "# HELP rendezvous_timeouts_total Timeouts by code.\n")
	fmt.Fprintf(w, "# TYPE rendezvous_timeouts_total counter\n")
	r.timeouts.Range(func(k, v interface{}) bool {
		fmt.Fprintf(w, "rendezvous_timeouts_total{code=%q} %d\n", k.(string), v.(*atomic.Int64).Load())
		return true
	})

	if r.sessionMgr != nil {
		created, closedCount, evicted, active := r.sessionMgr.Stats()
		fmt.Fprintf(w, "# HELP rendezvous_sessions_created_total Sessions created.\n")
		fmt.Fprintf(w, "# TYPE rendezvous_sessions_created_total counter\n")
		fmt.Fprintf(w, "rendezvous_sessions_created_total %d\n", created)

		fmt.Fprintf(w, "# HELP rendezvous_sessions_closed_total Sessions closed by the TTL sweep or administrative close.\n")
		fmt.Fprintf(w, "# TYPE rendezvous_sessions_closed_total counter\n")
		fmt.Fprintf(w, "rendezvous_sessions_closed_total %d\n", closedCount)

		fmt.Fprintf(w, "# HELP rendezvous_sessions_evicted_total Sessions evicted under admission control.\n")
		fmt.Fprintf(w, "# TYPE rendezvous_sessions_evicted_total counter\n")
		fmt.Fprintf(w, "rendezvous_sessions_evicted_total %d\n", evicted)

		fmt.Fprintf(w, "# HELP rendezvous_sessions_active Currently active sessions.\n")
		fmt.Fprintf(w, "# TYPE rendezvous_sessions_active gauge\n")
		fmt.Fprintf(w, "rendezvous_sessions_active %d\n", active)
	}
}
