// Package accounting implements the accounting sink interface (spec
// §4.6): a registry of named backends, each fed every session-end
// statistics object in configured order. A sink failing to accept an
// event must never block or prevent the others from receiving it.
package accounting

import (
	"context"
	"fmt"

	"github.com/thejerf/suture/v4"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/logging"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relay"
)

// Sink is one configured accounting backend.
type Sink interface {
	Start(ctx context.Context) error
	DoAccounting(stats relay.Stats)
	Stop()
}

// Factory builds a Sink from backend-specific options. Registered
// under a fixed name at init time — there is no dynamic/string-based
// module loading (spec §9).
type Factory func(opts Options) (Sink, error)

// Options carries every backend-specific setting a sink might need.
// Backends that don't need a field simply ignore it.
type Options struct {
	AMQPURL      string
	AMQPExchange string
	JournalPath  string
}

var registry = map[string]Factory{}

// Register adds a named backend factory. Called from each backend's
// init(), mirroring the teacher's self-registering service pattern.
func Register(name string, f Factory) {
	registry[name] = f
}

// Build instantiates the named backend, or an error if it is unknown.
func Build(name string, opts Options) (Sink, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("accounting: unknown backend %q", name)
	}
	return f(opts)
}

// Manager fans every published stats object out to every configured
// sink, in the order they were registered (spec §4.6), running each
// sink as a supervised service so a failing or panicking sink cannot
// take down the process or the others.
type Manager struct {
	log   *logging.Logger
	super *suture.Supervisor
	sinks []*sinkRunner
}

func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		log:   log,
		super: suture.NewSimple("accounting"),
	}
}

// Add registers a sink under name; must be called before Serve.
func (m *Manager) Add(name string, sink Sink) {
	r := &sinkRunner{name: name, sink: sink, events: make(chan relay.Stats, 256)}
	m.sinks = append(m.sinks, r)
	m.super.Add(r)
}

// Publish fans stats out to every sink's queue without blocking; a
// sink whose queue is full has the event dropped and logged, rather
// than stalling the caller (normally the pool actor).
func (m *Manager) Publish(stats relay.Stats) {
	for _, r := range m.sinks {
		select {
		case r.events <- stats:
		default:
			m.log.Warnf("accounting sink %s backlog full, dropping event for call_id=%v", r.name, stats["call_id"])
		}
	}
}

// Serve runs every registered sink until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	return m.super.Serve(ctx)
}

type sinkRunner struct {
	name   string
	sink   Sink
	events chan relay.Stats
}

func (r *sinkRunner) Serve(ctx context.Context) error {
	if err := r.sink.Start(ctx); err != nil {
		return err
	}
	defer r.sink.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case stats := <-r.events:
			r.sink.DoAccounting(stats)
		}
	}
}

func (r *sinkRunner) String() string { return "accounting-sink:" + r.name }
