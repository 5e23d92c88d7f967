package dispatcher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/accounting"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/control"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/logging"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/pool"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relay"
)

// stoppedSink records when its Start context is cancelled, so the test
// can assert Shutdown tears accounting down.
type stoppedSink struct {
	stopped chan struct{}
}

func (s *stoppedSink) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		close(s.stopped)
	}()
	return nil
}
func (s *stoppedSink) DoAccounting(relay.Stats) {}
func (s *stoppedSink) Stop()                    {}

func newTestDispatcher(t *testing.T) (d *Dispatcher, sink *stoppedSink, relayAddr, controlAddr string) {
	t.Helper()
	log := logging.New("test ", false)

	relayLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen relay: %v", err)
	}
	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control: %v", err)
	}

	sink = &stoppedSink{stopped: make(chan struct{})}
	acct := accounting.NewManager(log)
	acct.Add("test", sink)

	p := pool.New(time.Second, time.Millisecond, log, acct)
	controlListener := control.NewListener(controlLn, p, log)

	d = &Dispatcher{
		cfg:             Config{},
		log:             log,
		pool:            p,
		acct:            acct,
		relayListener:   relayLn,
		controlListener: controlListener,
	}
	return d, sink, relayLn.Addr().String(), controlLn.Addr().String()
}

// TestShutdownStopsListenersAndAccounting checks that Shutdown (spec
// §4.5) completes, cancels the accounting sinks' context, and leaves
// neither listener accepting connections.
func TestShutdownStopsListenersAndAccounting(t *testing.T) {
	d, sink, relayAddr, controlAddr := newTestDispatcher(t)

	acctCtx, cancel := context.WithCancel(context.Background())
	d.acctCancel = cancel
	go d.acct.Serve(acctCtx)
	go d.controlListener.Serve()
	go d.serveRelays()

	time.Sleep(10 * time.Millisecond) // let Serve/serveRelays start accepting

	done := make(chan error, 1)
	go func() { done <- d.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not complete")
	}

	// The sink closes stopped from its own goroutine once its context is
	// cancelled, so give that goroutine a moment to run.
	select {
	case <-sink.stopped:
	case <-time.After(time.Second):
		t.Fatal("accounting sink was never stopped")
	}

	if _, err := net.Dial("tcp", relayAddr); err == nil {
		t.Fatal("relay listener still accepting after shutdown")
	}
	if _, err := net.Dial("tcp", controlAddr); err == nil {
		t.Fatal("control listener still accepting after shutdown")
	}
}
