// Package control implements the proxy-facing control connection (spec
// §4.4): pipelined request framing, dispatch, and in-submission-order
// reply writing.
package control

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/frame"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/logging"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relaywire"
)

// Dispatcher is the subset of pool.Pool that a control connection needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, command string, headers []string) (string, error)
}

// Listener accepts proxy connections on a net.Listener (normally a UNIX
// domain socket) and serves each with its own Conn, tracking them so a
// shutdown can wait for in-progress requests to drain (spec §4.5 step 2).
type Listener struct {
	listener  net.Listener
	dispatch  Dispatcher
	log       *logging.Logger
	rateLimit float64 // requests/sec per connection, 0 disables

	mu     sync.Mutex
	active map[*Conn]struct{}
	wg     sync.WaitGroup

	closing int32
}

func NewListener(l net.Listener, dispatch Dispatcher, log *logging.Logger) *Listener {
	return &Listener{
		listener: l,
		dispatch: dispatch,
		log:      log,
		active:   make(map[*Conn]struct{}),
	}
}

// WithRateLimit sets a per-connection requests/sec cap applied to every
// connection accepted afterwards (ambient defensive addition; 0 leaves
// connections unthrottled, the default).
func (ln *Listener) WithRateLimit(requestsPerSecond float64) *Listener {
	ln.rateLimit = requestsPerSecond
	return ln
}

// Serve accepts connections until the listener is closed by Shutdown.
func (ln *Listener) Serve() {
	for {
		netConn, err := ln.listener.Accept()
		if err != nil {
			return
		}
		ln.log.Debugf("control connection accepted from %s", netConn.RemoteAddr())

		c := newConn(netConn, ln.dispatch, ln.log)
		if ln.rateLimit > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(ln.rateLimit), 1)
		}
		ln.mu.Lock()
		ln.active[c] = struct{}{}
		ln.mu.Unlock()

		ln.wg.Add(1)
		go func() {
			defer ln.wg.Done()
			c.serve()
			ln.mu.Lock()
			delete(ln.active, c)
			ln.mu.Unlock()
		}()
	}
}

// StopAccepting closes the underlying listener so no further connections
// are accepted; connections already in progress are unaffected (spec
// §4.5 step 1, the control-socket half of "stop both listeners").
func (ln *Listener) StopAccepting() error {
	atomic.StoreInt32(&ln.closing, 1)
	return ln.listener.Close()
}

// Drain closes every idle connection immediately, lets in-progress ones
// finish their current request, and waits for all of them to close
// (spec §4.5 step 2). StopAccepting must be called first.
func (ln *Listener) Drain(ctx context.Context) error {
	ln.mu.Lock()
	for c := range ln.active {
		c.requestShutdown()
	}
	ln.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ln.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown is StopAccepting followed by Drain, for callers that don't
// need the two phases run alongside another listener's shutdown.
func (ln *Listener) Shutdown(ctx context.Context) error {
	if err := ln.StopAccepting(); err != nil {
		return err
	}
	return ln.Drain(ctx)
}

// Conn serves one proxy connection: reads pipelined request frames,
// dispatches each concurrently, and writes replies back in the order
// the requests were read (spec §4.4's ordering requirement).
type Conn struct {
	netConn  net.Conn
	dispatch Dispatcher
	log      *logging.Logger

	inProgress int32
	shutdown   int32

	limiter *rate.Limiter
	replies chan chan string
}

func newConn(netConn net.Conn, dispatch Dispatcher, log *logging.Logger) *Conn {
	return &Conn{
		netConn:  netConn,
		dispatch: dispatch,
		log:      log,
		replies:  make(chan chan string, 64),
	}
}

func (c *Conn) requestShutdown() {
	atomic.StoreInt32(&c.shutdown, 1)
	if atomic.LoadInt32(&c.inProgress) == 0 {
		c.netConn.Close()
	}
}

func (c *Conn) serve() {
	defer c.netConn.Close()

	writerDone := make(chan struct{})
	go c.writeReplies(writerDone)

	r := frame.NewReader(c.netConn)
	for {
		req, err := r.ReadRequest()
		if err != nil {
			break
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(context.Background()); err != nil {
				break
			}
		}

		atomic.AddInt32(&c.inProgress, 1)
		result := make(chan string, 1)
		c.replies <- result

		go func(req *frame.Request) {
			result <- c.handle(req)
			if atomic.AddInt32(&c.inProgress, -1) == 0 && atomic.LoadInt32(&c.shutdown) == 1 {
				c.netConn.Close()
			}
		}(req)
	}

	close(c.replies)
	<-writerDone
}

// writeReplies drains c.replies in order, blocking on each request's
// result channel so writes land in submission order even though
// requests are handled concurrently.
func (c *Conn) writeReplies(done chan struct{}) {
	defer close(done)
	for result := range c.replies {
		line := <-result
		if err := frame.WriteReply(c.netConn, line); err != nil {
			return
		}
	}
}

// handle implements spec §4.4's per-request dispatch-and-classify step.
func (c *Conn) handle(req *frame.Request) string {
	payload, err := c.dispatch.Dispatch(context.Background(), req.Command, req.Headers)
	if err == nil {
		return payload
	}

	if re, ok := err.(*relaywire.RelayError); ok {
		c.log.Warnf("command %q failed: %v", req.Command, re)
	} else {
		c.log.Errorf("command %q failed unexpectedly: %v", req.Command, err)
	}
	return "error"
}
