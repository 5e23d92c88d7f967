package accounting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/logging"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relay"
)

type recordingSink struct {
	mu      sync.Mutex
	started bool
	stopped bool
	got     []relay.Stats
	done    chan struct{}
}

func newRecordingSink(n int) *recordingSink {
	return &recordingSink{done: make(chan struct{}, n)}
}

func (s *recordingSink) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) DoAccounting(stats relay.Stats) {
	s.mu.Lock()
	s.got = append(s.got, stats)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSink) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func TestManagerFansOutToEverySink(t *testing.T) {
	log := logging.New("test ", false)
	m := NewManager(log)

	a := newRecordingSink(1)
	b := newRecordingSink(1)
	m.Add("a", a)
	m.Add("b", b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Serve(ctx)

	stats := relay.Stats{"call_id": "x", "duration": 42}
	m.Publish(stats)

	for _, s := range []*recordingSink{a, b} {
		select {
		case <-s.done:
		case <-time.After(time.Second):
			t.Fatal("sink did not receive event in time")
		}
	}

	if len(a.got) != 1 || a.got[0]["call_id"] != "x" {
		t.Fatalf("sink a got = %+v", a.got)
	}
	if len(b.got) != 1 {
		t.Fatalf("sink b got = %+v", b.got)
	}
}

func TestManagerPublishNeverBlocksOnAFullSink(t *testing.T) {
	log := logging.New("test ", false)
	m := NewManager(log)

	blocked := &blockingSink{release: make(chan struct{})}
	m.Add("blocked", blocked)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Serve(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			m.Publish(relay.Stats{"call_id": "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked despite a stalled sink")
	}
	close(blocked.release)
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Start(ctx context.Context) error { return nil }
func (s *blockingSink) DoAccounting(stats relay.Stats)  { <-s.release }
func (s *blockingSink) Stop()                           {}

func TestBuildUnknownBackend(t *testing.T) {
	if _, err := Build("does-not-exist", Options{}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestBuildLogBackend(t *testing.T) {
	sink, err := Build("log", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if sink == nil {
		t.Fatal("expected non-nil sink")
	}
}
