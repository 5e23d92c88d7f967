package accounting

import (
	"context"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/logging"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relay"
)

func init() {
	Register("log", newLogSink)
}

// logSink writes every stats object through the dispatcher's own
// logger. It has no external dependency and is always available,
// serving as the default backend when none is configured.
type logSink struct {
	log *logging.Logger
}

func newLogSink(opts Options) (Sink, error) {
	return &logSink{log: logging.New("accounting[log] ", false)}, nil
}

func (s *logSink) Start(ctx context.Context) error { return nil }

func (s *logSink) DoAccounting(stats relay.Stats) {
	s.log.Infof("accounting: %v", map[string]interface{}(stats))
}

func (s *logSink) Stop() {}
