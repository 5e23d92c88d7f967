package accounting

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/logging"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relay"
)

func init() {
	Register("journal", newJournalSink)
}

// journalSink appends every stats object, keyed by a monotonically
// increasing record id, to a local LevelDB database for offline
// inspection. This persists accounting records only — it has no
// bearing on the dispatcher's own (intentionally volatile) routing
// state (spec §6, "Persisted state: None").
type journalSink struct {
	path string
	log  *logging.Logger

	db   *leveldb.DB
	next uint64
}

func newJournalSink(opts Options) (Sink, error) {
	if opts.JournalPath == "" {
		return nil, fmt.Errorf("accounting[journal]: JournalPath is required")
	}
	return &journalSink{
		path: opts.JournalPath,
		log:  logging.New("accounting[journal] ", false),
	}, nil
}

func (s *journalSink) Start(ctx context.Context) error {
	db, err := leveldb.OpenFile(s.path, nil)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", s.path, err)
	}
	s.db = db

	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		s.next = binary.BigEndian.Uint64(iter.Key()) + 1
	}
	iter.Release()
	return iter.Error()
}

func (s *journalSink) DoAccounting(stats relay.Stats) {
	body, err := json.Marshal(map[string]interface{}(stats))
	if err != nil {
		s.log.Errorf("marshal stats for call_id=%v: %v", stats["call_id"], err)
		return
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, s.next)
	s.next++
	if err := s.db.Put(key, body, nil); err != nil {
		s.log.Errorf("write journal record for call_id=%v: %v", stats["call_id"], err)
	}
}

func (s *journalSink) Stop() {
	if s.db != nil {
		s.db.Close()
	}
}
