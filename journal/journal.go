// Package journal records code loader events in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/hotcode/codeload"
)

var log = commonlog.GetLogger("hotcode.journal")

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal closed")

// DefaultQueueSize is the number of events buffered ahead of the writer.
const DefaultQueueSize = 256

const schema = `CREATE TABLE IF NOT EXISTS events (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	kind   TEXT NOT NULL,
	module TEXT NOT NULL,
	detail TEXT NOT NULL,
	at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_module ON events (module, id);`

// request is either an event to write or, with ev nil, a sync marker.
type request struct {
	ev   *codeload.Event
	done chan struct{}
}

// Journal is a codeload.EventSink writing to SQLite from one goroutine.
// Record never blocks; events arriving while the queue is full are
// dropped and counted.
type Journal struct {
	db *sql.DB

	mu      sync.RWMutex // guards closed against sends on queue
	closed  bool
	queue   chan request
	stopped chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64

	// overflowing is set from the first drop until the next accepted event.
	overflowing atomic.Bool
	overflows   atomic.Uint64
}

var _ codeload.EventSink = (*Journal)(nil)

// Open opens or creates the journal database at path and starts the
// writer.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection serializes the writer with queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}

	j := &Journal{
		db:      db,
		queue:   make(chan request, DefaultQueueSize),
		stopped: make(chan struct{}),
	}
	go j.loop()
	return j, nil
}

// Record queues ev for writing.
func (j *Journal) Record(ev codeload.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.queue <- request{ev: &ev}:
		if j.overflowing.CompareAndSwap(true, false) {
			log.Infof("journal queue accepting events again, %d dropped so far", j.dropped.Load())
		}
	default:
		n := j.dropped.Add(1)
		if j.overflowing.CompareAndSwap(false, true) {
			j.overflows.Add(1)
			log.Warningf("journal queue full, dropping events (%d dropped so far)", n)
		}
	}
}

// Sync waits until every event queued before the call is written.
func (j *Journal) Sync(ctx context.Context) error {
	done := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	select {
	case j.queue <- request{done: done}:
		j.mu.RUnlock()
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued events, stops the writer and closes the database.
// It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.stopped
	return j.db.Close()
}

// Written returns the number of events written.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Dropped returns the number of events dropped.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) loop() {
	defer close(j.stopped)
	for req := range j.queue {
		if req.ev != nil {
			if err := j.insert(req.ev); err != nil {
				log.Errorf("writing %s event for %s: %v", req.ev.Kind, req.ev.Module, err)
			} else {
				j.written.Add(1)
			}
		}
		if req.done != nil {
			close(req.done)
		}
	}
}

func (j *Journal) insert(ev *codeload.Event) error {
	_, err := j.db.Exec(
		"INSERT INTO events (kind, module, detail, at) VALUES (?, ?, ?, ?)",
		string(ev.Kind), ev.Module, ev.Detail, ev.At.UnixNano(),
	)
	return err
}

// Events returns written events in order, restricted to module unless it
// is empty. A positive limit keeps only the most recent events.
func (j *Journal) Events(ctx context.Context, module string, limit int) ([]codeload.Event, error) {
	query := "SELECT kind, module, detail, at FROM events"
	var args []any
	if module != "" {
		query += " WHERE module = ?"
		args = append(args, module)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []codeload.Event
	for rows.Next() {
		var (
			kind string
			ev   codeload.Event
			at   int64
		)
		if err := rows.Scan(&kind, &ev.Module, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Kind = codeload.EventKind(kind)
		ev.At = time.Unix(0, at).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	for i, k := 0, len(events)-1; i < k; i, k = i+1, k-1 {
		events[i], events[k] = events[k], events[i]
	}
	return events, nil
}
