package engine

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulse-backend/internal/store"
)

const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// EventEntry is one append-only audit record. Entries are a sink: nothing
// reads them back into control flow.
type EventEntry struct {
	InstanceID string
	TenantID   string
	EventType  string
	Severity   string
	Message    string
	Details    map[string]any
}

// EventLogger collects entries in memory and periodically flushes them to
// _event_logs in a batch insert. Logging must never block or fail the write
// path, so flush errors are logged and dropped.
type EventLogger struct {
	mu      sync.Mutex
	entries []EventEntry
	store   *store.Store
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
}

// NewEventLogger creates a logger that flushes on a timer or when full.
func NewEventLogger(s *store.Store, maxSize int, flushInterval time.Duration) *EventLogger {
	el := &EventLogger{
		store:   s,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	el.ticker = time.NewTicker(flushInterval)
	go el.run()
	return el
}

func (el *EventLogger) run() {
	for {
		select {
		case <-el.done:
			return
		case <-el.ticker.C:
			el.Flush()
		}
	}
}

// Log adds an entry to the buffer. If the buffer is full, a flush is
// triggered asynchronously.
func (el *EventLogger) Log(entry EventEntry) {
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	el.mu.Lock()
	el.entries = append(el.entries, entry)
	shouldFlush := len(el.entries) >= el.maxSize
	el.mu.Unlock()
	if shouldFlush {
		go el.Flush()
	}
}

// Flush writes all buffered entries to the database in a single batch insert.
func (el *EventLogger) Flush() {
	el.mu.Lock()
	if len(el.entries) == 0 {
		el.mu.Unlock()
		return
	}
	batch := el.entries
	el.entries = nil
	el.mu.Unlock()

	ctx := context.Background()
	pb := el.store.Dialect.NewParamBuilder()
	var tuples []string
	for _, e := range batch {
		var detailsJSON any
		if e.Details != nil {
			b, _ := json.Marshal(e.Details)
			detailsJSON = string(b)
		}
		tuples = append(tuples, "("+strings.Join([]string{
			pb.Add(uuid.New().String()),
			pb.Add(e.InstanceID),
			pb.Add(e.TenantID),
			pb.Add(e.EventType),
			pb.Add(e.Severity),
			pb.Add(e.Message),
			pb.Add(detailsJSON),
		}, ",")+")")
	}

	sqlStr := "INSERT INTO _event_logs (id, instance_id, tenant_id, event_type, severity, message, details) VALUES " +
		strings.Join(tuples, ",")
	if _, err := store.Exec(ctx, el.store.DB, sqlStr, pb.Params()...); err != nil {
		log.Printf("ERROR: event log flush of %d entries: %v", len(batch), err)
	}
}

// Stop halts the background ticker and flushes remaining entries.
func (el *EventLogger) Stop() {
	el.ticker.Stop()
	close(el.done)
	el.Flush()
}
