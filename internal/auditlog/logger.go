// Package auditlog records job lifecycle events (add, start, finish, kill,
// exception, barrier-release) to SQLite in batches, trading immediate
// durability for I/O volume the way a cluster-wide job launcher can
// generate thousands of these events in a burst.
package auditlog

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Event is a single job lifecycle record.
type Event struct {
	Timestamp int64
	JobID     string
	Rank      int
	Action    string // add, start, finish, kill, exception, barrier-release
	Detail    string
}

// Logger batches Events and flushes them to SQLite either when the buffer
// reaches maxBuffer or every flushInterval, whichever comes first.
type Logger struct {
	db            *sql.DB
	maxBuffer     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []Event

	ticker   *time.Ticker
	stopChan chan struct{}
}

// NewLogger creates a logger against an already-open database; callers
// are responsible for having run EnsureSchema against it first.
func NewLogger(db *sql.DB, maxBuffer int, flushInterval time.Duration) *Logger {
	if maxBuffer <= 0 {
		maxBuffer = 200
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Logger{
		db:            db,
		maxBuffer:     maxBuffer,
		flushInterval: flushInterval,
		buffer:        make([]Event, 0, maxBuffer),
		stopChan:      make(chan struct{}),
	}
}

// EnsureSchema creates the job_events table if it does not already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS job_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		job_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		action TEXT NOT NULL,
		detail TEXT
	)`)
	if err != nil {
		return fmt.Errorf("auditlog: ensure schema: %w", err)
	}
	return nil
}

// Start begins the background flush goroutine.
func (l *Logger) Start() {
	l.ticker = time.NewTicker(l.flushInterval)
	go func() {
		for {
			select {
			case <-l.ticker.C:
				if err := l.Flush(); err != nil {
					log.Printf("auditlog: periodic flush: %v", err)
				}
			case <-l.stopChan:
				l.ticker.Stop()
				if err := l.Flush(); err != nil {
					log.Printf("auditlog: final flush: %v", err)
				}
				return
			}
		}
	}()
}

// Stop flushes any buffered events and halts the background goroutine.
func (l *Logger) Stop() {
	close(l.stopChan)
}

// Log appends event to the buffer, flushing immediately once it reaches
// maxBuffer.
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	l.buffer = append(l.buffer, event)
	needFlush := len(l.buffer) >= l.maxBuffer
	l.mu.Unlock()

	if needFlush {
		return l.Flush()
	}
	return nil
}

// Flush writes every buffered event to SQLite in one transaction.
func (l *Logger) Flush() error {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := make([]Event, len(l.buffer))
	copy(batch, l.buffer)
	l.buffer = l.buffer[:0]
	l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("auditlog: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO job_events (timestamp, job_id, rank, action, detail) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("auditlog: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(e.Timestamp, e.JobID, e.Rank, e.Action, e.Detail); err != nil {
			return fmt.Errorf("auditlog: exec: %w", err)
		}
	}
	return tx.Commit()
}
