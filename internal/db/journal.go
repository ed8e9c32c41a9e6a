package db

import (
	"database/sql"
	"log/slog"
)

// Journal records events under a fixed root. Write failures are logged
// and never interrupt the caller.
type Journal interface {
	Log(parentID *int64, eventType string, payload map[string]any) *int64
	Root() *int64
}

// SQLJournal writes events to the events table.
type SQLJournal struct {
	db     *sql.DB
	root   *int64
	logger *slog.Logger
}

// NewJournal logs a process.started root event with the given payload and
// returns a journal whose events default to that root.
func NewJournal(db *sql.DB, payload map[string]any, logger *slog.Logger) (*SQLJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := LogEvent(db, nil, EventProcessStarted, payload)
	if err != nil {
		return nil, err
	}
	return &SQLJournal{db: db, root: &id, logger: logger}, nil
}

func (j *SQLJournal) Root() *int64 {
	return j.root
}

// Log writes an event. A nil parentID attaches it to the root. It returns
// the new event id, or nil if the write failed.
func (j *SQLJournal) Log(parentID *int64, eventType string, payload map[string]any) *int64 {
	if parentID == nil {
		parentID = j.root
	}
	id, err := LogEvent(j.db, parentID, eventType, payload)
	if err != nil {
		j.logger.Warn("journal write failed", "event_type", eventType, "err", err)
		return nil
	}
	return &id
}

// NopJournal discards events.
type NopJournal struct{}

func (NopJournal) Log(*int64, string, map[string]any) *int64 { return nil }
func (NopJournal) Root() *int64                              { return nil }
