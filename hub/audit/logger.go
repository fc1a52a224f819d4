// Package audit records instance lifecycle events in a SQLite table so
// operators can reconstruct what happened to an instance after the fact.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType represents the type of audit event
type EventType string

const (
	EventInstanceStarted     EventType = "instance_started"
	EventInstanceStopped     EventType = "instance_stopped"
	EventInstanceCrashed     EventType = "instance_crashed"
	EventInstanceStartFailed EventType = "instance_start_failed"
)

// Event represents an audit log entry in the database
type Event struct {
	ID           string `db:"id"`
	EventType    string `db:"event_type"`
	Timestamp    int64  `db:"timestamp"`
	InstanceName string `db:"instance_name"`
	Port         *int   `db:"port"` // Nullable for events without a listener
	StorageMode  string `db:"storage_mode"`
	PID          *int   `db:"pid"` // Nullable for events without a subprocess
	Detail       string `db:"detail"`
}

// Logger handles audit logging for instance lifecycle events
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS instance_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		instance_name TEXT NOT NULL,
		port INTEGER,
		storage_mode TEXT,
		pid INTEGER,
		detail TEXT
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_timestamp ON instance_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_name ON instance_events(instance_name)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_event_type ON instance_events(event_type)`)
	return err
}

// insertEvent is a helper method to insert an audit event into the database
func (l *Logger) insertEvent(event *Event) error {
	_, err := l.db.Exec(`
		INSERT INTO instance_events (
			id, event_type, timestamp, instance_name,
			port, storage_mode, pid, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.InstanceName,
		event.Port,
		event.StorageMode,
		event.PID,
		event.Detail,
	)
	return err
}

// LogInstanceStarted logs a successful instance start
func (l *Logger) LogInstanceStarted(name string, port int, storageMode string, pid int) error {
	event := &Event{
		ID:           uuid.New().String(),
		EventType:    string(EventInstanceStarted),
		Timestamp:    time.Now().UTC().Unix(),
		InstanceName: name,
		Port:         &port,
		StorageMode:  storageMode,
		PID:          &pid,
	}
	return l.insertEvent(event)
}

// LogInstanceStopped logs an explicit instance stop
func (l *Logger) LogInstanceStopped(name string) error {
	event := &Event{
		ID:           uuid.New().String(),
		EventType:    string(EventInstanceStopped),
		Timestamp:    time.Now().UTC().Unix(),
		InstanceName: name,
	}
	return l.insertEvent(event)
}

// LogInstanceCrashed logs an engine subprocess dying under a running instance
func (l *Logger) LogInstanceCrashed(name string, detail string) error {
	event := &Event{
		ID:           uuid.New().String(),
		EventType:    string(EventInstanceCrashed),
		Timestamp:    time.Now().UTC().Unix(),
		InstanceName: name,
		Detail:       detail,
	}
	return l.insertEvent(event)
}

// LogInstanceStartFailed logs a start that failed validation or launch
func (l *Logger) LogInstanceStartFailed(name string, detail string) error {
	event := &Event{
		ID:           uuid.New().String(),
		EventType:    string(EventInstanceStartFailed),
		Timestamp:    time.Now().UTC().Unix(),
		InstanceName: name,
		Detail:       detail,
	}
	return l.insertEvent(event)
}

// GetEventsByInstance retrieves audit events for a specific instance name
func (l *Logger) GetEventsByInstance(name string, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM instance_events WHERE instance_name = $1 ORDER BY timestamp DESC LIMIT $2",
		name, limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM instance_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM instance_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).Unix()
	result, err := l.db.Exec("DELETE FROM instance_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
