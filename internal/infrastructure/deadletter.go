// services/sensor/internal/infrastructure/deadletter.go
package infrastructure

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DeadLetterEntry is one parked queue message with the context needed to
// replay it by hand.
type DeadLetterEntry struct {
	Timestamp     time.Time       `json:"timestamp"`
	Reason        string          `json:"reason"`
	DeliveryCount uint32          `json:"delivery_count"`
	Payload       json.RawMessage `json:"payload"`
}

// DeadLetterLog is an append-only JSON-lines file of queue messages that
// exhausted their redeliveries. It is the terminal stop for a poisoned
// message; nothing is dropped silently.
type DeadLetterLog struct {
	path    string
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewDeadLetterLog opens or creates the dead-letter file.
func NewDeadLetterLog(path string) (*DeadLetterLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}

	return &DeadLetterLog{
		path:    path,
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// Append parks one message. The write is synced so an immediately following
// crash cannot lose the only copy of the payload.
func (l *DeadLetterLog) Append(entry DeadLetterEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := l.encoder.Encode(entry); err != nil {
		return fmt.Errorf("failed to append dead-letter entry: %w", err)
	}
	return l.file.Sync()
}

// Path returns the log file location.
func (l *DeadLetterLog) Path() string {
	return l.path
}

// Close closes the underlying file.
func (l *DeadLetterLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
