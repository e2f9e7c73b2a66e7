package flash

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// opLogEntry is one line of the append-only operation log: {ts, session_id,
// phase, event, detail}.
type opLogEntry struct {
	Timestamp string `json:"ts"`
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
}

// OpLog is an append-only JSON-lines writer for flash session history,
// independent of the in-memory progress Events channel: it survives the
// process and is meant for post-hoc audit of what a session did.
type OpLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenOpLog opens (creating if necessary) the JSON-lines log file at path
// for appending.
func OpenOpLog(path string) (*OpLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flash: open oplog %s: %w", path, err)
	}
	return &OpLog{f: f}, nil
}

// Append writes one entry, time-stamped by the caller (this package never
// calls time.Now directly so session replay stays deterministic in tests).
func (l *OpLog) Append(timestamp, sessionID, phase, event, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	line, err := json.Marshal(opLogEntry{
		Timestamp: timestamp,
		SessionID: sessionID,
		Phase:     phase,
		Event:     event,
		Detail:    detail,
	})
	if err != nil {
		return fmt.Errorf("flash: marshal oplog entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("flash: write oplog entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *OpLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
