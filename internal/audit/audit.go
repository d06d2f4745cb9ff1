// Package audit records batch cycle reports and escalation decisions to an
// append-only JSONL file, with an optional SQLite mirror for queries.
package audit

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu              sync.Mutex
	file            *os.File
	db              *sql.DB
	escalationCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// EscalationCount returns the number of escalation events recorded since
// startup.
func EscalationCount() int64 {
	return escalationCount.Load()
}

// Record appends one audit event. action names what happened
// ("cycle.completed", "escalation.created", "escalation.resolved"); outcome
// is its result; subject identifies the debate/pair; detail carries the
// serialized report or decision.
func Record(action, outcome, subject, detail string) {
	if action == "escalation.created" {
		escalationCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Action:    action,
			Outcome:   outcome,
			Subject:   subject,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.Exec(`
			INSERT INTO audit_log (action, outcome, subject, detail, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, action, outcome, subject, detail)
	}
}
