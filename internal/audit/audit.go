// Package audit keeps an append-only trail of operator actions: manual job
// runs, rollup replays, TTL edits and config reloads.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/tally/internal/shared"
)

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

type Entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Origin    string `json:"origin"` // "api", "cli" or "daemon"
}

var (
	mu        sync.Mutex
	file      *os.File
	failCount atomic.Int64
)

// Path is where Init writes the trail under homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(Path(homeDir)), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(Path(homeDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
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

// FailedCount returns the number of failed actions recorded since startup.
func FailedCount() int64 {
	return failCount.Load()
}

// Record appends one entry. Without Init it only counts. err, when set,
// marks the action failed and becomes the detail.
func Record(ctx context.Context, origin, action, subject string, err error) {
	outcome, detail := OutcomeOK, ""
	if err != nil {
		outcome, detail = OutcomeFailed, err.Error()
		failCount.Add(1)
	}

	ev := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   shared.Redact(subject),
		Outcome:   outcome,
		Detail:    shared.Redact(detail),
		TraceID:   shared.TraceID(ctx),
		Origin:    origin,
	}
	if ev.TraceID == "-" {
		ev.TraceID = ""
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, mErr := json.Marshal(ev)
	if mErr == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
