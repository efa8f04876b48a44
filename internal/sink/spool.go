// Package sink persists attempt results for later upload. The engine runs
// next to the candidate, so submissions are spooled locally as JSON lines
// and shipped by whatever sync mechanism the deployment uses.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"proctord/internal/guard"
	"proctord/internal/violation"
)

// Record is one spooled submission.
type Record struct {
	Identity    string                 `json:"identity"`
	Status      string                 `json:"status"` // "success" or "failure"
	Reason      string                 `json:"reason,omitempty"`
	Results     []guard.QuestionResult `json:"results,omitempty"`
	Violations  []violation.Violation  `json:"violations,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// Spool appends submissions to a JSON-lines file.
type Spool struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewSpool creates a spool writing to path. The parent directory is
// created on first write.
func NewSpool(path string, logger *slog.Logger) *Spool {
	return &Spool{
		path:   path,
		logger: logger.With("component", "sink"),
	}
}

// SubmitFailure spools a failed attempt with its partial results and
// violation log.
func (s *Spool) SubmitFailure(ctx context.Context, identity string, partial []guard.QuestionResult, reason string, log []violation.Violation) error {
	return s.append(Record{
		Identity:    identity,
		Status:      "failure",
		Reason:      reason,
		Results:     partial,
		Violations:  log,
		SubmittedAt: time.Now(),
	})
}

// SubmitSuccess spools a completed attempt.
func (s *Spool) SubmitSuccess(ctx context.Context, identity string, results []guard.QuestionResult) error {
	return s.append(Record{
		Identity:    identity,
		Status:      "success",
		Results:     results,
		SubmittedAt: time.Now(),
	})
}

func (s *Spool) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync spool: %w", err)
	}

	s.logger.Info("submission spooled", "identity", rec.Identity, "status", rec.Status)
	return nil
}

// Read returns all spooled records.
func Read(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var out []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
