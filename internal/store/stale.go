package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/haasonsaas/tutorbench/pkg/models"
)

// StaleRun describes one abandoned run found by AutoCompleteStaleRuns.
type StaleRun struct {
	RunID        string
	PID          int
	LastActivity time.Time
}

// AutoCompleteStaleRuns closes runs whose recorded process is demonstrably
// dead and whose last commit is older than the idle threshold. With dryRun
// the candidates are reported but nothing is written.
func (s *Store) AutoCompleteStaleRuns(ctx context.Context, idleThreshold time.Duration, dryRun bool) ([]StaleRun, error) {
	runs, err := s.ListRuns(ctx, ListRunsFilter{Status: models.RunStatusRunning})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-idleThreshold)
	var stale []StaleRun
	for _, run := range runs {
		pid := pidFromMetadata(run.Metadata)
		if pid > 0 && processAlive(pid) {
			continue
		}

		last, err := s.lastActivity(ctx, run.ID, run.CreatedAt)
		if err != nil {
			return nil, err
		}
		if last.After(cutoff) {
			continue
		}

		stale = append(stale, StaleRun{RunID: run.ID, PID: pid, LastActivity: last})
		if dryRun {
			continue
		}

		meta := run.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta[models.MetaStaleNote] = fmt.Sprintf("auto-completed: process %d dead, idle since %s",
			pid, last.UTC().Format(time.RFC3339))
		if err := s.UpdateRun(ctx, run.ID, RunUpdate{Metadata: meta}); err != nil {
			return nil, err
		}
		if err := s.CompleteRun(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

// lastActivity is the timestamp of the run's newest result, falling back to
// run creation when no results exist.
func (s *Store) lastActivity(ctx context.Context, runID string, createdAt time.Time) (time.Time, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM results WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return createdAt, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last activity: %w", err)
	}
	return last, nil
}

func pidFromMetadata(meta map[string]any) int {
	if meta == nil {
		return 0
	}
	switch v := meta[models.MetaPID].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// processAlive reports whether a pid names a live process. Signal 0 probes
// existence without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
