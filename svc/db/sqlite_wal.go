package db

import (
	"context"
	"database/sql"
	"pastabin/svc/util"
	"time"

	"github.com/pkg/errors"
)

// truncate once the WAL holds this many pages
const truncatePages = 1000

type CheckpointResult struct {
	Busy         int
	Log          int
	Checkpointed int
	Truncated    bool
}

// StartCheckpointer checkpoints the WAL every interval until ctx ends, then
// runs one final pass. It blocks; run it in its own goroutine.
func (s *SQLite) StartCheckpointer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Checkpoint(ctx); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.Checkpoint(final); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

// Checkpoint runs a PASSIVE checkpoint, escalates to TRUNCATE when the log is
// large or readers held pages back, then verifies integrity.
func (s *SQLite) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	start := time.Now()
	var res CheckpointResult
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&res.Busy, &res.Log, &res.Checkpointed)
	if err != nil {
		return res, errors.Wrap(err, "passive checkpoint")
	}
	util.Debug().
		Int("busy", res.Busy).
		Int("log", res.Log).
		Int("checkpointed", res.Checkpointed).
		Msg("PASSIVE checkpoint result")
	if res.Log > truncatePages || res.Busy > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&res.Busy, &res.Log, &res.Checkpointed)
		if err != nil {
			return res, errors.Wrap(err, "truncate checkpoint")
		}
		res.Truncated = true
	}
	if err := verifyIntegrity(ctx, s.db); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return res, err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return res, nil
}
func verifyIntegrity(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return errors.Wrap(err, "integrity_check query failed")
	}
	if result != "ok" {
		return errors.Errorf("integrity_check returned: %s", result)
	}
	return nil
}
