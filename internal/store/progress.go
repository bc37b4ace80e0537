package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// ProgressStatus is the derived lifecycle state of a job.
type ProgressStatus string

const (
	StatusNotReady   ProgressStatus = "NOT_READY"
	StatusNotStarted ProgressStatus = "NOT_STARTED"
	StatusInProgress ProgressStatus = "IN_PROGRESS"
	StatusFailed     ProgressStatus = "FAILED"
	StatusCompleted  ProgressStatus = "COMPLETED"
	StatusUnknown    ProgressStatus = "UNKNOWN"
)

// progressStatusExpr mirrors the ProgressStatus derivation; the first
// matching branch wins.
const progressStatusExpr = `CASE
    WHEN qt.notbefore > ? THEN 'NOT_READY'
    WHEN qt.fetched IS NULL THEN 'NOT_STARTED'
    WHEN qt.completed IS NULL AND qt.failed = 0 THEN 'IN_PROGRESS'
    WHEN qt.completed IS NULL AND qt.failed > 0 THEN 'FAILED'
    WHEN qt.completed IS NOT NULL THEN 'COMPLETED'
    ELSE 'UNKNOWN'
END AS status`

// ProgressParams filters a progress report. Empty fields do not filter.
type ProgressParams struct {
	References []string
	Exclude    []string
	Group      string
}

// JobProgress is one row of a progress report.
type JobProgress struct {
	ID             int64          `bun:"id"`
	JobType        string         `bun:"jobtype"`
	Reference      *string        `bun:"reference"`
	Status         ProgressStatus `bun:"status"`
	FailureMessage *string        `bun:"failure_message"`
}

// Progress reports the status of every job matching p, in ID order. A job
// whose reference is NULL never matches Exclude.
func (s *Store) Progress(ctx context.Context, p ProgressParams) ([]JobProgress, error) {
	q := s.bun.NewSelect().
		Model((*Job)(nil)).
		Column("id", "jobtype", "reference", "failure_message").
		ColumnExpr(progressStatusExpr, s.Now()).
		OrderExpr("qt.id ASC")
	if len(p.References) > 0 {
		q = q.Where("qt.reference IN (?)", bun.In(p.References))
	}
	if len(p.Exclude) > 0 {
		q = q.Where("qt.reference NOT IN (?)", bun.In(p.Exclude))
	}
	if p.Group != "" {
		q = q.Where(`qt."group" = ?`, p.Group)
	}

	var rows []JobProgress
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("job progress: %w", err)
	}
	return rows, nil
}
