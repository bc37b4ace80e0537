package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// JobState filters ListJobs by lifecycle.
type JobState string

const (
	StateAny       JobState = ""
	StatePending   JobState = "pending"   // not completed
	StateRunning   JobState = "running"   // fetched, not completed
	StateRetrying  JobState = "retrying"  // not completed, failed at least once
	StateCompleted JobState = "completed" // completed
)

// MaxListLimit caps one ListJobs page.
const MaxListLimit = 500

// ListJobsParams filters and pages ListJobs. Zero values do not filter.
type ListJobsParams struct {
	Types   []string
	Group   string
	State   JobState
	AfterID int64
	Limit   int
}

// ListJobs returns jobs in ID order, starting after p.AfterID. The payload is
// included. Caller passes Limit+1 to detect whether a next page exists.
func (s *Store) ListJobs(ctx context.Context, p ListJobsParams) ([]Job, error) {
	limit := p.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.Select(
		"id", "jobtype", "payload", `"group"`, "reference", "notbefore", "created",
		"fetched", "completed", "failed", "failure_message", "workerkey").
		From("queued_tasks").
		OrderBy("id ASC").
		Limit(uint64(limit)) //nolint:gosec // G115: clamped above

	if len(p.Types) > 0 {
		sb = sb.Where(sq.Eq{"jobtype": p.Types})
	}
	if p.Group != "" {
		sb = sb.Where(sq.Eq{`"group"`: p.Group})
	}
	if p.AfterID > 0 {
		sb = sb.Where(sq.Gt{"id": p.AfterID})
	}
	switch p.State {
	case StateAny:
	case StatePending:
		sb = sb.Where("completed IS NULL")
	case StateRunning:
		sb = sb.Where("completed IS NULL AND fetched IS NOT NULL")
	case StateRetrying:
		sb = sb.Where("completed IS NULL AND failed > 0")
	case StateCompleted:
		sb = sb.Where("completed IS NOT NULL")
	default:
		return nil, fmt.Errorf("list jobs: unknown state %q", p.State)
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(
			&j.ID, &j.JobType, &j.Payload, &j.Group, &j.Reference, &j.NotBefore, &j.Created,
			&j.Fetched, &j.Completed, &j.Failed, &j.FailureMessage, &j.WorkerKey,
		); err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		result = append(result, j)
	}
	return result, rows.Err()
}
