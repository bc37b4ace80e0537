package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/uptrace/bun"
)

// RestartMarker is written to failure_message when a job is reclaimed after
// its previous claimant exceeded the type's timeout.
const RestartMarker = "Restart after timeout"

// candidateLimit bounds how many eligible rows a single claim races for.
const candidateLimit = 3

var (
	ErrEmptyJobType   = errors.New("store: job type must not be empty")
	ErrEmptyWorkerKey = errors.New("store: worker key must not be empty")

	// ErrClaimLost is returned by MarkJobDone and MarkJobFailed when the job
	// is no longer held by the given worker key: it was reclaimed by another
	// worker, already completed, or does not exist.
	ErrClaimLost = errors.New("store: job is not held by this worker key")
)

// Job is one row of the queued_tasks table.
type Job struct {
	bun.BaseModel `bun:"table:queued_tasks,alias:qt"`

	ID             int64      `bun:"id,pk,autoincrement"`
	JobType        string     `bun:"jobtype,notnull"`
	Payload        []byte     `bun:"payload,notnull"`
	Group          *string    `bun:"group"`
	Reference      *string    `bun:"reference"`
	NotBefore      time.Time  `bun:"notbefore,notnull"`
	Created        time.Time  `bun:"created,notnull"`
	Fetched        *time.Time `bun:"fetched"`
	Completed      *time.Time `bun:"completed"`
	Failed         int        `bun:"failed,notnull"`
	FailureMessage *string    `bun:"failure_message"`
	WorkerKey      *string    `bun:"workerkey"`

	// Reclaimed is set on a claimed job whose previous claim had timed out.
	Reclaimed bool `bun:"-"`
}

// Pending reports whether the job has not been completed yet.
func (j *Job) Pending() bool { return j.Completed == nil }

// CreateJobParams describes a job to enqueue.
type CreateJobParams struct {
	Type    string
	Payload []byte
	// NotBefore defaults to now plus Delay when nil.
	NotBefore *time.Time
	Delay     time.Duration
	// Group and Reference are stored as NULL when empty.
	Group     string
	Reference string
}

// CreateJob inserts a new pending job and returns its ID.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (int64, error) {
	if strings.TrimSpace(p.Type) == "" {
		return 0, ErrEmptyJobType
	}
	now := s.Now()
	notBefore := now.Add(p.Delay)
	if p.NotBefore != nil {
		notBefore = p.NotBefore.UTC().Truncate(time.Microsecond)
	}
	payload := p.Payload
	if payload == nil {
		payload = []byte{}
	}

	job := &Job{
		JobType:   p.Type,
		Payload:   payload,
		Group:     nilIfEmpty(p.Group),
		Reference: nilIfEmpty(p.Reference),
		NotBefore: notBefore,
		Created:   now,
	}
	if _, err := s.bun.NewInsert().Model(job).Returning("id").Exec(ctx); err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}
	return job.ID, nil
}

// GetJob returns the job with the given ID, or (nil, nil) if it does not exist.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	job := new(Job)
	err := s.bun.NewSelect().Model(job).Where("qt.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ClaimCapability is the part of a worker capability the claim predicate needs.
type ClaimCapability struct {
	JobType string
	Timeout time.Duration
	Retries int
}

// ClaimParams describes one claim attempt.
type ClaimParams struct {
	// Token is the fresh claim token written to workerkey.
	Token string
	// Group restricts the claim to jobs of that group when non-empty.
	Group        string
	Capabilities []ClaimCapability
}

// claimCandidatesSQL selects up to three eligible job IDs across all offered
// capabilities, longest wait first.
const claimCandidatesSQL = `
WITH caps AS (
    SELECT *
    FROM unnest($2::text[], $3::timestamptz[], $4::int[]) AS c(jobtype, cutoff, max_failed)
)
SELECT t.id
FROM queued_tasks t
JOIN caps c ON c.jobtype = t.jobtype
WHERE t.completed IS NULL
  AND ($5::text IS NULL OR t."group" = $5::text)
  AND t.notbefore <= $1::timestamptz
  AND (t.fetched IS NULL OR t.fetched <= c.cutoff)
  AND t.failed < c.max_failed
ORDER BY ($1::timestamptz - t.notbefore) DESC, t.id ASC
LIMIT $6`

// claimUpdateSQL claims exactly one of the candidate rows. The row is
// re-checked under FOR UPDATE SKIP LOCKED, so concurrent claimers can never
// both win it. A row that was already fetched is a reclaim and has its
// failure counter bumped in the same statement.
const claimUpdateSQL = `
WITH caps AS (
    SELECT *
    FROM unnest($2::text[], $3::timestamptz[]) AS c(jobtype, cutoff)
),
target AS (
    SELECT t.id, t.fetched IS NOT NULL AS reclaimed
    FROM queued_tasks t
    JOIN caps c ON c.jobtype = t.jobtype
    WHERE t.id = ANY($4::bigint[])
      AND t.completed IS NULL
      AND (t.workerkey IS NULL OR t.fetched <= c.cutoff)
    ORDER BY ($1::timestamptz - t.notbefore) DESC, t.id ASC
    LIMIT 1
    FOR UPDATE OF t SKIP LOCKED
)
UPDATE queued_tasks q
SET workerkey       = $5,
    fetched         = $1::timestamptz,
    failed          = CASE WHEN target.reclaimed THEN q.failed + 1 ELSE q.failed END,
    failure_message = CASE WHEN target.reclaimed THEN $6 ELSE q.failure_message END
FROM target
WHERE q.id = target.id
RETURNING q.id, q.jobtype, q.payload, q."group", q.reference, q.notbefore, q.created,
          q.fetched, q.completed, q.failed, q.failure_message, q.workerkey, target.reclaimed`

// ClaimJob atomically claims at most one eligible job for the offered
// capabilities and returns it, or (nil, nil) when nothing was won.
//
// Candidates are read first; the claim itself is a single conditional UPDATE
// restricted to those candidates. Another worker may win some or all of them
// between the two statements, in which case the UPDATE touches a different
// candidate or nothing at all.
func (s *Store) ClaimJob(ctx context.Context, p ClaimParams) (*Job, error) {
	if p.Token == "" {
		return nil, ErrEmptyWorkerKey
	}
	if len(p.Capabilities) == 0 {
		return nil, nil
	}

	now := s.Now()
	types := make([]string, len(p.Capabilities))
	cutoffs := make([]time.Time, len(p.Capabilities))
	maxFailed := make([]int32, len(p.Capabilities))
	for i, c := range p.Capabilities {
		types[i] = c.JobType
		cutoffs[i] = now.Add(-c.Timeout)
		maxFailed[i] = int32(c.Retries) + 1
	}

	rows, err := s.pool.Query(ctx, claimCandidatesSQL,
		now, types, cutoffs, maxFailed, nilIfEmpty(p.Group), candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var job Job
	err = s.pool.QueryRow(ctx, claimUpdateSQL,
		now, types, cutoffs, ids, p.Token, RestartMarker,
	).Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Group,
		&job.Reference,
		&job.NotBefore,
		&job.Created,
		&job.Fetched,
		&job.Completed,
		&job.Failed,
		&job.FailureMessage,
		&job.WorkerKey,
		&job.Reclaimed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// MarkJobDone completes the job if workerKey still holds it. Completion is
// terminal; a second call returns ErrClaimLost.
func (s *Store) MarkJobDone(ctx context.Context, id int64, workerKey string) error {
	if workerKey == "" {
		return ErrEmptyWorkerKey
	}
	res, err := s.bun.NewUpdate().
		Model((*Job)(nil)).
		Set("completed = ?", s.Now()).
		Where("id = ?", id).
		Where("workerkey = ?", workerKey).
		Where("completed IS NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark job %d done: %w", id, err)
	}
	return expectOneRow(res, id)
}

// MarkJobFailed increments the failure counter and overwrites the failure
// message (NULL when message is empty) if workerKey still holds the job. The
// claim itself is left in place, so the job becomes claimable again once its
// timeout has elapsed and it is still within its retry limit.
func (s *Store) MarkJobFailed(ctx context.Context, id int64, workerKey, message string) error {
	if workerKey == "" {
		return ErrEmptyWorkerKey
	}
	res, err := s.bun.NewUpdate().
		Model((*Job)(nil)).
		Set("failed = failed + 1").
		Set("failure_message = ?", nilIfEmpty(message)).
		Where("id = ?", id).
		Where("workerkey = ?", workerKey).
		Where("completed IS NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}
	return expectOneRow(res, id)
}

func expectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job %d rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrClaimLost)
	}
	return nil
}

// GetLength returns the number of pending jobs, optionally of one type.
func (s *Store) GetLength(ctx context.Context, jobType string) (int, error) {
	q := s.bun.NewSelect().Model((*Job)(nil)).Where("qt.completed IS NULL")
	if jobType != "" {
		q = q.Where("qt.jobtype = ?", jobType)
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// GetTypes returns every job type present in the table, sorted.
func (s *Store) GetTypes(ctx context.Context) ([]string, error) {
	var types []string
	err := s.bun.NewSelect().
		Model((*Job)(nil)).
		ColumnExpr("qt.jobtype").
		GroupExpr("qt.jobtype").
		OrderExpr("qt.jobtype ASC").
		Scan(ctx, &types)
	if err != nil {
		return nil, fmt.Errorf("list job types: %w", err)
	}
	return types, nil
}

// TypeStats aggregates completed jobs of one type still present in the table.
type TypeStats struct {
	JobType   string
	Completed int64
	// AvgLifetime is completed - created.
	AvgLifetime time.Duration
	// AvgRuntime is completed - fetched.
	AvgRuntime time.Duration
	// AvgFetchDelay is fetched - notbefore.
	AvgFetchDelay time.Duration
}

type typeStatsRow struct {
	JobType    string  `bun:"jobtype"`
	Num        int64   `bun:"num"`
	AllTime    float64 `bun:"alltime"`
	Runtime    float64 `bun:"runtime"`
	FetchDelay float64 `bun:"fetchdelay"`
}

// GetStats returns per-type aggregates over completed jobs, sorted by type.
func (s *Store) GetStats(ctx context.Context) ([]TypeStats, error) {
	var rows []typeStatsRow
	err := s.bun.NewSelect().
		Model((*Job)(nil)).
		ColumnExpr("qt.jobtype AS jobtype").
		ColumnExpr("count(qt.id) AS num").
		ColumnExpr("COALESCE(AVG(EXTRACT(EPOCH FROM (qt.completed - qt.created))), 0)::float8 AS alltime").
		ColumnExpr("COALESCE(AVG(EXTRACT(EPOCH FROM (qt.completed - qt.fetched))), 0)::float8 AS runtime").
		ColumnExpr("COALESCE(AVG(EXTRACT(EPOCH FROM (qt.fetched - qt.notbefore))), 0)::float8 AS fetchdelay").
		Where("qt.completed IS NOT NULL").
		GroupExpr("qt.jobtype").
		OrderExpr("qt.jobtype ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	stats := make([]TypeStats, len(rows))
	for i, r := range rows {
		stats[i] = TypeStats{
			JobType:       r.JobType,
			Completed:     r.Num,
			AvgLifetime:   secondsToDuration(r.AllTime),
			AvgRuntime:    secondsToDuration(r.Runtime),
			AvgFetchDelay: secondsToDuration(r.FetchDelay),
		}
	}
	return stats, nil
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// CleanOldJobs deletes jobs completed more than horizon ago and returns the
// number of rows removed. Pending jobs are never touched.
func (s *Store) CleanOldJobs(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := s.Now().Add(-horizon)
	res, err := s.bun.NewDelete().
		Model((*Job)(nil)).
		Where("completed IS NOT NULL").
		Where("completed < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("clean old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clean old jobs: %w", err)
	}
	return n, nil
}

// deleteDuplicatesSQL keeps the oldest of each set of unclaimed pending jobs
// sharing a type and payload.
const deleteDuplicatesSQL = `
DELETE FROM queued_tasks d
USING queued_tasks k
WHERE d.completed IS NULL
  AND d.fetched IS NULL
  AND k.completed IS NULL
  AND d.jobtype = k.jobtype
  AND d.payload = k.payload
  AND d.id > k.id`

// DeleteDuplicatePendingJobs removes unclaimed pending jobs that duplicate an
// older pending job of the same type and payload. Returns the number removed.
func (s *Store) DeleteDuplicatePendingJobs(ctx context.Context) (int64, error) {
	res, err := s.bun.ExecContext(ctx, deleteDuplicatesSQL)
	if err != nil {
		return 0, fmt.Errorf("delete duplicate jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete duplicate jobs: %w", err)
	}
	return n, nil
}
