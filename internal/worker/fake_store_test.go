package worker_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scarson/queued/internal/store"
)

// fakeStore is an in-memory JobStore following the same claim rules as the
// SQL implementation.
type fakeStore struct {
	mu     sync.Mutex
	clock  func() time.Time
	jobs   []*store.Job
	nextID int64

	claimErr   error
	loseClaims bool
	claims     [][]store.ClaimCapability
	cleanups   []time.Duration
	cleanErr   error
	// onCleanup runs at the start of every CleanOldJobs call.
	onCleanup func()
}

func newFakeStore(clock func() time.Time) *fakeStore {
	return &fakeStore{clock: clock}
}

func (f *fakeStore) add(jobType, payload string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	now := f.clock()
	f.jobs = append(f.jobs, &store.Job{
		ID:        f.nextID,
		JobType:   jobType,
		Payload:   []byte(payload),
		NotBefore: now,
		Created:   now,
	})
	return f.nextID
}

func (f *fakeStore) get(id int64) store.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			return *j
		}
	}
	panic(fmt.Sprintf("no job %d", id))
}

func (f *fakeStore) ClaimJob(_ context.Context, p store.ClaimParams) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, p.Capabilities)
	if f.claimErr != nil {
		return nil, f.claimErr
	}

	now := f.clock()
	var best *store.Job
	for _, j := range f.jobs {
		if j.Completed != nil || j.NotBefore.After(now) {
			continue
		}
		if p.Group != "" && (j.Group == nil || *j.Group != p.Group) {
			continue
		}
		eligible := false
		for _, c := range p.Capabilities {
			if c.JobType != j.JobType || j.Failed >= c.Retries+1 {
				continue
			}
			if j.Fetched == nil || !j.Fetched.After(now.Add(-c.Timeout)) {
				eligible = true
			}
		}
		if !eligible {
			continue
		}
		if best == nil || j.NotBefore.Before(best.NotBefore) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Reclaimed = best.Fetched != nil
	if best.Reclaimed {
		best.Failed++
		msg := store.RestartMarker
		best.FailureMessage = &msg
	}
	token := p.Token
	fetched := now
	best.WorkerKey = &token
	best.Fetched = &fetched
	out := *best
	return &out, nil
}

func (f *fakeStore) held(id int64, key string) (*store.Job, error) {
	for _, j := range f.jobs {
		if j.ID == id && j.Completed == nil && j.WorkerKey != nil && *j.WorkerKey == key && !f.loseClaims {
			return j, nil
		}
	}
	return nil, fmt.Errorf("job %d: %w", id, store.ErrClaimLost)
}

func (f *fakeStore) MarkJobDone(_ context.Context, id int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.held(id, key)
	if err != nil {
		return err
	}
	now := f.clock()
	j.Completed = &now
	return nil
}

func (f *fakeStore) MarkJobFailed(_ context.Context, id int64, key, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.held(id, key)
	if err != nil {
		return err
	}
	j.Failed++
	j.FailureMessage = &message
	return nil
}

func (f *fakeStore) CleanOldJobs(ctx context.Context, horizon time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, horizon)
	if f.onCleanup != nil {
		f.onCleanup()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.cleanErr != nil {
		return 0, f.cleanErr
	}
	cutoff := f.clock().Add(-horizon)
	kept := f.jobs[:0]
	var n int64
	for _, j := range f.jobs {
		if j.Completed != nil && j.Completed.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, j)
	}
	f.jobs = kept
	return n, nil
}
