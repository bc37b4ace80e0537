package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/scarson/queued/internal/store"
	"github.com/scarson/queued/internal/task"
)

// JobClaimer is the store operation a Claimer needs.
type JobClaimer interface {
	ClaimJob(ctx context.Context, p store.ClaimParams) (*store.Job, error)
}

// Claimer wraps the store claim with per-process rate history. Each
// rate-limited capability gets one token bucket of burst 1 refilled every
// Rate; a type whose bucket is empty is not offered to the store.
//
// The history is local to the process. Two workers may each dispatch a type
// within one Rate window.
type Claimer struct {
	store    JobClaimer
	clock    func() time.Time
	newToken func() string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClaimer returns a Claimer over s. A nil clock means time.Now.
func NewClaimer(s JobClaimer, clock func() time.Time) *Claimer {
	if clock == nil {
		clock = time.Now
	}
	return &Claimer{
		store:    s,
		clock:    clock,
		newToken: uuid.NewString,
		limiters: make(map[string]*rate.Limiter),
	}
}

// RequestJob claims at most one job of the given capabilities, optionally
// restricted to group. Returns (nil, nil) when nothing was claimed.
func (c *Claimer) RequestJob(ctx context.Context, caps []task.Capability, group string) (*store.Job, error) {
	now := c.clock()

	c.mu.Lock()
	offered := make([]store.ClaimCapability, 0, len(caps))
	for _, cp := range caps {
		if l := c.limiter(cp); l != nil && l.TokensAt(now) < 1 {
			continue
		}
		offered = append(offered, store.ClaimCapability{
			JobType: cp.Name,
			Timeout: cp.Timeout,
			Retries: cp.Retries,
		})
	}
	c.mu.Unlock()

	if len(offered) == 0 {
		return nil, nil
	}

	job, err := c.store.ClaimJob(ctx, store.ClaimParams{
		Token:        c.newToken(),
		Group:        group,
		Capabilities: offered,
	})
	if err != nil || job == nil {
		return nil, err
	}

	c.mu.Lock()
	if l := c.limiters[job.JobType]; l != nil {
		l.AllowN(now, 1)
	}
	c.mu.Unlock()
	return job, nil
}

// limiter returns the bucket for cp, creating it on first use, or nil when
// cp is not rate limited. Callers hold c.mu.
func (c *Claimer) limiter(cp task.Capability) *rate.Limiter {
	if cp.Rate <= 0 {
		return nil
	}
	l, ok := c.limiters[cp.Name]
	if !ok {
		l = rate.NewLimiter(rate.Every(cp.Rate), 1)
		c.limiters[cp.Name] = l
	}
	return l
}
