// Package task maps job type names to the handlers that execute them and to
// the per-type limits the claimer enforces.
//
// Handlers are registered once at startup; the worker asks the registry for
// its capabilities on every poll and looks up the handler for each claimed
// job by type name.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyName     = errors.New("task: name must not be empty")
	ErrDuplicateTask = errors.New("task: already registered")
	ErrUnknownTask   = errors.New("task: not registered")
)

// Handler executes one job. A nil return marks the job done; a non-nil
// error marks it failed with the error text as failure message.
type Handler interface {
	Run(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Capability is a job type a worker can execute plus its limits.
type Capability struct {
	Name string
	// Timeout is how long a claim stays exclusive before the job may be
	// reclaimed by another worker.
	Timeout time.Duration
	// Retries bounds automatic retries: the job stays claimable while its
	// failure count is at most Retries.
	Retries int
	// Rate is the minimum interval between two dispatches of this type by one
	// worker process. Zero means unlimited.
	Rate time.Duration
}

// DefaultTimeout replaces a zero Defaults.Timeout.
const DefaultTimeout = 120 * time.Second

// Defaults are applied to capabilities registered without explicit limits.
type Defaults struct {
	Timeout time.Duration
	Retries int
}

// Option overrides a default for one registration.
type Option func(*Capability)

func WithTimeout(d time.Duration) Option { return func(c *Capability) { c.Timeout = d } }
func WithRetries(n int) Option           { return func(c *Capability) { c.Retries = n } }
func WithRate(d time.Duration) Option    { return func(c *Capability) { c.Rate = d } }

type entry struct {
	capability Capability
	handler    Handler
}

// Registry holds the handlers known to one worker process.
type Registry struct {
	defaults Defaults

	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry using d for unset limits.
func NewRegistry(d Defaults) *Registry {
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	return &Registry{defaults: d, entries: make(map[string]entry)}
}

// Register adds h under name. Names are case-sensitive and must be unique.
func (r *Registry) Register(name string, h Handler, opts ...Option) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", name)
	}
	c := Capability{Name: name, Timeout: r.defaults.Timeout, Retries: r.defaults.Retries}
	for _, opt := range opts {
		opt(&c)
	}
	// A zero timeout would make every claim immediately reclaimable.
	if c.Timeout <= 0 {
		return fmt.Errorf("register %q: timeout must be positive, got %s", name, c.Timeout)
	}
	if c.Retries < 0 || c.Rate < 0 {
		return fmt.Errorf("register %q: negative limit", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateTask)
	}
	r.entries[name] = entry{capability: c, handler: h}
	return nil
}

// MustRegister is Register that panics on error, for static wiring in main.
func (r *Registry) MustRegister(name string, h Handler, opts ...Option) {
	if err := r.Register(name, h, opts...); err != nil {
		panic(err)
	}
}

// Capabilities returns every registered capability sorted by name.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	caps := make([]Capability, 0, len(r.entries))
	for _, e := range r.entries {
		caps = append(caps, e.capability)
	}
	r.mu.RUnlock()

	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("lookup %q: %w", name, ErrUnknownTask)
	}
	return e.handler, nil
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
