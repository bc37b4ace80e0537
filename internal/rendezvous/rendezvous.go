// Package rendezvous lets a producer wait for a value that a job handler
// publishes later. The producer generates a key, passes it in the job
// payload and blocks on GetValue; the handler calls SetValue with the result.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/queued/internal/store"
)

// KeyLength is the length of every generated key.
const KeyLength = 32

// maxGenerateAttempts bounds retries after a key collision.
const maxGenerateAttempts = 5

// DefaultPollInterval is used unless WithPollInterval overrides it.
const DefaultPollInterval = time.Second

var ErrInvalidKey = errors.New("rendezvous: invalid key")

// Store is the slot persistence the rendezvous needs.
type Store interface {
	CreateResponse(ctx context.Context, key string) error
	SetResponseValue(ctx context.Context, key string, value []byte) error
	GetResponseValue(ctx context.Context, key string) ([]byte, error)
	DeleteResponse(ctx context.Context, key string) error
}

// Rendezvous issues keys and moves values through response slots.
type Rendezvous struct {
	store        Store
	pollInterval time.Duration
	newKey       func() string
}

// Option configures a Rendezvous.
type Option func(*Rendezvous)

// WithPollInterval sets how often a blocking GetValue re-reads the slot.
func WithPollInterval(d time.Duration) Option {
	return func(r *Rendezvous) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// New returns a Rendezvous over s.
func New(s Store, opts ...Option) *Rendezvous {
	r := &Rendezvous{
		store:        s,
		pollInterval: DefaultPollInterval,
		newKey:       randomKey,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// randomKey returns 32 lowercase hex characters from a v4 UUID.
func randomKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Generate creates an empty slot under a fresh random key and returns the key.
func (r *Rendezvous) Generate(ctx context.Context) (string, error) {
	for range maxGenerateAttempts {
		key := r.newKey()
		err := r.store.CreateResponse(ctx, key)
		if errors.Is(err, store.ErrDuplicateResponseKey) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("generate response key: %w", err)
		}
		return key, nil
	}
	return "", fmt.Errorf("generate response key: %d collisions in a row", maxGenerateAttempts)
}

// SetValue JSON-encodes value into the slot, replacing any previous value.
func (r *Rendezvous) SetValue(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode response value: %w", err)
	}
	err = r.store.SetResponseValue(ctx, key, b)
	if errors.Is(err, store.ErrResponseNotFound) {
		return fmt.Errorf("set %q: %w", key, ErrInvalidKey)
	}
	if err != nil {
		return fmt.Errorf("set response value: %w", err)
	}
	return nil
}

// GetValue returns the slot's value. Without block it reads once and returns
// a nil value if nothing is set yet. With block it polls until a value is set,
// the key disappears or ctx is done.
func (r *Rendezvous) GetValue(ctx context.Context, key string, block bool) (json.RawMessage, error) {
	v, err := r.get(ctx, key)
	if err != nil || v != nil || !block {
		return v, err
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			v, err := r.get(ctx, key)
			if err != nil || v != nil {
				return v, err
			}
		}
	}
}

// Release deletes the slot once the producer is done with it. Releasing an
// unknown key is not an error.
func (r *Rendezvous) Release(ctx context.Context, key string) error {
	if err := r.store.DeleteResponse(ctx, key); err != nil {
		return fmt.Errorf("release response: %w", err)
	}
	return nil
}

func (r *Rendezvous) get(ctx context.Context, key string) (json.RawMessage, error) {
	v, err := r.store.GetResponseValue(ctx, key)
	if errors.Is(err, store.ErrResponseNotFound) {
		return nil, fmt.Errorf("get %q: %w", key, ErrInvalidKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get response value: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	return json.RawMessage(v), nil
}
