package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

var (
	ErrEmptyResponseKey     = errors.New("store: response key must not be empty")
	ErrDuplicateResponseKey = errors.New("store: response key already exists")
	ErrResponseNotFound     = errors.New("store: response key not found")
)

// Response is a single-value rendezvous slot keyed by an opaque string.
type Response struct {
	bun.BaseModel `bun:"table:queued_task_responses,alias:qr"`

	ID      int64     `bun:"id,pk,autoincrement"`
	Key     string    `bun:"key,notnull"`
	Value   []byte    `bun:"value"`
	Created time.Time `bun:"created,notnull"`
}

// CreateResponse inserts an empty slot for key. Returns ErrDuplicateResponseKey
// if the key is already taken.
func (s *Store) CreateResponse(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyResponseKey
	}
	r := &Response{Key: key, Created: s.Now()}
	_, err := s.bun.NewInsert().Model(r).ExcludeColumn("value").Exec(ctx)
	if isUniqueViolation(err) {
		return ErrDuplicateResponseKey
	}
	if err != nil {
		return fmt.Errorf("create response: %w", err)
	}
	return nil
}

// SetResponseValue overwrites the value of an existing slot. Returns
// ErrResponseNotFound if the key was never created.
func (s *Store) SetResponseValue(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	res, err := s.bun.NewUpdate().
		Model((*Response)(nil)).
		Set("value = ?", value).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set response value: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set response value: %w", err)
	}
	if n == 0 {
		return ErrResponseNotFound
	}
	return nil
}

// GetResponseValue returns the slot's value, which is nil while nothing has
// been set. Returns ErrResponseNotFound if the key was never created.
func (s *Store) GetResponseValue(ctx context.Context, key string) ([]byte, error) {
	var r Response
	err := s.bun.NewSelect().
		Model(&r).
		Column("value").
		Where("qr.key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResponseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get response value: %w", err)
	}
	return r.Value, nil
}

// DeleteResponse removes a slot. Deleting a missing key is not an error.
func (s *Store) DeleteResponse(ctx context.Context, key string) error {
	_, err := s.bun.NewDelete().
		Model((*Response)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete response: %w", err)
	}
	return nil
}
