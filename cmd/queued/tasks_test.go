package main

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/queued/internal/config"
	"github.com/scarson/queued/internal/mailer"
	"github.com/scarson/queued/internal/rendezvous"
	"github.com/scarson/queued/internal/store"
	"github.com/scarson/queued/internal/task"
	"github.com/scarson/queued/internal/webhook"
)

type memSlots struct {
	mu    sync.Mutex
	slots map[string][]byte
}

func (m *memSlots) CreateResponse(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[key] = nil
	return nil
}

func (m *memSlots) SetResponseValue(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[key]; !ok {
		return store.ErrResponseNotFound
	}
	m.slots[key] = value
	return nil
}

func (m *memSlots) GetResponseValue(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.slots[key]
	if !ok {
		return nil, store.ErrResponseNotFound
	}
	return v, nil
}

func (m *memSlots) DeleteResponse(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, key)
	return nil
}

func TestRegisterTasks(t *testing.T) {
	t.Parallel()
	reg := task.NewRegistry(task.Defaults{Timeout: time.Minute, Retries: 4})
	registerTasks(reg, rendezvous.New(&memSlots{slots: map[string][]byte{}}),
		webhook.NewSender(webhook.NewSafeClient(0), ""))

	names := make([]string, 0, reg.Len())
	for _, c := range reg.Capabilities() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"echo", "respond", "sleep", "webhook"}, names)
}

func TestRespondTaskPublishesValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rv := rendezvous.New(&memSlots{slots: map[string][]byte{}})
	key, err := rv.Generate(ctx)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{"key": key, "value": map[string]int{"n": 3}})
	require.NoError(t, err)
	require.NoError(t, respondTask(rv).Run(ctx, payload))

	got, err := rv.GetValue(ctx, key, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(got))
}

func TestRespondTaskUnknownKey(t *testing.T) {
	t.Parallel()
	rv := rendezvous.New(&memSlots{slots: map[string][]byte{}})
	err := respondTask(rv).Run(context.Background(), json.RawMessage(`{"key":"nope","value":1}`))
	assert.ErrorIs(t, err, rendezvous.ErrInvalidKey)
}

func TestSleepTask(t *testing.T) {
	t.Parallel()
	require.NoError(t, sleepTask(context.Background(), json.RawMessage(`{"seconds":0.01}`)))
	assert.Error(t, sleepTask(context.Background(), json.RawMessage(`not json`)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepTask(ctx, json.RawMessage(`{"seconds":60}`)), context.Canceled)
}

type fakeStats struct{}

func (fakeStats) GetTypes(context.Context) ([]string, error) { return []string{"a", "b"}, nil }
func (fakeStats) GetLength(_ context.Context, t string) (int, error) {
	return map[string]int{"a": 2, "b": 5}[t], nil
}
func (fakeStats) GetStats(context.Context) ([]store.TypeStats, error) {
	return []store.TypeStats{{JobType: "a", Completed: 9, AvgRuntime: 1500 * time.Millisecond}}, nil
}

func TestPrintStats(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, printStats(context.Background(), fakeStats{}, &buf))

	out := buf.String()
	assert.Contains(t, out, "TYPE")
	assert.Regexp(t, `a\s+2\s+9\s+0s\s+1.5s`, out)
	assert.Regexp(t, `b\s+5\s+0`, out)
	assert.Regexp(t, `TOTAL\s+7`, out)
}

func TestPrintJobs(t *testing.T) {
	t.Parallel()
	ref := "r-1"
	done := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, printJobs([]store.Job{
		{ID: 1, JobType: "a", Reference: &ref, NotBefore: done.Add(-time.Hour), Completed: &done},
		{ID: 2, JobType: "b", NotBefore: done, Failed: 3},
	}, &buf))

	out := buf.String()
	assert.Regexp(t, `1\s+a\s+-\s+r-1\s+2026-03-01T11:05:00Z\s+-\s+2026-03-01T12:05:00Z\s+0`, out)
	assert.Regexp(t, `2\s+b\s+-\s+-\s+2026-03-01T12:05:00Z\s+-\s+-\s+3`, out)
}

func TestMailerConfigFromSettings(t *testing.T) {
	t.Parallel()
	got := mailerConfig(&config.Config{
		SMTPHost:     "mail.example.com",
		SMTPPort:     2525,
		SMTPFrom:     "queue@example.com",
		SMTPFromName: "Nightly Reports",
		SMTPTLS:      true,
	})
	assert.Equal(t, mailer.Config{
		Host:     "mail.example.com",
		Port:     2525,
		From:     "queue@example.com",
		FromName: "Nightly Reports",
		TLS:      true,
	}, got)
}
