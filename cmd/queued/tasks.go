package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/scarson/queued/internal/rendezvous"
	"github.com/scarson/queued/internal/task"
	"github.com/scarson/queued/internal/webhook"
)

// registerTasks installs the built-in handlers.
//
//	echo     logs its payload
//	sleep    {"seconds": n}, then succeeds
//	respond  {"key": k, "value": v}, publishes v under rendezvous key k
//	webhook  {"url": u, "body": b, "headers": h}, signed POST of b to u
func registerTasks(reg *task.Registry, rv *rendezvous.Rendezvous, hook *webhook.Sender) {
	reg.MustRegister("echo", task.HandlerFunc(echoTask))
	reg.MustRegister("sleep", task.HandlerFunc(sleepTask), task.WithTimeout(10*time.Minute))
	reg.MustRegister("respond", respondTask(rv), task.WithRetries(1))
	reg.MustRegister("webhook", hook, task.WithTimeout(time.Minute))
}

func echoTask(ctx context.Context, payload json.RawMessage) error {
	slog.InfoContext(ctx, "echo", "payload", string(payload))
	return nil
}

type sleepPayload struct {
	Seconds float64 `json:"seconds"`
}

func sleepTask(ctx context.Context, payload json.RawMessage) error {
	var p sleepPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode sleep payload: %w", err)
	}
	timer := time.NewTimer(time.Duration(p.Seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type respondPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func respondTask(rv *rendezvous.Rendezvous) task.Handler {
	return task.HandlerFunc(func(ctx context.Context, payload json.RawMessage) error {
		var p respondPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode respond payload: %w", err)
		}
		return rv.SetValue(ctx, p.Key, p.Value)
	})
}
