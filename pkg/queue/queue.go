// Package queue runs named kinds of background work with immediate or
// delayed enqueue and at-least-once delivery.
//
// Two backends exist: an in-process queue for single-node deployments and
// tests, and a NATS JetStream queue that survives restarts and spreads work
// across nodes. Handlers must tolerate duplicate delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("queue closed")

// Task is one delivery of a unit of work.
type Task struct {
	ID      string
	Kind    string
	Payload json.RawMessage
	// Attempt is 1 on first delivery.
	Attempt int
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// Handler processes a task. A returned error schedules a retry until the
// queue's attempt limit is reached.
type Handler func(ctx context.Context, task Task) error

// Queue is the work queue capability.
type Queue interface {
	// Register binds a handler to a kind with the given worker concurrency.
	// It must be called before Start.
	Register(kind string, concurrency int, h Handler)

	// Enqueue schedules payload for kind after delay (zero means now).
	Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) error

	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Options are shared by both backends.
type Options struct {
	// MaxAttempts bounds deliveries of a failing task. Zero means 3.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt number between retries. Zero means 5s.
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

func marshalPayload(kind string, payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return b, nil
}

// run invokes h, converting a panic into an error.
func run(ctx context.Context, h Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s (%s) panicked: %v", task.ID, task.Kind, r)
		}
	}()
	return h(ctx, task)
}
