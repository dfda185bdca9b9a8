package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Memory is an in-process queue. Delayed tasks wait on timers; each kind
// has its own lane and worker goroutines.
type Memory struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	timers  map[*time.Timer]struct{}
	started bool
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type lane struct {
	kind        string
	concurrency int
	handler     Handler

	mu     sync.Mutex
	items  []Task
	notify chan struct{}
}

// NewMemory returns an in-process queue.
func NewMemory(opts Options, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		opts:   opts.withDefaults(),
		logger: logger,
		lanes:  map[string]*lane{},
		timers: map[*time.Timer]struct{}{},
	}
}

// Register implements Queue.
func (m *Memory) Register(kind string, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lanes[kind] = &lane{
		kind:        kind,
		concurrency: concurrency,
		handler:     h,
		notify:      make(chan struct{}, 1),
	}
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(_ context.Context, kind string, payload any, delay time.Duration) error {
	raw, err := marshalPayload(kind, payload)
	if err != nil {
		return err
	}
	return m.schedule(Task{ID: uuid.New().String(), Kind: kind, Payload: raw, Attempt: 1}, delay)
}

func (m *Memory) schedule(task Task, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	l, ok := m.lanes[task.Kind]
	if !ok {
		return fmt.Errorf("no handler registered for %q", task.Kind)
	}

	if delay <= 0 {
		l.push(task)
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, timer)
		closed := m.closed
		m.mu.Unlock()
		if !closed {
			l.push(task)
		}
	})
	m.timers[timer] = struct{}{}
	return nil
}

// Start implements Queue.
func (m *Memory) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("queue already started")
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, l := range m.lanes {
		for i := 0; i < l.concurrency; i++ {
			m.wg.Add(1)
			go m.worker(ctx, l)
		}
	}
	return nil
}

// Shutdown stops accepting work, drops pending timers and waits for running
// handlers until ctx expires.
func (m *Memory) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// Pending returns the number of queued (not delayed) tasks across lanes.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.lanes {
		l.mu.Lock()
		n += len(l.items)
		l.mu.Unlock()
	}
	return n
}

func (m *Memory) worker(ctx context.Context, l *lane) {
	defer m.wg.Done()
	for {
		task, ok := l.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-l.notify:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}

		err := run(ctx, l.handler, task)
		if err == nil {
			continue
		}

		if task.Attempt >= m.opts.MaxAttempts {
			m.logger.Error("task failed permanently",
				zap.String("kind", task.Kind),
				zap.String("task_id", task.ID),
				zap.Int("attempt", task.Attempt),
				zap.Error(err),
			)
			continue
		}

		m.logger.Warn("task failed, retrying",
			zap.String("kind", task.Kind),
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err),
		)
		retry := task
		retry.Attempt++
		if err := m.schedule(retry, m.opts.RetryDelay*time.Duration(task.Attempt)); err != nil {
			m.logger.Warn("task retry dropped", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

func (l *lane) push(task Task) {
	l.mu.Lock()
	l.items = append(l.items, task)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *lane) pop() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return Task{}, false
	}
	task := l.items[0]
	l.items[0] = Task{}
	l.items = l.items[1:]
	// Wake a sibling if work remains.
	if len(l.items) > 0 {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
	return task, true
}
