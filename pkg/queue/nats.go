package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Message headers carried by queued tasks.
const (
	headerNotBefore = "Fleetpatch-Not-Before"
	headerAttempt   = "Fleetpatch-Attempt"
	headerTaskID    = "Fleetpatch-Task-Id"
)

const (
	defaultFetchWait = 5 * time.Second
	defaultAckWait   = 5 * time.Minute
)

// NATSConfig configures the JetStream backend.
type NATSConfig struct {
	URL string
	// Stream is the JetStream stream name; subjects are "<stream>.<kind>".
	Stream string
	Options
}

// NATS is a JetStream-backed queue. Delays are expressed as a not-before
// header; early deliveries are negatively acknowledged with the remaining
// delay so the server redelivers them on time.
type NATS struct {
	cfg    NATSConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]registration
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type registration struct {
	concurrency int
	handler     Handler
}

// NewNATS connects to the server and ensures the stream exists.
func NewNATS(ctx context.Context, cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = nats.DefaultURL
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = "FLEETPATCH"
	}
	cfg.Options = cfg.Options.withDefaults()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("fleetpatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Stream + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &NATS{
		cfg:      cfg,
		nc:       nc,
		js:       js,
		logger:   logger,
		handlers: map[string]registration{},
	}, nil
}

// Register implements Queue.
func (q *NATS) Register(kind string, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = registration{concurrency: concurrency, handler: h}
}

// Enqueue implements Queue.
func (q *NATS) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) error {
	raw, err := marshalPayload(kind, payload)
	if err != nil {
		return err
	}
	return q.publish(ctx, Task{ID: uuid.New().String(), Kind: kind, Payload: raw, Attempt: 1}, delay)
}

func (q *NATS) publish(ctx context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := nats.NewMsg(q.subject(task.Kind))
	msg.Data = task.Payload
	msg.Header.Set(headerTaskID, task.ID)
	msg.Header.Set(headerAttempt, strconv.Itoa(task.Attempt))
	if delay > 0 {
		msg.Header.Set(headerNotBefore, time.Now().Add(delay).UTC().Format(time.RFC3339Nano))
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s task: %w", task.Kind, err)
	}
	return nil
}

func (q *NATS) subject(kind string) string {
	return q.cfg.Stream + "." + kind
}

func consumerName(kind string) string {
	return "fleetpatch-" + strings.NewReplacer(".", "-", "*", "-", ">", "-").Replace(kind)
}

// Start creates one durable pull consumer per kind and starts its workers.
func (q *NATS) Start(ctx context.Context) error {
	q.mu.Lock()
	handlers := make(map[string]registration, len(q.handlers))
	for k, v := range q.handlers {
		handlers[k] = v
	}
	q.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for kind, reg := range handlers {
		consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
			Durable:       consumerName(kind),
			FilterSubject: q.subject(kind),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       defaultAckWait,
			MaxDeliver:    -1,
		})
		if err != nil {
			cancel()
			return fmt.Errorf("create consumer for %s: %w", kind, err)
		}
		for i := 0; i < reg.concurrency; i++ {
			q.wg.Add(1)
			go q.worker(runCtx, kind, consumer, reg.handler)
		}
	}
	return nil
}

// Shutdown stops workers, waits for in-flight handlers and drains the
// connection.
func (q *NATS) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
	if drainErr := q.nc.Drain(); drainErr != nil && err == nil {
		err = fmt.Errorf("drain nats connection: %w", drainErr)
	}
	return err
}

// CheckHealth reports the connection state.
func (q *NATS) CheckHealth(context.Context) error {
	if q.nc == nil || !q.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

func (q *NATS) worker(ctx context.Context, kind string, consumer jetstream.Consumer, h Handler) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(defaultFetchWait))
		if err != nil {
			q.logger.Warn("fetch failed", zap.String("kind", kind), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for msg := range batch.Messages() {
			q.handle(ctx, kind, msg, h)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			q.logger.Debug("fetch batch error", zap.String("kind", kind), zap.Error(err))
		}
	}
}

func (q *NATS) handle(ctx context.Context, kind string, msg jetstream.Msg, h Handler) {
	task := taskFromHeaders(kind, msg.Headers(), msg.Data())

	if wait := notBeforeDelay(msg.Headers(), time.Now()); wait > 0 {
		if err := msg.NakWithDelay(wait); err != nil {
			q.logger.Warn("nak delayed task failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	err := run(ctx, h, task)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			q.logger.Warn("ack failed", zap.String("task_id", task.ID), zap.Error(ackErr))
		}
		return
	}

	if task.Attempt >= q.cfg.MaxAttempts {
		q.logger.Error("task failed permanently",
			zap.String("kind", kind),
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err),
		)
		_ = msg.Term()
		return
	}

	q.logger.Warn("task failed, retrying",
		zap.String("kind", kind),
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempt),
		zap.Error(err),
	)
	retry := task
	retry.Attempt++
	if pubErr := q.publish(ctx, retry, q.cfg.RetryDelay*time.Duration(task.Attempt)); pubErr != nil {
		// Leave the original for server redelivery.
		_ = msg.NakWithDelay(q.cfg.RetryDelay)
		return
	}
	_ = msg.Ack()
}

func taskFromHeaders(kind string, h nats.Header, data []byte) Task {
	attempt, err := strconv.Atoi(h.Get(headerAttempt))
	if err != nil || attempt < 1 {
		attempt = 1
	}
	return Task{
		ID:      h.Get(headerTaskID),
		Kind:    kind,
		Payload: data,
		Attempt: attempt,
	}
}

func notBeforeDelay(h nats.Header, now time.Time) time.Duration {
	v := h.Get(headerNotBefore)
	if v == "" {
		return 0
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return 0
	}
	return at.Sub(now)
}
