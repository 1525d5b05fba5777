package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meditationastro/medinow-orders/internal/notifications"
)

const (
	notificationEventQueued    = "notification.queued"
	notificationEventDelivered = "notification.delivered"
	notificationEventRetry     = "notification.retry"
	notificationEventFailed    = "notification.failed"

	notificationIDPrefix = "ntf_"

	defaultNotificationWorkers   = 2
	defaultNotificationQueueSize = 256
	defaultNotificationAttempts  = 3
	defaultNotificationTimeout   = 5 * time.Second
	defaultNotificationBackoff   = 200 * time.Millisecond
	maxNotificationBackoff       = 5 * time.Second
)

var (
	// ErrNotificationQueueFull is returned by Enqueue when the buffer is exhausted.
	ErrNotificationQueueFull = errors.New("notification: queue full")
	// ErrNotificationDispatcherClosed is returned by Enqueue after Close.
	ErrNotificationDispatcherClosed = errors.New("notification: dispatcher closed")
)

// NotificationPublisher hands notifications to an external queue (Pub/Sub, Kafka).
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n notifications.Notification) (string, error)
}

// NotificationDispatcherDeps configures the dispatcher. With a Publisher, workers publish to the
// external queue; otherwise they call Sender directly.
type NotificationDispatcherDeps struct {
	Sender         notifications.Sender
	Publisher      NotificationPublisher
	Workers        int
	QueueSize      int
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        time.Duration
	Meter          metric.Meter
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

// NotificationDispatcher is a bounded in-process queue drained by worker goroutines. Delivery
// happens after the request that queued it has returned, with retry and per-attempt timeouts.
type NotificationDispatcher struct {
	sender      notifications.Sender
	publisher   NotificationPublisher
	maxAttempts int
	timeout     time.Duration
	backoff     time.Duration
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)

	queued    metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter

	mu     sync.RWMutex
	closed bool
	tasks  chan notifications.Notification
	stop   chan struct{}
	wg     sync.WaitGroup
}

var (
	_ NotificationQueue     = (*NotificationDispatcher)(nil)
	_ NotificationDeliverer = (*NotificationDispatcher)(nil)
)

// NewNotificationDispatcher starts the workers. Call Close to drain them.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (*NotificationDispatcher, error) {
	if deps.Sender == nil && deps.Publisher == nil {
		return nil, errors.New("notification dispatcher: sender or publisher is required")
	}
	workers := positiveOr(deps.Workers, defaultNotificationWorkers)
	queueSize := positiveOr(deps.QueueSize, defaultNotificationQueueSize)

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter("github.com/meditationastro/medinow-orders/internal/services")
	}

	d := &NotificationDispatcher{
		sender:      deps.Sender,
		publisher:   deps.Publisher,
		maxAttempts: positiveOr(deps.MaxAttempts, defaultNotificationAttempts),
		timeout:     durationOr(deps.AttemptTimeout, defaultNotificationTimeout),
		backoff:     durationOr(deps.Backoff, defaultNotificationBackoff),
		clock:       func() time.Time { return clock().UTC() },
		newID:       idGen,
		logger:      logger,
		tasks:       make(chan notifications.Notification, queueSize),
		stop:        make(chan struct{}),
	}

	var err error
	if d.queued, err = meter.Int64Counter("notifications.queued"); err != nil {
		return nil, fmt.Errorf("notification dispatcher: counter: %w", err)
	}
	if d.delivered, err = meter.Int64Counter("notifications.delivered"); err != nil {
		return nil, fmt.Errorf("notification dispatcher: counter: %w", err)
	}
	if d.failed, err = meter.Int64Counter("notifications.failed"); err != nil {
		return nil, fmt.Errorf("notification dispatcher: counter: %w", err)
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d, nil
}

// Enqueue validates n and buffers it without blocking.
func (d *NotificationDispatcher) Enqueue(ctx context.Context, n notifications.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(n.ID) == "" {
		n.ID = notificationIDPrefix + d.newID()
	}
	if n.QueuedAt.IsZero() {
		n.QueuedAt = d.clock()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrNotificationDispatcherClosed
	}
	select {
	case d.tasks <- n:
	default:
		d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
		return ErrNotificationQueueFull
	}
	d.queued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(n.Kind))))
	d.logger(ctx, notificationEventQueued, map[string]any{"notificationId": n.ID, "kind": string(n.Kind), "orderId": n.OrderID})
	return nil
}

// QueueStats is a point-in-time view of the dispatcher backlog.
type QueueStats struct {
	Depth    int
	Capacity int
	Closed   bool
}

// Stats reports the buffered task count.
func (d *NotificationDispatcher) Stats() QueueStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return QueueStats{Depth: len(d.tasks), Capacity: cap(d.tasks), Closed: d.closed}
}

// Deliver sends n through the Sender now, retrying up to MaxAttempts. It ignores Publisher
// because it is the consuming end of the external queue.
func (d *NotificationDispatcher) Deliver(ctx context.Context, n notifications.Notification) error {
	if d.sender == nil {
		return errors.New("notification dispatcher: no sender configured")
	}
	if err := n.Validate(); err != nil {
		return err
	}
	return d.attempt(ctx, n, func(ctx context.Context) error {
		return d.sender.Send(ctx, n)
	})
}

// Close stops accepting work and waits for queued notifications to drain or ctx to expire. Pending
// backoff waits are cut short once ctx is done.
func (d *NotificationDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(d.stop)
		<-done
		return ctx.Err()
	}
}

func (d *NotificationDispatcher) work() {
	defer d.wg.Done()
	for n := range d.tasks {
		ctx := context.Background()
		_ = d.attempt(ctx, n, func(ctx context.Context) error {
			if d.publisher != nil {
				_, err := d.publisher.PublishNotification(ctx, n)
				return err
			}
			return d.sender.Send(ctx, n)
		})
	}
}

func (d *NotificationDispatcher) attempt(ctx context.Context, n notifications.Notification, fn func(context.Context) error) error {
	fields := map[string]any{"notificationId": n.ID, "kind": string(n.Kind), "orderId": n.OrderID}
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		lastErr = fn(attemptCtx)
		cancel()
		if lastErr == nil {
			d.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(n.Kind))))
			d.logger(ctx, notificationEventDelivered, withField(fields, "attempt", attempt))
			return nil
		}
		if errors.Is(lastErr, notifications.ErrInvalidNotification) || attempt == d.maxAttempts {
			break
		}
		d.logger(ctx, notificationEventRetry, withField(withField(fields, "attempt", attempt), "error", lastErr))
		if !d.sleep(ctx, d.backoffFor(attempt)) {
			break
		}
	}
	d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "exhausted")))
	d.logger(ctx, notificationEventFailed, withField(fields, "error", lastErr))
	return lastErr
}

func (d *NotificationDispatcher) backoffFor(attempt int) time.Duration {
	wait := d.backoff << (attempt - 1)
	if wait <= 0 || wait > maxNotificationBackoff {
		return maxNotificationBackoff
	}
	return wait
}

func (d *NotificationDispatcher) sleep(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-d.stop:
		return false
	}
}

func withField(fields map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
