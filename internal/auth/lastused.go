package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Toucher persists a key's last-used time. Implementations keep the stored
// value monotonic.
type Toucher interface {
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

type touch struct {
	accountID string
	keyPrefix string
	at        time.Time
}

// LastUsedRecorder writes last-used timestamps off the request path. Record
// never blocks: when the queue is full the update is dropped and counted.
type LastUsedRecorder struct {
	store   Toucher
	queue   chan touch
	timeout time.Duration

	dropped metric.Int64Counter
	failed  metric.Int64Counter

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewLastUsedRecorder starts the writer goroutine.
func NewLastUsedRecorder(store Toucher, queueSize int, timeout time.Duration) (*LastUsedRecorder, error) {
	meter := otel.Meter("apigate/auth")
	dropped, err := meter.Int64Counter(
		"auth.last_used.dropped",
		metric.WithDescription("Last-used updates dropped because the queue was full"),
	)
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter(
		"auth.last_used.failed",
		metric.WithDescription("Last-used updates the store rejected"),
	)
	if err != nil {
		return nil, err
	}

	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	r := &LastUsedRecorder{
		store:   store,
		queue:   make(chan touch, queueSize),
		timeout: timeout,
		dropped: dropped,
		failed:  failed,
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Record enqueues a last-used update. Updates after Close are dropped.
func (r *LastUsedRecorder) Record(accountID, keyPrefix string, at time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(context.Background(), 1)
		return
	}

	select {
	case r.queue <- touch{accountID: accountID, keyPrefix: keyPrefix, at: at}:
	default:
		r.dropped.Add(context.Background(), 1)
		slog.Debug("Last-used update dropped", "key_prefix", keyPrefix)
	}
}

func (r *LastUsedRecorder) run() {
	defer r.wg.Done()
	for t := range r.queue {
		r.write(t)
	}
}

func (r *LastUsedRecorder) write(t touch) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.TouchAPIKey(ctx, t.accountID, t.at); err != nil {
		r.failed.Add(ctx, 1)
		slog.Warn("Failed to record API key use", "key_prefix", t.keyPrefix, "error", err)
	}
}

// Close stops accepting updates and waits for queued ones to be written.
func (r *LastUsedRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
