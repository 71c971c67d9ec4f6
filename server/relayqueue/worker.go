package relayqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/circuitbreaker"
	"github.com/migadu/sift/server/delivery"
)

// Queue is what the worker needs from the spool. Satisfied by *DiskQueue;
// tests substitute their own.
type Queue interface {
	AcquireNext() (*Envelope, []byte, error)
	MarkSuccess(id string) error
	MarkFailure(id, errorMsg string) error
	MarkPermanentFailure(id, errorMsg string) error
	Release(id string) error
	Stats() (pending, processing, failed int, err error)
}

// breakerProvider is implemented by relay handlers that expose their
// circuit breaker, letting the worker probe recovery proactively.
type breakerProvider interface {
	GetCircuitBreaker() *circuitbreaker.CircuitBreaker
}

// Worker drains the relay spool in the background: every interval (or on
// notification) it acquires up to batchSize ready messages and delivers
// them with bounded concurrency.
type Worker struct {
	queue       Queue
	relay       delivery.RelayHandler
	interval    time.Duration
	batchSize   int
	concurrency int
	notifyCh    chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

func NewWorker(queue Queue, relay delivery.RelayHandler, interval time.Duration, batchSize, concurrency int) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Worker{
		queue:       queue,
		relay:       relay,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background loop. Calling Start on a running worker
// is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	logger.Info("relayqueue: worker started",
		"interval", w.interval, "batch_size", w.batchSize, "concurrency", w.concurrency)
}

// Stop signals the loop and waits for in-flight deliveries to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	logger.Info("relayqueue: worker stopped")
}

// Notify wakes the worker immediately instead of waiting for the next
// tick. Non-blocking; a pending wake-up is not duplicated.
func (w *Worker) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.drain(ctx); err != nil {
				logger.Error("relayqueue: drain failed", "error", err)
			}
		case <-w.notifyCh:
			if err := w.drain(ctx); err != nil {
				logger.Error("relayqueue: drain failed", "error", err)
			}
		}
	}
}

// drain acquires up to batchSize ready messages and delivers them through
// a semaphore bounding concurrency. When the breaker is not closed the
// batch still runs: the attempts are what drive half-open recovery.
func (w *Worker) drain(ctx context.Context) error {
	if provider, ok := w.relay.(breakerProvider); ok {
		if cb := provider.GetCircuitBreaker(); cb != nil && cb.State() != circuitbreaker.StateClosed {
			logger.Info("relayqueue: probing relay recovery", "breaker_state", cb.State().String())
		}
	}

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	processed := 0
	for processed < w.batchSize {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}

		env, messageBytes, err := w.queue.AcquireNext()
		if err != nil {
			wg.Wait()
			return fmt.Errorf("acquiring message: %w", err)
		}
		if env == nil {
			break
		}

		select {
		case <-ctx.Done():
			// Put it back so the next run retries it immediately.
			if err := w.queue.Release(env.ID); err != nil {
				logger.Error("relayqueue: release on shutdown failed", "id", env.ID, "error", err)
			}
			wg.Wait()
			return nil
		case sem <- struct{}{}:
			wg.Add(1)
			go func(env *Envelope, messageBytes []byte) {
				defer wg.Done()
				defer func() { <-sem }()
				w.deliver(env, messageBytes)
			}(env, messageBytes)
			processed++
		}
	}
	wg.Wait()

	if processed > 0 {
		pending, processing, failed, err := w.queue.Stats()
		if err == nil {
			logger.Info("relayqueue: batch complete", "processed", processed,
				"pending", pending, "processing", processing, "failed", failed)
		}
	}
	return nil
}

// deliver attempts one message and routes the result: breaker blocks go
// back untouched, permanent rejections stop retrying, everything else
// reschedules with backoff.
func (w *Worker) deliver(env *Envelope, messageBytes []byte) {
	age := time.Since(env.QueuedAt)
	logger.Debug("relayqueue: delivering", "id", env.ID, "to", env.To,
		"attempt", env.Attempts+1, "age", age)

	err := w.relay.SendToExternalRelay(env.From, env.To, messageBytes)
	if err == nil {
		if markErr := w.queue.MarkSuccess(env.ID); markErr != nil {
			logger.Error("relayqueue: mark success failed", "id", env.ID, "error", markErr)
		}
		return
	}

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logger.Warn("relayqueue: breaker blocked delivery, releasing", "id", env.ID)
		if relErr := w.queue.Release(env.ID); relErr != nil {
			logger.Error("relayqueue: release failed", "id", env.ID, "error", relErr)
		}
		return
	}

	if delivery.IsPermanentError(err) {
		logger.Error("relayqueue: permanent rejection", "id", env.ID, "error", err)
		if markErr := w.queue.MarkPermanentFailure(env.ID, err.Error()); markErr != nil {
			logger.Error("relayqueue: mark permanent failure failed", "id", env.ID, "error", markErr)
		}
		return
	}

	if markErr := w.queue.MarkFailure(env.ID, err.Error()); markErr != nil {
		logger.Error("relayqueue: mark failure failed", "id", env.ID, "error", markErr)
	}
}

// QueueStats exposes the spool counters for the admin surface.
func (w *Worker) QueueStats() (pending, processing, failed int, err error) {
	return w.queue.Stats()
}
