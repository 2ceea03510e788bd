package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

var (
	ErrQueueFull         = errors.New("notification queue is full")
	ErrDispatcherStopped = errors.New("notification dispatcher stopped")
)

const sendTimeout = 10 * time.Second

// FailureFunc observes deliveries that could not be completed.
type FailureFunc func(n Notification, err error)

// Dispatcher delivers notifications from a bounded queue on a fixed pool of
// workers. Enqueue never blocks.
type Dispatcher struct {
	notifier  Notifier
	logger    *zap.Logger
	queue     chan Notification
	workers   int
	onFailure FailureFunc

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(notifier Notifier, logger *zap.Logger, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		notifier: notifier,
		logger:   logger,
		queue:    make(chan Notification, queueSize),
		workers:  workers,
	}
}

// OnFailure registers f; call before Start.
func (d *Dispatcher) OnFailure(f FailureFunc) {
	d.onFailure = f
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	d.logger.Info("Notification dispatcher started",
		zap.String("notifier", d.notifier.Name()),
		zap.Int("workers", d.workers))
}

func (d *Dispatcher) Enqueue(n Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new work and waits for queued deliveries, or for ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
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
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := d.notifier.Send(ctx, n); err != nil {
		d.logger.Warn("Notification delivery failed",
			zap.String("notifier", d.notifier.Name()),
			zap.String("kind", string(n.Kind)),
			zap.String("email", util.MaskEmail(n.Email)),
			zap.Error(err))
		if d.onFailure != nil {
			d.onFailure(n, err)
		}
		return
	}
	d.logger.Debug("Notification delivered",
		zap.String("notifier", d.notifier.Name()),
		zap.String("kind", string(n.Kind)))
}
