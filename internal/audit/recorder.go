// Package audit records security events (code issuance, throttling, token
// rotation) off the request path and fans them out to configured sinks.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

// Sink persists a batch of events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.SecurityEvent) error
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	writeTimeout         = 5 * time.Second
)

type RecorderOptions struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// Recorder buffers events and writes them in batches from one goroutine.
// Record never blocks; events are dropped with a warning when the queue is
// full.
type Recorder struct {
	sinks   []Sink
	buckets *bucketing.BucketingManager
	clock   util.Clock
	logger  *zap.Logger
	opts    RecorderOptions

	queue   chan models.SecurityEvent
	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}
}

func NewRecorder(sinks []Sink, buckets *bucketing.BucketingManager, clock util.Clock, logger *zap.Logger, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	return &Recorder{
		sinks:   sinks,
		buckets: buckets,
		clock:   clock,
		logger:  logger,
		opts:    opts,
		queue:   make(chan models.SecurityEvent, opts.QueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine. Calls after the first are no-ops.
func (r *Recorder) Start() {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.run()
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	r.logger.Info("Audit recorder started", zap.Strings("sinks", names))
}

// Record stamps id, time and bucket onto ev and queues it. Identity should
// already be a fingerprint, never a raw address.
func (r *Recorder) Record(ev models.SecurityEvent) {
	if r == nil {
		return
	}
	now := r.clock.Now().UTC()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = now
	}
	assignment := r.buckets.Assign(ev.Identity, ev.EventTime)
	ev.EventBucket = assignment.EventBucket
	ev.EventDate = assignment.DateBucket

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("Audit queue full, dropping event", zap.String("event_type", ev.EventType))
	}
}

// Stop flushes what is queued and waits for the writer, or for ctx.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.queue)
	}
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.SecurityEvent, 0, r.opts.BatchSize)
	for {
		select {
		case ev, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = make([]models.SecurityEvent, 0, r.opts.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]models.SecurityEvent, 0, r.opts.BatchSize)
			}
		}
	}
}

// flush writes to every sink concurrently; a failing sink does not cancel
// the others.
func (r *Recorder) flush(batch []models.SecurityEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var g errgroup.Group
	errs := make([]error, len(r.sinks))
	for i, sink := range r.sinks {
		i, sink := i, sink
		g.Go(func() error {
			if err := sink.Write(ctx, batch); err != nil {
				errs[i] = err
				r.logger.Error("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.Int("events", len(batch)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err == nil {
		r.logger.Debug("Audit batch written", zap.Int("events", len(batch)))
	}
}
