// Package worker pulls deliveries from the broker and drives them
// through the engine with bounded concurrency.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/metrics"
	"github.com/wavecom/relay/internal/queue"
)

// Handler decides the fate of one delivery. Nil means the delivery is
// done (ack); an error means it should come back (nack).
type Handler interface {
	HandleDelivery(ctx context.Context, d queue.Delivery) error
}

// Config tunes the pull loop.
type Config struct {
	// Prefetch is the max number of deliveries processed concurrently.
	Prefetch int

	// PollInterval is the idle sleep when no lane had messages.
	PollInterval time.Duration

	// HandleTimeout bounds one delivery end to end, independent of the
	// loop's lifecycle context.
	HandleTimeout time.Duration

	// ShutdownTimeout bounds the drain of in-flight deliveries on stop.
	ShutdownTimeout time.Duration
}

// Worker consumes the high lane with preference over the default lane,
// so critical notifications never queue behind bulk traffic.
type Worker struct {
	broker  queue.Broker
	handler Handler
	cfg     Config
	logger  *zap.Logger

	sem      chan struct{}
	inFlight sync.WaitGroup
}

func New(broker queue.Broker, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Worker{
		broker:  broker,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		sem:     make(chan struct{}, cfg.Prefetch),
	}
}

// Run pulls and dispatches until ctx is canceled, then drains in-flight
// deliveries. Anything still unacked at the shutdown deadline redelivers
// to another worker; at-least-once makes that safe.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Int("prefetch", w.cfg.Prefetch),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)

	receiveBackoff := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		default:
		}

		received := 0
		for _, lane := range queue.Lanes {
			free := cap(w.sem) - len(w.sem)
			if free == 0 {
				break
			}

			deliveries, err := w.broker.Receive(ctx, lane, free)
			if err != nil {
				if ctx.Err() != nil {
					return w.drain()
				}
				receiveBackoff = nextBackoff(receiveBackoff)
				w.logger.Error("receive failed",
					zap.Error(err),
					zap.String("lane", string(lane)),
					zap.Duration("backoff", receiveBackoff),
				)
				sleep(ctx, receiveBackoff)
				continue
			}
			receiveBackoff = 0

			for _, d := range deliveries {
				select {
				case w.sem <- struct{}{}:
				case <-ctx.Done():
					// Slot never freed up; hand the message back.
					if nerr := w.broker.Nack(context.Background(), d); nerr != nil {
						w.logger.Error("nack on shutdown failed", zap.Error(nerr))
					}
					return w.drain()
				}

				w.inFlight.Add(1)
				metrics.SetJobsInFlight(len(w.sem))
				go w.process(d)
			}
			received += len(deliveries)
		}

		if received == 0 {
			sleep(ctx, w.cfg.PollInterval)
		}
	}
}

// process runs one delivery on a context detached from the loop's, so a
// shutdown signal does not abort attempts already underway.
func (w *Worker) process(d queue.Delivery) {
	defer func() {
		<-w.sem
		metrics.SetJobsInFlight(len(w.sem))
		w.inFlight.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.HandleTimeout)
	defer cancel()

	err := w.handler.HandleDelivery(ctx, d)
	if err != nil {
		w.logger.Warn("delivery not settled, returning to queue",
			zap.Error(err),
			zap.String("job_id", d.Message.JobID.String()),
			zap.String("lane", string(d.Lane)),
		)
		if nerr := w.broker.Nack(ctx, d); nerr != nil {
			w.logger.Error("nack failed",
				zap.Error(nerr),
				zap.String("job_id", d.Message.JobID.String()),
			)
		}
		return
	}

	if aerr := w.broker.Ack(ctx, d); aerr != nil {
		// The message will redeliver; duplicate handling makes that a no-op.
		w.logger.Error("ack failed",
			zap.Error(aerr),
			zap.String("job_id", d.Message.JobID.String()),
		)
	}
}

func (w *Worker) drain() error {
	w.logger.Info("worker draining", zap.Duration("timeout", w.cfg.ShutdownTimeout))

	done := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker drained cleanly")
		return nil
	case <-time.After(w.cfg.ShutdownTimeout):
		w.logger.Warn("shutdown timeout reached with deliveries in flight; they will redeliver")
		return nil
	}
}

// nextBackoff doubles up to 30s.
func nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return time.Second
	}
	next := cur * 2
	if next > 30*time.Second {
		return 30 * time.Second
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
