// Package broadcaster relays committed outbox events to a publisher. Delivery
// is at least once: an entry is marked SENT before publishing and ACKED only
// after the publisher confirms, so a crash in between resends it.
package broadcaster

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"venue/infra/metrics"
	"venue/infra/store"
)

type Outbox interface {
	Outbox(ctx context.Context, limit int) ([]store.OutboxEntry, error)
	SetOutboxState(ctx context.Context, id store.EventID, state store.OutboxState) error
}

type Publisher interface {
	Send(ctx context.Context, kind string, key, value []byte) error
	Close() error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

type Broadcaster struct {
	outbox    Outbox
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	cfg       Config

	wg sync.WaitGroup
}

func New(outbox Outbox, publisher Publisher, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	return &Broadcaster{
		outbox:    outbox,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
	}
}

// ------------------------------------------------
// START LOOP
// ------------------------------------------------

func (b *Broadcaster) Start(ctx context.Context) {
	b.logger.Info("broadcaster: started", zap.Duration("interval", b.cfg.Interval))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				b.logger.Info("broadcaster: stopped")
				return

			case <-ticker.C:
				if _, err := b.Flush(ctx); err != nil && ctx.Err() == nil {
					b.logger.Warn("broadcaster: flush", zap.Error(err))
				}
			}
		}
	}()
}

// ------------------------------------------------
// RELAY
// ------------------------------------------------

// Flush publishes pending entries in outbox order and returns how many were
// acknowledged. It stops at the first publish failure so events keep their
// order; the failed entry is retried on the next call.
func (b *Broadcaster) Flush(ctx context.Context) (int, error) {
	entries, err := b.outbox.Outbox(ctx, b.cfg.BatchSize)
	if err != nil {
		return 0, errors.WithMessage(err, "read outbox")
	}

	acked := 0
	for _, e := range entries {
		if err := b.outbox.SetOutboxState(ctx, e.ID, store.StateSent); err != nil {
			return acked, errors.WithMessage(err, "mark sent "+e.ID.String())
		}

		if err := b.publisher.Send(ctx, e.Kind, e.Key, e.Payload); err != nil {
			b.metrics.OutboxFailures.Inc()
			b.logger.Warn("broadcaster: publish failed",
				zap.Stringer("event", e.ID), zap.String("kind", e.Kind), zap.Uint32("retries", e.Retries), zap.Error(err))
			if serr := b.outbox.SetOutboxState(ctx, e.ID, store.StateFailed); serr != nil {
				return acked, errors.WithMessage(serr, "mark failed "+e.ID.String())
			}
			return acked, nil
		}

		if err := b.outbox.SetOutboxState(ctx, e.ID, store.StateAcked); err != nil {
			return acked, errors.WithMessage(err, "mark acked "+e.ID.String())
		}
		b.metrics.OutboxPublished.WithLabelValues(e.Kind).Inc()
		acked++
	}
	return acked, nil
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

// Close waits for the loop to exit and closes the publisher. Cancel the
// context passed to Start first.
func (b *Broadcaster) Close() error {
	b.wg.Wait()
	return b.publisher.Close()
}
