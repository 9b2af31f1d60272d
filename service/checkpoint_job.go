package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Checkpoint drops journal segments the store already covers and purges
// acknowledged outbox entries below the same watermark.
func (s *OrderService) Checkpoint(ctx context.Context) error {
	// the watermark is valid even when some segment could not be truncated
	mark, truncErr := s.journal.Checkpoint()
	n, err := s.store.PurgeAcked(ctx, mark)
	if err != nil {
		return errors.WithMessage(err, "purge outbox")
	}
	s.logger.Debug("checkpoint", zap.Uint64("watermark", mark), zap.Int("purged", n))
	return errors.WithMessage(truncErr, "journal checkpoint")
}

func (s *OrderService) StartCheckpointJob(
	ctx context.Context,
	interval time.Duration,
) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.Checkpoint(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("checkpoint failed", zap.Error(err))
				}
			}
		}
	}()
}
