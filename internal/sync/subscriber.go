package sync

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/pkg/config"
)

// feedSource opens change feeds. Satisfied by the remote store drivers.
type feedSource interface {
	Subscribe(ctx context.Context, c models.Collection) (<-chan models.ChangeEvent, error)
}

// Subscriber keeps one change feed open per collection and folds every event
// into the coordinator. A feed that errors or closes is reopened with
// exponential backoff; each reopen re-delivers current remote state, which
// the coordinator absorbs idempotently.
type Subscriber struct {
	source feedSource
	coord  *Coordinator
	cfg    config.FeedConfig
	logger *zap.Logger
}

// NewSubscriber wires the subscriber.
func NewSubscriber(source feedSource, coord *Coordinator, cfg config.FeedConfig, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{source: source, coord: coord, cfg: cfg, logger: logger}
}

// Run watches every collection until ctx ends.
func (s *Subscriber) Run(ctx context.Context) {
	var wg stdsync.WaitGroup
	for _, c := range models.Collections() {
		wg.Add(1)
		go func(c models.Collection) {
			defer wg.Done()
			s.watch(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (s *Subscriber) watch(ctx context.Context, c models.Collection) {
	backoff := s.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		ch, err := s.source.Subscribe(ctx, c)
		if err != nil {
			s.logger.Warn("change feed subscription failed",
				zap.String("collection", string(c)),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = grow(backoff, s.cfg.BackoffMax)
			continue
		}

		s.logger.Info("change feed open", zap.String("collection", string(c)))
		backoff = s.cfg.BackoffInitial
		for ev := range ch {
			s.coord.ApplyFeedEvent(ev)
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("change feed closed, resubscribing",
			zap.String("collection", string(c)),
			zap.Duration("retry_in", backoff))
		if !sleep(ctx, backoff) {
			return
		}
		backoff = grow(backoff, s.cfg.BackoffMax)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func grow(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}
