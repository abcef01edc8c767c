package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/hd-request-api/pkg/jobs"
)

const sweepJobType = "grant_expired"

type grantExpirer interface {
	ExpiredGrantIDs(ctx context.Context, limit int) ([]string, error)
	ExpireGrant(ctx context.Context, id string) error
}

type sweepMetrics interface {
	ObserveSweep(duration time.Duration, expired int)
}

// GrantSweeperConfig tunes the periodic expiry scan.
type GrantSweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
	Retries   int
}

// GrantSweeper periodically scans for lapsed access windows and refers the
// affected requests back automatically, so an unattended request is never
// left idle in a code-gated stage. Expiry is enforced even with no traffic.
type GrantSweeper struct {
	engine  grantExpirer
	queue   *jobs.Queue
	metrics sweepMetrics
	logger  *zap.Logger
	cfg     GrantSweeperConfig
}

// NewGrantSweeper constructs the sweeper and its worker queue.
func NewGrantSweeper(engine grantExpirer, logger *zap.Logger, cfg GrantSweeperConfig, metrics sweepMetrics) *GrantSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	s := &GrantSweeper{engine: engine, metrics: metrics, logger: logger, cfg: cfg}
	s.queue = jobs.NewQueue("grant-expiry", s.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.Retries,
		Logger:     logger,
	})
	return s
}

// Start boots the worker queue and the periodic scan. The scan stops when
// the context is cancelled.
func (s *GrantSweeper) Start(ctx context.Context) {
	s.queue.Start(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
	s.logger.Sugar().Infow("grant sweeper started", "interval", s.cfg.Interval.String())
}

// Stop drains the worker queue.
func (s *GrantSweeper) Stop() {
	s.queue.Stop()
}

// sweep enqueues one job per expired grant. Store errors are logged and the
// scan retried on the next tick; a missed cycle only delays the referral.
func (s *GrantSweeper) sweep(ctx context.Context) {
	start := time.Now()
	ids, err := s.engine.ExpiredGrantIDs(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Sugar().Warnw("expired grant scan failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := s.queue.Enqueue(jobs.Job{ID: id, Type: sweepJobType}); err != nil {
			s.logger.Sugar().Warnw("failed to enqueue expiry job", "request_id", id, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveSweep(time.Since(start), len(ids))
	}
	if len(ids) > 0 {
		s.logger.Sugar().Infow("expired grants queued", "count", len(ids))
	}
}

func (s *GrantSweeper) handle(ctx context.Context, job jobs.Job) error {
	return s.engine.ExpireGrant(ctx, job.ID)
}
