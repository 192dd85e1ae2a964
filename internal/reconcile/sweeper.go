package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/catalog-sync/internal/batch"
)

// Sweeper runs a batch on a fixed interval until its context ends.
type Sweeper struct {
	engine      *Engine
	interval    time.Duration
	pendingOnly bool
	log         *zap.Logger
}

// NewSweeper returns a sweeper running FullSync, or SyncPending when
// pendingOnly is set.
func NewSweeper(engine *Engine, interval time.Duration, pendingOnly bool, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{engine: engine, interval: interval, pendingOnly: pendingOnly, log: log}
}

// RunOnce executes a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) batch.Result {
	var res batch.Result
	if s.pendingOnly {
		res = s.engine.SyncPending(ctx)
	} else {
		res = s.engine.FullSync(ctx)
	}
	fields := []zap.Field{
		zap.Bool("pending_only", s.pendingOnly),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Int("errors", len(res.Errors)),
	}
	if !res.Success {
		s.log.Error("sweep failed", append(fields, zap.String("error", res.Error))...)
	} else {
		s.log.Info("sweep done", fields...)
	}
	return res
}

// Run sweeps immediately and then every interval. It returns ctx.Err() when
// the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	s.RunOnce(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.RunOnce(ctx)
		}
	}
}
