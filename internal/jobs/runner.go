package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/ctxutil"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/observability"
)

type Job func(ctx context.Context) error

type Runner struct {
	ctx context.Context
	log *zap.Logger
}

func New(ctx context.Context, log *zap.Logger) *Runner {
	return &Runner{ctx: ctx, log: logging.OrNop(log).Named("jobs")}
}

func (r *Runner) Every(interval time.Duration, name string, fn Job) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-t.C:
				r.runOnce(name, fn)
			}
		}
	}()
}

func (r *Runner) runOnce(name string, fn Job) {
	ctx := ctxutil.WithOp(r.ctx, name)
	start := time.Now()
	outcome := outcomePanic
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic in job %s: %v", name, rec)
			r.log.Error("задача упала", zap.String("job", name), zap.Error(err))
			observability.CaptureErr(ctx, err)
		}
		jobRuns.WithLabelValues(name, outcome).Inc()
		jobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if outcome == outcomeOK {
			jobLastSuccess.WithLabelValues(name).SetToCurrentTime()
		}
	}()
	if err := fn(ctx); err != nil {
		outcome = outcomeError
		r.log.Warn("задача завершилась с ошибкой", zap.String("job", name), zap.Error(err))
		return
	}
	outcome = outcomeOK
}
