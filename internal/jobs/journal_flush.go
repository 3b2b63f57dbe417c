package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/journal"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/metrics"
	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/reconcile"
)

const flushBatch = 100

type PendingJournal interface {
	Unsynced(ctx context.Context, limit int) ([]journal.Entry, error)
	MarkSynced(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
	MarkQuizResultsSynced(ctx context.Context, uid, module string) error
}

type Replayer interface {
	Replay(ctx context.Context, uid, module string, f models.Fragment) (reconcile.Result, error)
}

type CompletionAwarder interface {
	AwardCompleted(ctx context.Context, uid string, m models.ProgressMap) []string
}

// JournalFlush повторяет отложенные фрагменты и после успешной записи
// перепроверяет награды пользователя.
func JournalFlush(j PendingJournal, r Replayer, b CompletionAwarder, log *zap.Logger) Job {
	log = logging.OrNop(log).Named(JobJournalFlush)
	return func(ctx context.Context) error {
		entries, err := j.Unsynced(ctx, flushBatch)
		if err != nil {
			return err
		}
		var failed int
		for _, e := range entries {
			res, err := r.Replay(ctx, e.UID, e.Module, e.Fragment)
			if err != nil {
				failed++
				metrics.JournalFlushed.WithLabelValues("failed").Inc()
				if mErr := j.MarkFailed(ctx, e.ID, err); mErr != nil {
					return mErr
				}
				continue
			}
			if err := j.MarkSynced(ctx, e.ID); err != nil {
				return err
			}
			if err := j.MarkQuizResultsSynced(ctx, e.UID, e.Module); err != nil {
				log.Warn("не удалось отметить результаты квизов", zap.String("uid", e.UID), zap.Error(err))
			}
			metrics.JournalFlushed.WithLabelValues("synced").Inc()
			if b != nil {
				b.AwardCompleted(ctx, e.UID, res.Progress)
			}
		}
		if failed > 0 {
			log.Info("журнал: часть фрагментов не записана",
				zap.Int("failed", failed), zap.Int("total", len(entries)))
			return errFlushIncomplete
		}
		return nil
	}
}

var errFlushIncomplete = errors.New("journal flush: some entries are still pending")
