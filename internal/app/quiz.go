package app

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/access"
	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/progress"
	"github.com/Spok95/healthed-server/internal/reconcile"
	"github.com/Spok95/healthed-server/internal/session"
)

type SubmitResult struct {
	Accepted      bool               `json:"accepted"`
	Reason        access.Reason      `json:"reason,omitempty"`
	Progress      models.ProgressMap `json:"progress,omitempty"`
	SyncPending   bool               `json:"sync_pending"`
	BadgesAwarded []string           `json:"badges_awarded,omitempty"`
}

const reasonUnknownQuiz access.Reason = "unknown_quiz_type"

// OnQuizSubmit отмечает квиз пройденным и сразу проверяет награды.
func (s *Service) OnQuizSubmit(ctx context.Context, sess *session.Session, moduleID, quizType string, score *float64) (SubmitResult, error) {
	uid, err := requireUser(sess)
	if err != nil {
		return SubmitResult{}, err
	}
	ctx = withOp(ctx, uid, "quiz_submit")

	id, kind := models.ParseModuleID(moduleID)
	switch kind {
	case models.ModuleReserved:
		// без записи: только текущий прогресс
		return SubmitResult{Accepted: true, Progress: s.rec.Load(ctx, uid, sess).Progress}, nil
	case models.ModuleUnknown:
		return SubmitResult{Reason: access.ReasonUnknownModule}, nil
	}
	q, ok := models.ParseQuizType(quizType)
	if !ok {
		return SubmitResult{Reason: reasonUnknownQuiz}, nil
	}
	if d := access.CanTake(id, sess.AgeGroup); !d.Allowed {
		return SubmitResult{Reason: d.Reason}, nil
	}

	cached, _ := sess.Get(uid)
	res, err := s.rec.Reconcile(ctx, reconcile.Input{
		UID:       uid,
		Session:   cached,
		Fragments: map[string]models.Fragment{id.Key(): models.QuizFragment(q, score)},
	}, sess)
	pending := errors.Is(err, reconcile.ErrSyncPending)
	if err != nil && !pending {
		return SubmitResult{}, err
	}

	if s.journal != nil {
		if jErr := s.journal.RecordQuizResult(ctx, uid, id.Key(), q, score, !pending); jErr != nil {
			s.log.Warn("не удалось записать результат квиза в журнал", append(logging.User(uid, id.Key()), zap.Error(jErr))...)
		}
	}

	out := SubmitResult{Accepted: true, Progress: res.Progress, SyncPending: pending}
	if !pending {
		out.BadgesAwarded = s.AwardCompleted(ctx, uid, res.Progress)
	}
	s.log.Info("квиз принят", append(logging.User(uid, id.Key()),
		zap.String("quiz", string(q)), zap.Bool("sync_pending", pending))...)
	return out, nil
}

// Статусы модуля в ответе SyncAll.
const (
	SyncSynced  = "synced"
	SyncPending = "pending"
)

type SyncResult struct {
	Modules  map[string]string  `json:"modules"`
	Progress models.ProgressMap `json:"progress"`
	Partial  bool               `json:"partial"`
}

// SyncAll повторно отправляет в хранилище каждый модуль из сессии и из запроса.
// Присланное клиентом важнее кэша сессии.
func (s *Service) SyncAll(ctx context.Context, sess *session.Session, clientProgress map[string]any) (SyncResult, error) {
	uid, err := requireUser(sess)
	if err != nil {
		return SyncResult{}, err
	}
	ctx = withOp(ctx, uid, "sync_all")

	fragments := map[string]models.Fragment{}
	if cached, ok := sess.Get(uid); ok {
		for k, rec := range cached {
			if progress.IsBlank(rec) {
				continue
			}
			fragments[k] = progress.FragmentOf(rec)
		}
	}
	for k, f := range progress.FragmentsFromRaw(clientProgress) {
		fragments[k] = f
	}

	keys := make([]string, 0, len(fragments))
	for k := range fragments {
		if _, kind := models.ParseModuleID(k); kind == models.ModuleKnown {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := SyncResult{Modules: make(map[string]string, len(keys))}
	for _, k := range keys {
		res, err := s.rec.Reconcile(ctx, reconcile.Input{
			UID:       uid,
			Fragments: map[string]models.Fragment{k: fragments[k]},
		}, sess)
		switch {
		case err == nil:
			out.Modules[k] = SyncSynced
		case errors.Is(err, reconcile.ErrSyncPending):
			out.Modules[k] = SyncPending
			out.Partial = true
		default:
			return SyncResult{}, err
		}
		out.Progress = res.Progress
	}
	if out.Progress == nil {
		out.Progress = s.rec.Load(ctx, uid, sess).Progress
	}
	if !out.Partial && len(keys) > 0 {
		s.AwardCompleted(ctx, uid, out.Progress)
	}
	return out, nil
}

type PreQuizStatus struct {
	Module    string   `json:"module"`
	Completed bool     `json:"completed"`
	Score     *float64 `json:"score,omitempty"`
}

// CheckPreQuiz: пройден ли pre-quiz модуля. Только чтение.
func (s *Service) CheckPreQuiz(ctx context.Context, sess *session.Session, moduleID string) (PreQuizStatus, error) {
	uid, err := requireUser(sess)
	if err != nil {
		return PreQuizStatus{}, err
	}
	id, kind := models.ParseModuleID(moduleID)
	if kind == models.ModuleUnknown {
		return PreQuizStatus{}, ErrInvalidInput
	}
	if kind == models.ModuleReserved {
		return PreQuizStatus{Module: id.Key()}, nil
	}
	rec := s.rec.Load(withOp(ctx, uid, "check_pre_quiz"), uid, sess).Progress[id.Key()]
	return PreQuizStatus{
		Module:    id.Key(),
		Completed: progress.IsPreQuizSatisfied(rec),
		Score:     rec.PreQuizScore,
	}, nil
}

// ModuleAccess: допуск к материалам: возраст, затем pre-quiz.
func (s *Service) ModuleAccess(ctx context.Context, sess *session.Session, moduleID string) (access.Decision, error) {
	uid, err := requireUser(sess)
	if err != nil {
		return access.Decision{}, err
	}
	id, kind := models.ParseModuleID(moduleID)
	if kind == models.ModuleUnknown {
		return access.Decision{Reason: access.ReasonUnknownModule}, nil
	}
	if d := access.CanTake(id, sess.AgeGroup); !d.Allowed || kind == models.ModuleReserved {
		return d, nil
	}
	res := s.rec.Load(withOp(ctx, uid, "module_access"), uid, sess)
	return access.Decide(id, res.Progress[id.Key()], sess.AgeGroup), nil
}

// stale: прогресс получен не из хранилища.
func stale(o docstore.Outcome) bool {
	return o == docstore.Unavailable || o == docstore.Malformed
}
