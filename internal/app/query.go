package app

import (
	"context"

	"github.com/Spok95/healthed-server/internal/badges"
	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/progress"
	"github.com/Spok95/healthed-server/internal/session"
)

type ProgressView struct {
	Progress models.ProgressMap `json:"progress"`
	Overall  int                `json:"overall"`
	Stale    bool               `json:"stale,omitempty"`
}

// OnProgressQuery только читает: хранилище не меняется, награды не выдаются.
func (s *Service) OnProgressQuery(ctx context.Context, sess *session.Session) (ProgressView, error) {
	uid, err := requireUser(sess)
	if err != nil {
		return ProgressView{}, err
	}
	res := s.rec.Load(withOp(ctx, uid, "progress_query"), uid, sess)
	return ProgressView{Progress: res.Progress, Overall: overallOf(res.Progress), Stale: stale(res.Outcome)}, nil
}

type AchievementsView struct {
	Badges       []models.Badge `json:"badges"`
	CurrentBadge string         `json:"current_badge,omitempty"`
	Overall      int            `json:"overall"`
	SyncPending  int            `json:"sync_pending,omitempty"`
	Stale        bool           `json:"stale,omitempty"`
}

// Achievements: история наград. При недоступном хранилище: пустой список с пометкой stale.
func (s *Service) Achievements(ctx context.Context, sess *session.Session) (AchievementsView, error) {
	uid, err := requireUser(sess)
	if err != nil {
		return AchievementsView{}, err
	}
	ctx = withOp(ctx, uid, "achievements")

	out := AchievementsView{Badges: []models.Badge{}}
	if s.journal != nil {
		if n, err := s.journal.PendingCount(ctx, uid); err == nil {
			out.SyncPending = n
		}
	}

	doc, err := s.store.GetUser(ctx, uid)
	switch docstore.OutcomeOf(err) {
	case docstore.OK:
	case docstore.NotFound:
		return out, nil
	default:
		out.Stale = true
		if cached, ok := sess.Get(uid); ok {
			out.Overall = overallOf(cached)
		}
		return out, nil
	}

	if h := badges.History(doc); len(h) > 0 {
		out.Badges = h
	}
	out.CurrentBadge, _ = doc[docstore.FieldBadge].(string)
	out.Overall = overallOf(docstore.ProgressOf(doc).Records)
	return out, nil
}

// overallOf: средний процент по модулям, в которых что-то есть.
func overallOf(m models.ProgressMap) int {
	filled := models.ProgressMap{}
	for k, rec := range m {
		if !progress.IsBlank(rec) {
			filled[k] = rec
		}
	}
	return progress.Overall(filled)
}
