package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/badges"
	"github.com/Spok95/healthed-server/internal/ctxutil"
	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/reconcile"
	"github.com/Spok95/healthed-server/internal/session"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUserNotFound      = errors.New("user not found")
	ErrTeacherNotFound   = errors.New("teacher not found")
	ErrAlreadyRegistered = errors.New("already registered")
)

// QuizJournal: локальная запись результатов квизов; может отсутствовать.
type QuizJournal interface {
	RecordQuizResult(ctx context.Context, uid, module string, q models.QuizType, score *float64, synced bool) error
	PendingCount(ctx context.Context, uid string) (int, error)
}

// Service: точки входа ядра, не зависящие от транспорта.
type Service struct {
	store   docstore.Store
	rec     *reconcile.Reconciler
	awards  *badges.Awarder
	journal QuizJournal
	limiter *UserLimiter
	log     *zap.Logger
	now     func() time.Time
}

type ServiceOption func(*Service)

func WithQuizJournal(j QuizJournal) ServiceOption { return func(s *Service) { s.journal = j } }

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store docstore.Store, rec *reconcile.Reconciler, awards *badges.Awarder, log *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		rec:     rec,
		awards:  awards,
		limiter: NewUserLimiter(),
		log:     logging.OrNop(log).Named("app"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func requireUser(sess *session.Session) (string, error) {
	if !sess.Authenticated() {
		return "", ErrUnauthorized
	}
	return sess.UID, nil
}

func requireTeacher(sess *session.Session) (string, error) {
	uid, err := requireUser(sess)
	if err != nil {
		return "", err
	}
	if sess.Role != models.Teacher {
		return "", ErrForbidden
	}
	return uid, nil
}

// AwardCompleted: проверка наград по всем модулям под блокировкой пользователя.
func (s *Service) AwardCompleted(ctx context.Context, uid string, m models.ProgressMap) []string {
	unlock := s.limiter.lock(uid)
	defer unlock()
	return s.awards.AwardCompleted(ctx, uid, m)
}

func withOp(ctx context.Context, uid, op string) context.Context {
	if uid != "" {
		ctx = ctxutil.WithUID(ctx, uid)
	}
	return ctxutil.WithOp(ctx, op)
}
