package docstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/ctxutil"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/metrics"
)

// Instrumented оборачивает Store: таймаут на каждый вызов, метрики, логи сбоев.
type Instrumented struct {
	next    Store
	timeout time.Duration
	log     *zap.Logger
}

func NewInstrumented(next Store, timeout time.Duration, log *zap.Logger) *Instrumented {
	return &Instrumented{next: next, timeout: timeout, log: logging.OrNop(log).Named("docstore")}
}

func (s *Instrumented) observe(ctx context.Context, op, uid string, start time.Time, err error) {
	outcome := OutcomeOf(err)
	metrics.ObserveStoreOp(op, outcome.String(), time.Since(start))
	if outcome == Unavailable || outcome == Malformed {
		fields := []zap.Field{zap.String("op", op), zap.String("outcome", outcome.String()), zap.Error(err)}
		if uid != "" {
			fields = append(fields, zap.String("uid", uid))
		} else if ctxUID, ok := ctxutil.UID(ctx); ok {
			fields = append(fields, zap.String("uid", ctxUID))
		}
		s.log.Warn("сбой хранилища документов", fields...)
	}
}

func (s *Instrumented) GetUser(ctx context.Context, uid string) (Document, error) {
	ctx, cancel := ctxutil.WithStoreTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	doc, err := s.next.GetUser(ctx, uid)
	s.observe(ctx, "get_user", uid, start, err)
	return doc, err
}

func (s *Instrumented) MergeUser(ctx context.Context, uid string, f Fields) error {
	ctx, cancel := ctxutil.WithStoreTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err := s.next.MergeUser(ctx, uid, f)
	s.observe(ctx, "merge_user", uid, start, err)
	return err
}

func (s *Instrumented) CreateUser(ctx context.Context, uid string, doc Document) error {
	ctx, cancel := ctxutil.WithStoreTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err := s.next.CreateUser(ctx, uid, doc)
	s.observe(ctx, "create_user", uid, start, err)
	return err
}

func (s *Instrumented) QueryUsers(ctx context.Context, field string, value any) ([]Document, error) {
	ctx, cancel := ctxutil.WithStoreTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	docs, err := s.next.QueryUsers(ctx, field, value)
	s.observe(ctx, "query_users", "", start, err)
	return docs, err
}

func (s *Instrumented) Ping(ctx context.Context) error {
	ctx, cancel := ctxutil.WithStoreTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err := s.next.Ping(ctx)
	metrics.ObserveStorePing(time.Since(start))
	s.observe(ctx, "ping", "", start, err)
	return err
}

func (s *Instrumented) Close(ctx context.Context) error { return s.next.Close(ctx) }
