package observability

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Spok95/healthed-server/internal/ctxutil"
)

func InitSentry(dsn, env, release string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
		Release:     release,
	}); err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// CaptureErr отправляет ошибку в Sentry с тегами uid/op из контекста.
// Без инициализированного клиента вызов ничего не делает.
func CaptureErr(ctx context.Context, err error) {
	if err == nil {
		return
	}
	hub := sentry.CurrentHub()
	if ctx != nil {
		if h := sentry.GetHubFromContext(ctx); h != nil {
			hub = h
		}
	}
	hub.WithScope(func(scope *sentry.Scope) {
		if ctx != nil {
			if uid, ok := ctxutil.UID(ctx); ok {
				scope.SetUser(sentry.User{ID: uid})
			}
			if op, ok := ctxutil.Op(ctx); ok {
				scope.SetTag("op", op)
			}
		}
		hub.CaptureException(err)
	})
}
