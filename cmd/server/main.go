package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/app"
	"github.com/Spok95/healthed-server/internal/auth"
	"github.com/Spok95/healthed-server/internal/badges"
	"github.com/Spok95/healthed-server/internal/config"
	"github.com/Spok95/healthed-server/internal/ctxutil"
	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/jobs"
	"github.com/Spok95/healthed-server/internal/journal"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/observability"
	"github.com/Spok95/healthed-server/internal/reconcile"
	"github.com/Spok95/healthed-server/internal/session"
)

var release = "dev"

const sessionSweepInterval = 10 * time.Minute

func main() {
	// Загрузка переменных окружения
	if err := godotenv.Load(); err != nil {
		log.Println("Не удалось загрузить .env файл, используем переменные окружения")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка конфигурации: %v", err)
	}

	lg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer lg.Closer()
	logger := lg.Base

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, release)
	if err != nil {
		logger.Warn("sentry не инициализирован", zap.Error(err))
	}
	defer flush()

	ctxutil.DefaultStoreTimeout = cfg.StoreTimeout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("сервер остановлен с ошибкой", zap.Error(err))
		flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	raw, err := docstore.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = raw.Close(cctx)
	}()
	store := docstore.NewInstrumented(raw, cfg.StoreTimeout, logger)
	logger.Info("хранилище документов подключено", zap.String("backend", cfg.Docstore))

	var sessions session.Store
	runner := jobs.New(ctx, logger)
	switch cfg.SessionStore {
	case config.SessionRedis:
		rs, rdb, err := session.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sessions = rs
	default:
		ms := session.NewMemoryStore()
		runner.Every(sessionSweepInterval, jobs.JobSessionSweep, ms.Sweep)
		sessions = ms
	}

	awards := badges.New(store, logger)
	recOpts := []reconcile.Option{}
	svcOpts := []app.ServiceOption{}
	var jr *journal.Journal
	if cfg.JournalEnabled() {
		jr, err = journal.Open(ctx, cfg.JournalDatabaseURL, logger)
		if err != nil {
			return err
		}
		defer jr.Close()
		recOpts = append(recOpts, reconcile.WithJournal(jr))
		svcOpts = append(svcOpts, app.WithQuizJournal(jr))
	}
	rec := reconcile.New(store, logger, recOpts...)
	svc := app.NewService(store, rec, awards, logger, svcOpts...)
	if jr != nil {
		runner.Every(cfg.JournalFlushInterval, jobs.JobJournalFlush, jobs.JournalFlush(jr, rec, svc, logger))
	}

	verifier, err := auth.NewVerifier(cfg.IdentitySecret, cfg.IdentityPublicKey, cfg.IdentityIssuer)
	if err != nil {
		return err
	}

	api := app.NewAPI(svc, sessions, verifier, store, app.APIConfig{
		Cookie: cfg.SessionCookie,
		TTL:    cfg.SessionTTL,
		Secure: cfg.CookieSecure,
	}, logger)
	srv := app.StartHTTP(ctx, cfg.HTTPAddr, api.Router(), logger)
	logger.Info("HTTP сервер запущен", zap.String("addr", cfg.HTTPAddr))

	<-ctx.Done()
	logger.Info("остановка сервера")
	<-srv.Done()
	return nil
}
