//go:build testutil
// +build testutil

// Package testdb поднимает контейнеры Postgres, MongoDB, Redis и эмулятора
// Firestore для интеграционных тестов.
package testdb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/gcloud"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/Spok95/healthed-server/internal/migrations"
)

type DBHandle struct {
	DB     *sql.DB
	URL    string
	cancel func()
	stop   func(context.Context) error
}

func (h *DBHandle) Close() {
	if h.DB != nil {
		_ = h.DB.Close()
	}
	if h.stop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.stop(ctx)
	}
	if h.cancel != nil {
		h.cancel()
	}
}

// Start: Postgres с применёнными миграциями.
func Start(ctx context.Context) (*DBHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)

	pg, err := postgres.RunContainer(ctx,
		tc.WithImage("postgres:17-alpine"),
		postgres.WithDatabase("healthed"),
		postgres.WithUsername("healthed"),
		postgres.WithPassword("healthed"),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	uri, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pg.Terminate(ctx)
		cancel()
		return nil, err
	}

	db, err := sql.Open("postgres", uri)
	if err != nil {
		_ = pg.Terminate(ctx)
		cancel()
		return nil, err
	}
	if err := waitReady(ctx, db); err != nil {
		_ = pg.Terminate(ctx)
		cancel()
		return nil, err
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = pg.Terminate(ctx)
		cancel()
		return nil, err
	}

	return &DBHandle{
		DB:     db,
		URL:    uri,
		cancel: cancel,
		stop:   pg.Terminate,
	}, nil
}

func waitReady(ctx context.Context, db *sql.DB) error {
	dead := time.Now().Add(20 * time.Second)
	for time.Now().Before(dead) {
		if err := db.PingContext(ctx); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return errors.New("db not ready")
}

// Container: контейнер, у которого нужен только адрес.
type Container struct {
	URL  string
	stop func(context.Context) error
}

func (c *Container) Close() {
	if c.stop == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.stop(ctx)
}

func StartMongo(ctx context.Context) (*Container, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	mc, err := mongodb.RunContainer(ctx, tc.WithImage("mongo:7"))
	if err != nil {
		return nil, err
	}
	uri, err := mc.ConnectionString(ctx)
	if err != nil {
		_ = mc.Terminate(ctx)
		return nil, err
	}
	return &Container{URL: uri, stop: mc.Terminate}, nil
}

// StartRedis возвращает адрес host:port.
func StartRedis(ctx context.Context) (*Container, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	rc, err := redis.RunContainer(ctx, tc.WithImage("redis:7-alpine"))
	if err != nil {
		return nil, err
	}
	uri, err := rc.ConnectionString(ctx)
	if err != nil {
		_ = rc.Terminate(ctx)
		return nil, err
	}
	return &Container{URL: strings.TrimPrefix(uri, "redis://"), stop: rc.Terminate}, nil
}

// FirestoreProject: проект, с которым запускается эмулятор.
const FirestoreProject = "healthed-test"

// StartFirestore возвращает адрес эмулятора host:port для FIRESTORE_EMULATOR_HOST.
func StartFirestore(ctx context.Context) (*Container, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	fc, err := gcloud.RunFirestoreContainer(ctx,
		tc.WithImage("gcr.io/google.com/cloudsdktool/cloud-sdk:367.0.0-emulators"),
		gcloud.WithProjectID(FirestoreProject),
	)
	if err != nil {
		return nil, err
	}
	return &Container{URL: fc.URI, stop: fc.Terminate}, nil
}
