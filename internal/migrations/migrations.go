// Package migrations хранит схему Postgres: таблицу документов пользователей
// и таблицы журнала синхронизации.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// goose держит FS и диалект глобально
var mu sync.Mutex

func Up(ctx context.Context, db *sql.DB) error {
	mu.Lock()
	defer mu.Unlock()
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
