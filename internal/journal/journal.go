// Package journal: локальный журнал синхронизации в Postgres.
// Фрагменты прогресса, которые не удалось записать в хранилище документов,
// лежат в pending_progress до успешного повтора; результаты квизов
// пишутся в quiz_results всегда.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/ctxutil"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/migrations"
	"github.com/Spok95/healthed-server/internal/models"
)

// MaxAttempts: после стольких неудачных повторов запись больше не выбирается.
const MaxAttempts = 20

type Entry struct {
	ID        uuid.UUID
	UID       string
	Module    string
	Fragment  models.Fragment
	Attempts  int
	CreatedAt time.Time
}

type Journal struct {
	db  *sql.DB
	log *zap.Logger
}

func Open(ctx context.Context, dsn string, log *zap.Logger) (*Journal, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := ctxutil.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	return New(db, log), nil
}

func New(db *sql.DB, log *zap.Logger) *Journal {
	return &Journal{db: db, log: logging.OrNop(log).Named("journal")}
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) RecordPending(ctx context.Context, uid, module string, f models.Fragment, cause error) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var lastErr sql.NullString
	if cause != nil {
		lastErr = sql.NullString{String: cause.Error(), Valid: true}
	}
	_, err = j.db.ExecContext(ctx, `
INSERT INTO pending_progress (id, uid, module_id, fragment, last_error)
VALUES ($1, $2, $3, $4, $5)`, uuid.New(), uid, module, string(raw), lastErr)
	if err != nil {
		return fmt.Errorf("record pending: %w", err)
	}
	j.log.Info("фрагмент отложен", logging.User(uid, module)...)
	return nil
}

// Unsynced: самые старые неотправленные фрагменты.
func (j *Journal) Unsynced(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, uid, module_id, fragment, attempts, created_at
FROM pending_progress
WHERE synced_at IS NULL AND attempts < $1
ORDER BY created_at
LIMIT $2`, MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("unsynced: %w", err)
	}
	defer rows.Close()

	var (
		out    []Entry
		broken = map[uuid.UUID]error{}
	)
	for rows.Next() {
		var (
			e   Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.UID, &e.Module, &raw, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("unsynced scan: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Fragment); err != nil {
			j.log.Warn("испорченный фрагмент в журнале", zap.String("id", e.ID.String()), zap.Error(err))
			broken[e.ID] = err
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unsynced: %w", err)
	}
	rows.Close()

	// испорченную запись повторять бессмысленно: исчерпываем попытки сразу,
	// иначе она вечно занимает место в выборке
	for id, cause := range broken {
		if _, err := j.db.ExecContext(ctx,
			`UPDATE pending_progress SET attempts = $2, last_error = $3 WHERE id = $1`,
			id, MaxAttempts, "malformed fragment: "+cause.Error()); err != nil {
			return out, fmt.Errorf("unsynced park: %w", err)
		}
	}
	return out, nil
}

func (j *Journal) MarkSynced(ctx context.Context, id uuid.UUID) error {
	_, err := j.db.ExecContext(ctx, `UPDATE pending_progress SET synced_at = now() WHERE id = $1`, id)
	return err
}

func (j *Journal) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE pending_progress SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, msg)
	return err
}

// PendingCount: сколько фрагментов пользователя ещё не записано.
func (j *Journal) PendingCount(ctx context.Context, uid string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT count(*) FROM pending_progress WHERE uid = $1 AND synced_at IS NULL AND attempts < $2`,
		uid, MaxAttempts).Scan(&n)
	return n, err
}

func (j *Journal) RecordQuizResult(ctx context.Context, uid, module string, q models.QuizType, score *float64, synced bool) error {
	var s sql.NullFloat64
	if score != nil {
		s = sql.NullFloat64{Float64: *score, Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO quiz_results (id, uid, module_id, quiz_type, score, synced)
VALUES ($1, $2, $3, $4, $5, $6)`, uuid.New(), uid, module, string(q), s, synced)
	if err != nil {
		return fmt.Errorf("record quiz result: %w", err)
	}
	return nil
}

// MarkQuizResultsSynced отмечает результаты квизов модуля после успешного повтора.
func (j *Journal) MarkQuizResultsSynced(ctx context.Context, uid, module string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE quiz_results SET synced = true WHERE uid = $1 AND module_id = $2 AND NOT synced`, uid, module)
	return err
}
