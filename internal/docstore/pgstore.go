package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Spok95/healthed-server/internal/migrations"
)

// PGStore хранит документ пользователя целиком в колонке JSONB.
// Слияние по путям выполняется в транзакции под SELECT ... FOR UPDATE.
type PGStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := migrations.Up(ctx, db); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// NewPGStore: для уже открытого пула (миграции должны быть применены).
func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) GetUser(ctx context.Context, uid string) (Document, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM users WHERE uid = $1`, uid).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	doc, err := decodeJSONDoc(raw)
	if err != nil {
		return nil, err
	}
	return withID(doc, uid), nil
}

func (s *PGStore) MergeUser(ctx context.Context, uid string, f Fields) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("merge user", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM users WHERE uid = $1 FOR UPDATE`, uid).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("merge user", err)
	}
	doc, err := decodeJSONDoc(raw)
	if err != nil {
		return err
	}
	applyFields(doc, f)

	out, err := json.Marshal(doc)
	if err != nil {
		return malformed("merge user", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET doc = $2, updated_at = now() WHERE uid = $1`, uid, out); err != nil {
		return unavailable("merge user", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("merge user", err)
	}
	return nil
}

func (s *PGStore) CreateUser(ctx context.Context, uid string, doc Document) error {
	d := cloneDocument(doc)
	if d == nil {
		d = Document{}
	}
	delete(d, FieldID)
	raw, err := json.Marshal(d)
	if err != nil {
		return malformed("create user", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO users (uid, doc) VALUES ($1, $2) ON CONFLICT (uid) DO NOTHING`, uid, raw); err != nil {
		return unavailable("create user", err)
	}
	return nil
}

// QueryUsers ищет по верхнеуровневому полю через jsonb-containment (@>).
func (s *PGStore) QueryUsers(ctx context.Context, field string, value any) ([]Document, error) {
	filter, err := json.Marshal(map[string]any{field: value})
	if err != nil {
		return nil, malformed("query users", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT uid, doc FROM users WHERE doc @> $1::jsonb ORDER BY uid`, filter)
	if err != nil {
		return nil, unavailable("query users", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			uid string
			raw []byte
		)
		if err := rows.Scan(&uid, &raw); err != nil {
			return nil, unavailable("query users", err)
		}
		doc, err := decodeJSONDoc(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, withID(doc, uid))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query users", err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *PGStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func decodeJSONDoc(raw []byte) (Document, error) {
	doc := Document{}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, malformed("decode", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}
