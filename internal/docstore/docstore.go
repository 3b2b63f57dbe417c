// Package docstore: единственная точка доступа к документам пользователей.
// Все бэкенды реализуют одинаковую семантику; memstore служит эталоном.
package docstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("docstore: document not found")
	ErrUnavailable = errors.New("docstore: store unavailable")
	ErrMalformed   = errors.New("docstore: malformed document")
)

// Document: документ пользователя как есть; id лежит под ключом FieldID.
type Document map[string]any

// Fields: частичное обновление. Ключи: пути через точку
// ("progress.3.pre_quiz_completed"); поля, которых нет в Fields, не трогаются.
type Fields map[string]any

type Store interface {
	// GetUser возвращает ErrNotFound, если документа нет.
	GetUser(ctx context.Context, uid string) (Document, error)
	// MergeUser возвращает ErrNotFound, если документа нет.
	MergeUser(ctx context.Context, uid string, f Fields) error
	// CreateUser ничего не делает, если документ уже есть.
	CreateUser(ctx context.Context, uid string, doc Document) error
	QueryUsers(ctx context.Context, field string, value any) ([]Document, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Outcome: результат обращения к хранилищу.
type Outcome int

const (
	OK Outcome = iota
	NotFound
	Unavailable
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case NotFound:
		return "not_found"
	case Unavailable:
		return "unavailable"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// OutcomeOf классифицирует любую ошибку адаптера.
// Всё, что не распознано, считается недоступностью хранилища.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrMalformed):
		return Malformed
	}
	return Unavailable
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func malformed(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrMalformed, err)
}
