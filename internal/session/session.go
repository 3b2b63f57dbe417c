// Package session хранит состояние клиента между запросами.
// Сессия загружается в начале запроса по токену из cookie, передаётся
// обработчикам явно через контекст и сохраняется в конце, если изменилась.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Spok95/healthed-server/internal/models"
)

var ErrNoSession = errors.New("session: not found")

type Store interface {
	// Load возвращает ErrNoSession для неизвестного или истёкшего токена.
	Load(ctx context.Context, token string) (*Session, error)
	Save(ctx context.Context, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, token string) error
}

type Session struct {
	Token    string
	UID      string
	Email    string
	Role     models.Role
	AgeGroup string
	Progress models.ProgressMap

	dirty     bool
	destroyed bool
	prevToken string
}

// record: форма сессии в хранилище.
type record struct {
	UID      string             `json:"uid"`
	Email    string             `json:"email,omitempty"`
	Role     models.Role        `json:"role,omitempty"`
	AgeGroup string             `json:"age_group,omitempty"`
	Progress models.ProgressMap `json:"progress,omitempty"`
}

func New() *Session {
	return &Session{Token: uuid.NewString(), dirty: true}
}

func (s *Session) toRecord() record {
	return record{UID: s.UID, Email: s.Email, Role: s.Role, AgeGroup: s.AgeGroup, Progress: s.Progress}
}

func fromRecord(token string, r record) *Session {
	return &Session{Token: token, UID: r.UID, Email: r.Email, Role: r.Role, AgeGroup: r.AgeGroup, Progress: r.Progress}
}

func (s *Session) Authenticated() bool { return s != nil && s.UID != "" }

// Login привязывает сессию к пользователю; кэш прогресса начинается пустым.
// Токен выдаётся новый: токен, известный до входа, после входа недействителен.
func (s *Session) Login(uid, email string, role models.Role, ageGroup string) {
	if s.prevToken == "" {
		s.prevToken = s.Token
	}
	s.Token = uuid.NewString()
	s.UID, s.Email, s.Role, s.AgeGroup = uid, email, role, ageGroup
	s.Progress = nil
	s.dirty = true
}

func (s *Session) SetAgeGroup(ageGroup string) {
	if s.AgeGroup != ageGroup {
		s.AgeGroup = ageGroup
		s.dirty = true
	}
}

func (s *Session) Dirty() bool { return s.dirty }

// PrevToken: токен до смены при входе, его запись нужно удалить. Пусто, если смены не было.
func (s *Session) PrevToken() string { return s.prevToken }

// Destroy помечает сессию к удалению в конце запроса (выход).
func (s *Session) Destroy() {
	s.UID, s.Email, s.Role, s.AgeGroup = "", "", "", ""
	s.Progress = nil
	s.destroyed = true
}

func (s *Session) Destroyed() bool { return s.destroyed }

// Get: кэшированный прогресс пользователя uid. Чужой uid: всегда промах.
func (s *Session) Get(uid string) (models.ProgressMap, bool) {
	if s == nil || uid == "" || s.UID != uid || s.Progress == nil {
		return nil, false
	}
	return s.Progress.Clone(), true
}

func (s *Session) Set(uid string, m models.ProgressMap) {
	if s == nil || uid == "" || s.UID != uid {
		return
	}
	s.Progress = m.Clone()
	s.dirty = true
}

func (s *Session) Clear(uid string) {
	if s == nil || s.UID != uid || s.Progress == nil {
		return
	}
	s.Progress = nil
	s.dirty = true
}

type ctxKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext возвращает nil, если middleware сессии не отработал.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
