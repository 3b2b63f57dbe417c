package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/auth"
	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/progress"
	"github.com/Spok95/healthed-server/internal/reconcile"
	"github.com/Spok95/healthed-server/internal/session"
)

type LoginResult struct {
	UID           string             `json:"uid"`
	Role          models.Role        `json:"role"`
	AgeGroup      string             `json:"age_group,omitempty"`
	Progress      models.ProgressMap `json:"progress"`
	SyncPending   bool               `json:"sync_pending"`
	Stale         bool               `json:"stale,omitempty"`
	BadgesAwarded []string           `json:"badges_awarded,omitempty"`
}

// OnLogin заполняет сессию: база: хранилище, присланный клиентом прогресс
// накладывается сверху по полям.
func (s *Service) OnLogin(ctx context.Context, sess *session.Session, id auth.Identity, clientProgress map[string]any) (LoginResult, error) {
	if id.UID == "" {
		return LoginResult{}, ErrUnauthorized
	}
	ctx = withOp(ctx, id.UID, "login")

	user := models.User{UID: id.UID, Email: id.Email, Role: models.Student}
	doc, err := s.store.GetUser(ctx, id.UID)
	switch docstore.OutcomeOf(err) {
	case docstore.OK:
		user = docstore.UserFromDocument(doc)
		if user.Email == "" {
			user.Email = id.Email
		}
	case docstore.NotFound:
		// первый вход без регистрации: заводим документ студента
		if cErr := s.store.CreateUser(ctx, id.UID, docstore.NewUserDocument(user, s.now())); cErr != nil {
			s.log.Warn("не удалось создать документ при входе", zap.String("uid", id.UID), zap.Error(cErr))
		}
	default:
		s.log.Warn("хранилище недоступно при входе, роль по умолчанию", zap.String("uid", id.UID), zap.Error(err))
	}

	sess.Login(id.UID, user.Email, user.Role, user.AgeGroup)

	res, err := s.rec.Reconcile(ctx, reconcile.Input{
		UID:       id.UID,
		Fragments: progress.FragmentsFromRaw(clientProgress),
	}, sess)
	pending := errors.Is(err, reconcile.ErrSyncPending)
	if err != nil && !pending {
		return LoginResult{}, err
	}

	out := LoginResult{
		UID:         id.UID,
		Role:        user.Role,
		AgeGroup:    user.AgeGroup,
		Progress:    res.Progress,
		SyncPending: pending,
		Stale:       stale(res.Outcome),
	}
	if !pending && !out.Stale {
		out.BadgesAwarded = s.AwardCompleted(ctx, id.UID, res.Progress)
	}
	return out, nil
}

// OnLogout очищает кэш; саму сессию удаляет транспорт.
func (s *Service) OnLogout(sess *session.Session) {
	if sess.Authenticated() {
		sess.Clear(sess.UID)
	}
	sess.Destroy()
}

type RegisterInput struct {
	Role        string `json:"role"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	AgeGroup    string `json:"age_group"`
	TeacherCode string `json:"teacher_code"`
}

type RegisterResult struct {
	UID         string      `json:"uid"`
	Role        models.Role `json:"role"`
	TeacherCode string      `json:"teacher_code,omitempty"`
	TeacherID   string      `json:"teacher_id,omitempty"`
}

// Register создаёт документ пользователя. Учителю выдаётся код вида TCH<yymm><3 символа>.
func (s *Service) Register(ctx context.Context, sess *session.Session, id auth.Identity, in RegisterInput) (RegisterResult, error) {
	if id.UID == "" {
		return RegisterResult{}, ErrUnauthorized
	}
	ctx = withOp(ctx, id.UID, "register")

	ageGroup, err := cleanAgeGroup(in.AgeGroup, true)
	if err != nil {
		return RegisterResult{}, err
	}
	switch _, err := s.store.GetUser(ctx, id.UID); docstore.OutcomeOf(err) {
	case docstore.OK:
		return RegisterResult{}, ErrAlreadyRegistered
	case docstore.NotFound:
	default:
		return RegisterResult{}, err
	}

	user := models.User{
		UID:       id.UID,
		Email:     id.Email,
		Role:      models.ParseRole(strings.ToLower(strings.TrimSpace(in.Role))),
		AgeGroup:  ageGroup,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
	}

	switch user.Role {
	case models.Teacher:
		code, err := s.newTeacherCode(ctx)
		if err != nil {
			return RegisterResult{}, err
		}
		user.TeacherCode = code
	default:
		if code := strings.TrimSpace(in.TeacherCode); code != "" {
			teacher, err := s.findTeacher(ctx, code)
			if err != nil {
				return RegisterResult{}, err
			}
			user.TeacherID = teacher.UID
		}
	}

	if err := s.store.CreateUser(ctx, id.UID, docstore.NewUserDocument(user, s.now())); err != nil {
		return RegisterResult{}, fmt.Errorf("create user: %w", err)
	}
	sess.Login(user.UID, user.Email, user.Role, user.AgeGroup)
	s.log.Info("пользователь зарегистрирован", zap.String("uid", user.UID), zap.String("role", string(user.Role)))

	return RegisterResult{UID: user.UID, Role: user.Role, TeacherCode: user.TeacherCode, TeacherID: user.TeacherID}, nil
}

const teacherCodeAttempts = 5

func (s *Service) newTeacherCode(ctx context.Context) (string, error) {
	prefix := "TCH" + s.now().UTC().Format("0601")
	for i := 0; i < teacherCodeAttempts; i++ {
		code := prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:3])
		docs, err := s.store.QueryUsers(ctx, docstore.FieldTeacherCode, code)
		if err != nil {
			return "", err
		}
		if len(docs) == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("teacher code: no free code after %d attempts", teacherCodeAttempts)
}

func (s *Service) findTeacher(ctx context.Context, code string) (models.User, error) {
	docs, err := s.store.QueryUsers(ctx, docstore.FieldTeacherCode, strings.ToUpper(code))
	if err != nil {
		return models.User{}, err
	}
	for _, d := range docs {
		if u := docstore.UserFromDocument(d); u.Role == models.Teacher {
			return u, nil
		}
	}
	return models.User{}, ErrTeacherNotFound
}

func cleanAgeGroup(v string, optional bool) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" && optional {
		return "", nil
	}
	if v == "" || len(v) > 16 {
		return "", fmt.Errorf("%w: age_group", ErrInvalidInput)
	}
	return v, nil
}
