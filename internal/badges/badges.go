// Package badges выдаёт награды за модули. Выдача идемпотентна:
// в истории не больше одной награды с данным именем (без учёта регистра).
package badges

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/metrics"
	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/observability"
	"github.com/Spok95/healthed-server/internal/progress"
)

var (
	ErrNotOwner  = errors.New("badges: student is not connected to this teacher")
	ErrEmptyName = errors.New("badges: empty badge name")
)

const TeacherReason = "Awarded by teacher"

var moduleBadges = map[models.ModuleID]string{
	1: "Teen Explorer",
	2: "Body Systems Scholar",
	3: "Cycle Savvy",
	5: "Hygiene Hero",
	6: "Wellness Watcher",
	7: "Germ Buster",
}

// ForModule: награда за модуль; у модулей без записи в таблице награды нет.
func ForModule(id models.ModuleID) (string, bool) {
	name, ok := moduleBadges[id]
	return name, ok
}

func CompletionReason(id models.ModuleID) string {
	return fmt.Sprintf("Completed module %d 100%%", id)
}

type Outcome int

const (
	Awarded Outcome = iota
	AlreadyHeld
	UserNotFound
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Awarded:
		return "awarded"
	case AlreadyHeld:
		return "already_held"
	case UserNotFound:
		return "user_not_found"
	}
	return "failed"
}

// Succeeded: повторная выдача уже имеющейся награды: тоже успех.
func (o Outcome) Succeeded() bool { return o == Awarded || o == AlreadyHeld }

type Awarder struct {
	store docstore.Store
	log   *zap.Logger
	now   func() time.Time
}

func New(store docstore.Store, log *zap.Logger) *Awarder {
	return &Awarder{store: store, log: logging.OrNop(log).Named("badges"), now: time.Now}
}

// WithClock: для тестов.
func (a *Awarder) WithClock(now func() time.Time) *Awarder {
	a.now = now
	return a
}

// state: история и текущая награда, прочитанные из документа.
type state struct {
	history []models.Badge
	current string
}

func stateOf(doc docstore.Document) state {
	cur, _ := doc[docstore.FieldBadge].(string)
	return state{history: docstore.BadgesOf(doc), current: cur}
}

func (s state) holds(name string) bool {
	if strings.EqualFold(s.current, name) {
		return true
	}
	for _, b := range s.history {
		if strings.EqualFold(b.Name, name) {
			return true
		}
	}
	return false
}

// Award выдаёт награду. Ошибки не возвращаются: сбой выдачи
// не должен мешать записи прогресса, которая её вызвала.
func (a *Awarder) Award(ctx context.Context, uid, name, reason string) Outcome {
	name = strings.TrimSpace(name)
	if name == "" {
		return a.done(ctx, uid, name, Failed, ErrEmptyName)
	}
	doc, err := a.store.GetUser(ctx, uid)
	if err != nil {
		return a.done(ctx, uid, name, readOutcome(err), err)
	}
	out, _ := a.apply(ctx, uid, stateOf(doc), name, reason)
	return out
}

// AwardCompleted проверяет все модули и выдаёт награды за завершённые.
// Возвращает имена выданных сейчас наград.
func (a *Awarder) AwardCompleted(ctx context.Context, uid string, m models.ProgressMap) []string {
	var due []models.ModuleID
	for _, id := range models.Modules() {
		if _, ok := ForModule(id); ok && progress.IsModuleComplete(m[id.Key()]) {
			due = append(due, id)
		}
	}
	if len(due) == 0 {
		return nil
	}

	doc, err := a.store.GetUser(ctx, uid)
	if err != nil {
		a.done(ctx, uid, "", readOutcome(err), err)
		return nil
	}
	st := stateOf(doc)

	var awarded []string
	for _, id := range due {
		name, _ := ForModule(id)
		var out Outcome
		out, st = a.apply(ctx, uid, st, name, CompletionReason(id))
		if out == Awarded {
			awarded = append(awarded, name)
		}
		if !out.Succeeded() {
			break
		}
	}
	return awarded
}

// AssignByTeacher: награда от учителя своему ученику (teacher_id ученика).
func (a *Awarder) AssignByTeacher(ctx context.Context, teacherUID, studentUID, name string) (Outcome, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Failed, ErrEmptyName
	}
	doc, err := a.store.GetUser(ctx, studentUID)
	if err != nil {
		out := readOutcome(err)
		a.done(ctx, studentUID, name, out, err)
		if out == UserNotFound {
			return out, nil
		}
		return out, err
	}
	if tid, _ := doc[docstore.FieldTeacherID].(string); tid == "" || tid != teacherUID {
		return Failed, ErrNotOwner
	}
	out, _ := a.apply(ctx, studentUID, stateOf(doc), name, TeacherReason)
	if out == Failed {
		return out, fmt.Errorf("assign badge %q: %w", name, docstore.ErrUnavailable)
	}
	return out, nil
}

// apply дописывает награду в историю (чтение-изменение-запись всего массива).
func (a *Awarder) apply(ctx context.Context, uid string, st state, name, reason string) (Outcome, state) {
	if st.holds(name) {
		return a.done(ctx, uid, name, AlreadyHeld, nil), st
	}
	now := a.now().UTC()
	history := append(append([]models.Badge(nil), st.history...), models.Badge{Name: name, Reason: reason, AssignedAt: &now})

	err := a.store.MergeUser(ctx, uid, docstore.Fields{
		docstore.FieldBadges:         docstore.BadgeValues(history),
		docstore.FieldBadge:          name,
		docstore.FieldBadgeUpdatedAt: now,
	})
	if err != nil {
		return a.done(ctx, uid, name, readOutcome(err), err), st
	}
	return a.done(ctx, uid, name, Awarded, nil), state{history: history, current: name}
}

func (a *Awarder) done(ctx context.Context, uid, name string, out Outcome, err error) Outcome {
	metrics.BadgeAwards.WithLabelValues(out.String()).Inc()
	fields := []zap.Field{zap.String("uid", uid), zap.String("badge", name), zap.String("result", out.String())}
	switch out {
	case Awarded:
		a.log.Info("награда выдана", fields...)
	case UserNotFound:
		a.log.Warn("награда не выдана: нет документа пользователя", fields...)
	case Failed:
		a.log.Error("награда не выдана", append(fields, zap.Error(err))...)
		if docstore.OutcomeOf(err) != docstore.Unavailable {
			observability.CaptureErr(ctx, err)
		}
	}
	return out
}

func readOutcome(err error) Outcome {
	if docstore.OutcomeOf(err) == docstore.NotFound {
		return UserNotFound
	}
	return Failed
}

// History: история для страницы достижений. Текущая награда, которой
// нет в истории (старые документы), добавляется в начало.
func History(doc docstore.Document) []models.Badge {
	st := stateOf(doc)
	out := st.history
	if st.current == "" {
		return out
	}
	for _, b := range out {
		if strings.EqualFold(b.Name, st.current) {
			return out
		}
	}
	head := models.Badge{Name: st.current, AssignedAt: progress.Timestamp(doc[docstore.FieldBadgeUpdatedAt])}
	return append([]models.Badge{head}, out...)
}
