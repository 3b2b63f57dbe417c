package app

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Spok95/healthed-server/internal/access"
	"github.com/Spok95/healthed-server/internal/auth"
	"github.com/Spok95/healthed-server/internal/badges"
	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/reconcile"
	"github.com/Spok95/healthed-server/internal/session"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type quizSpy struct {
	synced []bool
}

func (q *quizSpy) RecordQuizResult(_ context.Context, _, _ string, _ models.QuizType, _ *float64, synced bool) error {
	q.synced = append(q.synced, synced)
	return nil
}

func (q *quizSpy) PendingCount(context.Context, string) (int, error) { return 0, nil }

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *docstore.MemStore) {
	t.Helper()
	store := docstore.NewMemStore()
	clock := func() time.Time { return testNow }
	rec := reconcile.New(store, logging.Nop(), reconcile.WithClock(clock))
	awards := badges.New(store, logging.Nop()).WithClock(clock)
	opts = append([]ServiceOption{WithServiceClock(clock)}, opts...)
	return NewService(store, rec, awards, logging.Nop(), opts...), store
}

func loggedIn(t *testing.T, s *Service, uid string, client map[string]any) (*session.Session, LoginResult) {
	t.Helper()
	sess := session.New()
	res, err := s.OnLogin(context.Background(), sess, auth.Identity{UID: uid, Email: uid + "@example.com"}, client)
	if err != nil {
		t.Fatalf("OnLogin: %v", err)
	}
	return sess, res
}

func score(f float64) *float64 { return &f }

func TestOnLogin_NewUserLegacyTrue(t *testing.T) {
	s, store := newTestService(t)
	_, res := loggedIn(t, s, "u1", map[string]any{"1": true})

	if res.Role != models.Student || res.SyncPending {
		t.Fatalf("ожидали студента без отложенной синхронизации, получили %+v", res)
	}
	m1 := res.Progress["1"]
	if !m1.PreQuizCompleted || m1.PostQuizCompleted {
		t.Fatalf("ожидали только pre для модуля 1, получили %+v", m1)
	}
	if len(res.BadgesAwarded) != 0 {
		t.Fatalf("наград быть не должно: %v", res.BadgesAwarded)
	}
	doc, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("документ не создан: %v", err)
	}
	if got := docstore.ProgressOf(doc).Records["1"]; !got.PreQuizCompleted {
		t.Fatalf("прогресс не записан в хранилище: %+v", got)
	}
}

func TestOnQuizSubmit_PostAwardsBadge(t *testing.T) {
	j := &quizSpy{}
	s, store := newTestService(t, WithQuizJournal(j))
	sess, _ := loggedIn(t, s, "u1", map[string]any{"1": true})

	res, err := s.OnQuizSubmit(context.Background(), sess, "1", "post", score(90))
	if err != nil {
		t.Fatalf("OnQuizSubmit: %v", err)
	}
	if !res.Accepted || res.SyncPending {
		t.Fatalf("ожидали принятый квиз, получили %+v", res)
	}
	if len(res.BadgesAwarded) != 1 || res.BadgesAwarded[0] != "Teen Explorer" {
		t.Fatalf("ожидали Teen Explorer, получили %v", res.BadgesAwarded)
	}
	if len(j.synced) != 1 || !j.synced[0] {
		t.Fatalf("ожидали синхронизированную запись квиза, получили %v", j.synced)
	}

	// повторная отправка не выдаёт награду второй раз
	res, _ = s.OnQuizSubmit(context.Background(), sess, "1", "post", score(95))
	if len(res.BadgesAwarded) != 0 {
		t.Fatalf("награда выдана повторно: %v", res.BadgesAwarded)
	}
	doc, _ := store.GetUser(context.Background(), "u1")
	if h := docstore.BadgesOf(doc); len(h) != 1 {
		t.Fatalf("ожидали одну награду в истории, получили %+v", h)
	}
}

func TestOnQuizSubmit_AgeGate(t *testing.T) {
	s, _ := newTestService(t)
	cases := map[string]bool{
		"17-19":     true,
		"16":        false,
		"seventeen": false,
		"":          false,
	}
	for age, allowed := range cases {
		sess, _ := loggedIn(t, s, "u-"+age, nil)
		sess.SetAgeGroup(age)
		res, err := s.OnQuizSubmit(context.Background(), sess, "7", "pre", nil)
		if err != nil {
			t.Fatalf("%q: %v", age, err)
		}
		if res.Accepted != allowed {
			t.Fatalf("%q: ожидали accepted=%v, получили %+v", age, allowed, res)
		}
		if !allowed && res.Reason != access.ReasonAgeRestricted {
			t.Fatalf("%q: ожидали age_restricted, получили %q", age, res.Reason)
		}
	}
}

func TestOnQuizSubmit_ReservedAndUnknown(t *testing.T) {
	s, store := newTestService(t)
	sess, _ := loggedIn(t, s, "u1", map[string]any{"1": true})
	before, _ := store.GetUser(context.Background(), "u1")

	res, err := s.OnQuizSubmit(context.Background(), sess, "4", "pre", nil)
	if err != nil || !res.Accepted {
		t.Fatalf("модуль 4 должен приниматься без эффекта: %+v %v", res, err)
	}
	if !res.Progress["1"].PreQuizCompleted {
		t.Fatalf("в ответе ожидали текущий прогресс, получили %+v", res.Progress)
	}
	if _, ok := res.Progress["4"]; ok {
		t.Fatalf("модуль 4 не входит в прогресс, получили %+v", res.Progress)
	}
	doc, _ := store.GetUser(context.Background(), "u1")
	if _, ok := docstore.ProgressOf(doc).Records["4"]; ok {
		t.Fatalf("модуль 4 не должен попадать в хранилище")
	}
	if !reflect.DeepEqual(before, doc) {
		t.Fatalf("документ не должен меняться:\nбыло %v\nстало %v", before, doc)
	}

	if res, _ := s.OnQuizSubmit(context.Background(), sess, "99", "pre", nil); res.Accepted || res.Reason != access.ReasonUnknownModule {
		t.Fatalf("ожидали unknown_module, получили %+v", res)
	}
	if res, _ := s.OnQuizSubmit(context.Background(), sess, "1", "mid", nil); res.Accepted {
		t.Fatalf("неизвестный тип квиза принят: %+v", res)
	}
}

func TestOnQuizSubmit_StoreDownIsPending(t *testing.T) {
	j := &quizSpy{}
	s, store := newTestService(t, WithQuizJournal(j))
	sess, _ := loggedIn(t, s, "u1", nil)

	store.SetFailure(docstore.ErrUnavailable)
	res, err := s.OnQuizSubmit(context.Background(), sess, "2", "pre", score(40))
	if err != nil {
		t.Fatalf("OnQuizSubmit: %v", err)
	}
	if !res.Accepted || !res.SyncPending {
		t.Fatalf("ожидали sync_pending, получили %+v", res)
	}
	if len(j.synced) != 1 || j.synced[0] {
		t.Fatalf("квиз должен быть записан как несинхронизированный: %v", j.synced)
	}
	if cached, _ := sess.Get("u1"); !cached["2"].PreQuizCompleted {
		t.Fatalf("кэш сессии не обновлён: %+v", cached["2"])
	}

	// чтение при недоступном хранилище берёт кэш сессии
	view, err := s.OnProgressQuery(context.Background(), sess)
	if err != nil {
		t.Fatalf("OnProgressQuery: %v", err)
	}
	if !view.Stale || !view.Progress["2"].PreQuizCompleted {
		t.Fatalf("ожидали устаревший прогресс из кэша, получили %+v", view)
	}
}

func TestOnProgressQuery_DoesNotWrite(t *testing.T) {
	s, store := newTestService(t)
	store.Put("u1", docstore.Document{
		docstore.FieldRole:     "student",
		docstore.FieldProgress: map[string]any{"1": map[string]any{"pre_quiz_completed": true, "post_quiz_completed": true}},
	})
	sess, _ := loggedIn(t, s, "u1", nil)
	sess.Clear("u1")
	before, _ := store.GetUser(context.Background(), "u1")

	view, err := s.OnProgressQuery(context.Background(), sess)
	if err != nil {
		t.Fatalf("OnProgressQuery: %v", err)
	}
	if after, _ := store.GetUser(context.Background(), "u1"); !reflect.DeepEqual(before, after) {
		t.Fatalf("запрос прогресса изменил документ: %v -> %v", before, after)
	}
	if _, ok := sess.Get("u1"); !ok {
		t.Fatalf("кэш сессии не обновлён из хранилища")
	}
	if len(view.Progress) != len(models.Modules()) {
		t.Fatalf("ожидали записи по умолчанию для всех модулей, получили %d", len(view.Progress))
	}
	if view.Overall != 100 {
		t.Fatalf("ожидали overall 100, получили %d", view.Overall)
	}
}

func TestUnauthenticated(t *testing.T) {
	s, _ := newTestService(t)
	sess := session.New()
	if _, err := s.OnProgressQuery(context.Background(), sess); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("ожидали ErrUnauthorized, получили %v", err)
	}
	if _, err := s.OnQuizSubmit(context.Background(), sess, "1", "pre", nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("ожидали ErrUnauthorized, получили %v", err)
	}
	if _, err := s.StudentsProgress(context.Background(), sess); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("ожидали ErrUnauthorized, получили %v", err)
	}
}

func TestModuleAccess(t *testing.T) {
	s, _ := newTestService(t)
	sess, _ := loggedIn(t, s, "u1", nil)

	d, err := s.ModuleAccess(context.Background(), sess, "2")
	if err != nil || d.Allowed || d.Reason != access.ReasonPreQuizRequired {
		t.Fatalf("ожидали pre_quiz_required, получили %+v %v", d, err)
	}
	if _, err := s.OnQuizSubmit(context.Background(), sess, "2", "pre", nil); err != nil {
		t.Fatal(err)
	}
	d, _ = s.ModuleAccess(context.Background(), sess, "2")
	if !d.Allowed || !d.PostQuizAvailable {
		t.Fatalf("ожидали доступ к материалам, получили %+v", d)
	}

	st, err := s.CheckPreQuiz(context.Background(), sess, "2")
	if err != nil || !st.Completed {
		t.Fatalf("ожидали пройденный pre-quiz, получили %+v %v", st, err)
	}
	if _, err := s.CheckPreQuiz(context.Background(), sess, "abc"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ожидали ErrInvalidInput, получили %v", err)
	}
}

func TestSyncAll(t *testing.T) {
	s, store := newTestService(t)
	sess, _ := loggedIn(t, s, "u1", nil)

	res, err := s.SyncAll(context.Background(), sess, map[string]any{
		"1": map[string]any{"pre_quiz_completed": true, "post_quiz_completed": true},
		"3": true,
	})
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if res.Partial || res.Modules["1"] != SyncSynced || res.Modules["3"] != SyncSynced {
		t.Fatalf("ожидали синхронизацию всех модулей, получили %+v", res)
	}
	doc, _ := store.GetUser(context.Background(), "u1")
	if p := docstore.ProgressOf(doc).Records; !p["1"].PostQuizCompleted || !p["3"].PreQuizCompleted {
		t.Fatalf("хранилище не обновлено: %+v", p)
	}
	if docstore.BadgesOf(doc)[0].Name != "Teen Explorer" {
		t.Fatalf("ожидали награду за модуль 1")
	}

	store.SetFailure(docstore.ErrUnavailable)
	res, err = s.SyncAll(context.Background(), sess, nil)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if !res.Partial || res.Modules["1"] != SyncPending {
		t.Fatalf("ожидали частичный результат, получили %+v", res)
	}
}

func TestRegisterAndConnectTeacher(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()

	tSess := session.New()
	tr, err := s.Register(ctx, tSess, auth.Identity{UID: "t1", Email: "t1@example.com"}, RegisterInput{Role: "teacher", FirstName: "Anna"})
	if err != nil {
		t.Fatalf("Register teacher: %v", err)
	}
	if len(tr.TeacherCode) != 10 || tr.TeacherCode[:7] != "TCH2610" {
		t.Fatalf("неожиданный код учителя %q", tr.TeacherCode)
	}
	if _, err := s.Register(ctx, tSess, auth.Identity{UID: "t1"}, RegisterInput{Role: "teacher"}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("ожидали ErrAlreadyRegistered, получили %v", err)
	}

	sr, err := s.Register(ctx, session.New(), auth.Identity{UID: "s1"}, RegisterInput{FirstName: "Bob", AgeGroup: "17-19", TeacherCode: tr.TeacherCode})
	if err != nil {
		t.Fatalf("Register student: %v", err)
	}
	if sr.Role != models.Student || sr.TeacherID != "t1" {
		t.Fatalf("ученик не привязан к учителю: %+v", sr)
	}
	if _, err := s.Register(ctx, session.New(), auth.Identity{UID: "s2"}, RegisterInput{TeacherCode: "TCH0000XXX"}); !errors.Is(err, ErrTeacherNotFound) {
		t.Fatalf("ожидали ErrTeacherNotFound, получили %v", err)
	}

	s3, _ := loggedIn(t, s, "s3", nil)
	cr, err := s.ConnectTeacher(ctx, s3, tr.TeacherCode)
	if err != nil || cr.TeacherID != "t1" || cr.TeacherName != "Anna" {
		t.Fatalf("ConnectTeacher: %+v %v", cr, err)
	}
	doc, _ := store.GetUser(ctx, "s3")
	if doc[docstore.FieldTeacherID] != "t1" {
		t.Fatalf("teacher_id не записан: %v", doc[docstore.FieldTeacherID])
	}
}

func TestTeacherRosterAndBadge(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()
	store.Put("t1", docstore.Document{docstore.FieldRole: "teacher", docstore.FieldTeacherCode: "TCH2610ABC"})
	store.Put("s1", docstore.Document{
		docstore.FieldRole: "student", docstore.FieldFirstName: "Zoe", docstore.FieldTeacherID: "t1",
		docstore.FieldProgress: map[string]any{"1": map[string]any{"pre_quiz_completed": true}},
	})
	store.Put("s2", docstore.Document{docstore.FieldRole: "student", docstore.FieldFirstName: "Adam", docstore.FieldTeacherID: "t1"})
	store.Put("s3", docstore.Document{docstore.FieldRole: "student", docstore.FieldFirstName: "Eve", docstore.FieldTeacherID: "other"})

	student, _ := loggedIn(t, s, "s1", nil)
	if _, err := s.StudentsProgress(ctx, student); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ученику должно быть запрещено: %v", err)
	}

	teacher, _ := loggedIn(t, s, "t1", nil)
	rows, err := s.StudentsProgress(ctx, teacher)
	if err != nil {
		t.Fatalf("StudentsProgress: %v", err)
	}
	if len(rows) != 2 || rows[0].Name != "Adam" || rows[1].Name != "Zoe" {
		t.Fatalf("неожиданный список учеников: %+v", rows)
	}
	if rows[1].Modules["1"] != 50 || rows[1].Overall != 50 {
		t.Fatalf("неожиданный прогресс Zoe: %+v", rows[1])
	}

	res, err := s.AssignBadge(ctx, teacher, "s1", "Star")
	if err != nil || res.Result != badges.Awarded.String() {
		t.Fatalf("AssignBadge: %+v %v", res, err)
	}
	res, _ = s.AssignBadge(ctx, teacher, "s1", "star")
	if res.Result != badges.AlreadyHeld.String() {
		t.Fatalf("ожидали already_held, получили %+v", res)
	}
	if _, err := s.AssignBadge(ctx, teacher, "s3", "Star"); !errors.Is(err, badges.ErrNotOwner) {
		t.Fatalf("ожидали ErrNotOwner, получили %v", err)
	}
	if _, err := s.AssignBadge(ctx, teacher, "nobody", "Star"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("ожидали ErrUserNotFound, получили %v", err)
	}

	view, err := s.Achievements(ctx, student)
	if err != nil || len(view.Badges) != 1 || view.CurrentBadge != "Star" {
		t.Fatalf("Achievements: %+v %v", view, err)
	}
}

func TestSetAgeGroup(t *testing.T) {
	s, store := newTestService(t)
	sess, _ := loggedIn(t, s, "u1", nil)
	if err := s.SetAgeGroup(context.Background(), sess, " 18 "); err != nil {
		t.Fatalf("SetAgeGroup: %v", err)
	}
	doc, _ := store.GetUser(context.Background(), "u1")
	if doc[docstore.FieldAgeGroup] != "18" || sess.AgeGroup != "18" {
		t.Fatalf("возрастная группа не сохранена: %v / %q", doc[docstore.FieldAgeGroup], sess.AgeGroup)
	}
	if err := s.SetAgeGroup(context.Background(), sess, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ожидали ErrInvalidInput, получили %v", err)
	}
}
