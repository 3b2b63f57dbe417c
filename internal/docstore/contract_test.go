package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Spok95/healthed-server/internal/models"
)

// runContract проверяет семантику, общую для всех бэкендов.
func runContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.GetUser(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUser отсутствующего: ожидали ErrNotFound, получили %v", err)
	}
	if err := s.MergeUser(ctx, "ghost", Fields{FieldBadge: "x"}); OutcomeOf(err) != NotFound {
		t.Fatalf("MergeUser отсутствующего: ожидали NotFound, получили %v", err)
	}

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := NewUserDocument(models.User{Email: "a@example.com", Role: models.Student, AgeGroup: "17-19"}, now)
	if err := s.CreateUser(ctx, "u1", doc); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.CreateUser(ctx, "u1", Document{FieldEmail: "other@example.com"}); err != nil {
		t.Fatalf("повторный CreateUser: %v", err)
	}

	if err := s.MergeUser(ctx, "u1", Fields{ProgressPath("3", models.FieldPreQuizCompleted): true}); err != nil {
		t.Fatalf("MergeUser: %v", err)
	}
	if err := s.MergeUser(ctx, "u1", Fields{
		ProgressPath("3", models.FieldPostQuizScore): 7.0,
		ProgressPath("5"): map[string]any{models.FieldPreQuizCompleted: true},
	}); err != nil {
		t.Fatalf("MergeUser: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	u := UserFromDocument(got)
	if u.UID != "u1" || u.Email != "a@example.com" || u.AgeGroup != "17-19" {
		t.Fatalf("соседние поля документа должны сохраниться, получили %+v", u)
	}
	m3 := u.Progress["3"]
	if !m3.PreQuizCompleted || m3.PostQuizScore == nil || *m3.PostQuizScore != 7 {
		t.Fatalf("модуль 3 должен содержать оба поля, получили %+v", m3)
	}
	if !u.Progress["5"].PreQuizCompleted {
		t.Fatalf("модуль 5 записан целиком, получили %+v", u.Progress["5"])
	}

	// старая форма: модуль сохранён флагом, а не картой
	if err := s.MergeUser(ctx, "u1", Fields{ProgressPath("1"): true}); err != nil {
		t.Fatalf("MergeUser legacy: %v", err)
	}
	if err := s.MergeUser(ctx, "u1", Fields{
		ProgressPath("1", models.FieldPreQuizCompleted):  true,
		ProgressPath("1", models.FieldPostQuizCompleted): true,
	}); err != nil {
		t.Fatalf("MergeUser сквозь не-карту: %v", err)
	}
	got, err = s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	m1, ok := got[FieldProgress].(map[string]any)["1"].(map[string]any)
	if !ok || m1[models.FieldPreQuizCompleted] != true || m1[models.FieldPostQuizCompleted] != true {
		t.Fatalf("модуль 1 должен стать картой с обоими флагами, получили %v", got[FieldProgress])
	}
	if !UserFromDocument(got).Progress["3"].PreQuizCompleted {
		t.Fatalf("соседний модуль 3 не должен пострадать")
	}

	if err := s.CreateUser(ctx, "t1", NewUserDocument(models.User{Email: "t@example.com", Role: models.Teacher, TeacherCode: "TCH2605ABC"}, now)); err != nil {
		t.Fatalf("CreateUser teacher: %v", err)
	}
	docs, err := s.QueryUsers(ctx, FieldTeacherCode, "TCH2605ABC")
	if err != nil {
		t.Fatalf("QueryUsers: %v", err)
	}
	if len(docs) != 1 || UserFromDocument(docs[0]).UID != "t1" {
		t.Fatalf("ожидали одного учителя t1, получили %v", docs)
	}
	if docs, _ := s.QueryUsers(ctx, FieldTeacherCode, "NOPE"); len(docs) != 0 {
		t.Fatalf("ожидали пустой результат, получили %v", docs)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
