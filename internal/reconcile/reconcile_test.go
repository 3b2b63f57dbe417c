package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/models"
)

var fixedNow = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

type mapCache map[string]models.ProgressMap

func (c mapCache) Get(uid string) (models.ProgressMap, bool) {
	m, ok := c[uid]
	return m.Clone(), ok
}
func (c mapCache) Set(uid string, m models.ProgressMap) { c[uid] = m.Clone() }
func (c mapCache) Clear(uid string)                     { delete(c, uid) }

// failingWrites читает нормально, но не может писать.
type failingWrites struct {
	*docstore.MemStore
}

func (failingWrites) MergeUser(context.Context, string, docstore.Fields) error {
	return errors.Join(docstore.ErrUnavailable, errors.New("deadline exceeded"))
}

type journalSpy struct {
	modules []string
}

func (j *journalSpy) RecordPending(_ context.Context, _ string, module string, _ models.Fragment, _ error) error {
	j.modules = append(j.modules, module)
	return nil
}

func yes() *bool             { b := true; return &b }
func no() *bool              { b := false; return &b }
func num(f float64) *float64 { return &f }

func newReconciler(s docstore.Store, opts ...Option) *Reconciler {
	return New(s, logging.Nop(), append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func storedProgress(t *testing.T, s docstore.Store, uid string) models.ProgressMap {
	t.Helper()
	doc, err := s.GetUser(context.Background(), uid)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return docstore.UserFromDocument(doc).Progress
}

func TestReconcile_MergePrecedence(t *testing.T) {
	s := docstore.NewMemStore()
	s.Put("u1", docstore.Document{
		docstore.FieldEmail:    "a@example.com",
		docstore.FieldProgress: map[string]any{"3": map[string]any{"pre_quiz_completed": true, "pre_quiz_score": 4.0}},
	})
	cache := mapCache{}

	res, err := newReconciler(s).Reconcile(context.Background(), Input{
		UID:       "u1",
		Fragments: map[string]models.Fragment{"3": {PostQuizCompleted: yes()}},
	}, cache)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	rec := res.Progress["3"]
	if !rec.PreQuizCompleted || !rec.PostQuizCompleted {
		t.Fatalf("оба флага должны быть установлены, получили %+v", rec)
	}
	if rec.LastAttempt == nil || !rec.LastAttempt.Equal(fixedNow) {
		t.Fatalf("last_attempt ставится на затронутый модуль, получили %v", rec.LastAttempt)
	}
	if len(res.Touched) != 1 || res.Touched[0] != "3" || res.Outcome != docstore.OK {
		t.Fatalf("неожиданный результат: %+v", res)
	}

	st := storedProgress(t, s, "u1")["3"]
	if !st.PreQuizCompleted || !st.PostQuizCompleted || st.PreQuizScore == nil || *st.PreQuizScore != 4 {
		t.Fatalf("в хранилище должны остаться все поля модуля, получили %+v", st)
	}
	if cached, ok := cache.Get("u1"); !ok || !cached["3"].PostQuizCompleted {
		t.Fatal("кэш обновляется объединённым прогрессом")
	}
	if len(res.Progress) != len(models.Modules()) {
		t.Fatalf("в ответе есть все модули, получили %d", len(res.Progress))
	}
}

func TestReconcile_Monotonic(t *testing.T) {
	s := docstore.NewMemStore()
	s.Put("u1", docstore.Document{docstore.FieldProgress: map[string]any{}})
	r := newReconciler(s)

	steps := []models.Fragment{
		{PreQuizCompleted: yes()},
		{PreQuizCompleted: no()},
		{PreQuizCompleted: no(), PostQuizCompleted: no()},
		{PostQuizScore: num(3)},
		{Percent: num(20)},
	}
	for i, f := range steps {
		res, err := r.Reconcile(context.Background(), Input{UID: "u1", Fragments: map[string]models.Fragment{"2": f}}, nil)
		if err != nil {
			t.Fatalf("шаг %d: %v", i, err)
		}
		if !res.Progress["2"].PreQuizCompleted {
			t.Fatalf("шаг %d: pre_quiz_completed откатился", i)
		}
		if !storedProgress(t, s, "u1")["2"].PreQuizCompleted {
			t.Fatalf("шаг %d: в хранилище pre_quiz_completed откатился", i)
		}
	}
}

func TestReconcile_LegacyModuleBecomesMap(t *testing.T) {
	s := docstore.NewMemStore()
	s.Put("u1", docstore.Document{docstore.FieldProgress: map[string]any{"1": true}})

	_, err := newReconciler(s).Reconcile(context.Background(), Input{
		UID:       "u1",
		Fragments: map[string]models.Fragment{"1": {PostQuizCompleted: yes()}},
	}, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	doc, _ := s.GetUser(context.Background(), "u1")
	raw, ok := doc[docstore.FieldProgress].(map[string]any)["1"].(map[string]any)
	if !ok {
		t.Fatalf("модуль должен стать картой, получили %#v", doc[docstore.FieldProgress])
	}
	if raw[models.FieldPreQuizCompleted] != true || raw[models.FieldPostQuizCompleted] != true {
		t.Fatalf("старое завершение pre-quiz не должно потеряться, получили %v", raw)
	}
	for name, v := range raw {
		if v == false {
			t.Fatalf("false не пишется, получили %s=%v", name, v)
		}
	}
}

// readBarrier отпускает чтения только когда их набралось n:
// оба сабмита видят одно и то же состояние до записи.
type readBarrier struct {
	*docstore.MemStore
	wg *sync.WaitGroup
}

func newReadBarrier(s *docstore.MemStore, n int) readBarrier {
	wg := &sync.WaitGroup{}
	wg.Add(n)
	return readBarrier{MemStore: s, wg: wg}
}

func (b readBarrier) GetUser(ctx context.Context, uid string) (docstore.Document, error) {
	doc, err := b.MemStore.GetUser(ctx, uid)
	b.wg.Done()
	b.wg.Wait()
	return doc, err
}

func TestReconcile_ConcurrentSubmitsKeepBothFlags(t *testing.T) {
	cases := map[string]any{
		"новый модуль":  map[string]any{},
		"legacy-модуль": map[string]any{"3": true},
		"модуль-картой": map[string]any{"3": map[string]any{"pre_quiz_score": 2.0}},
	}
	for name, progress := range cases {
		t.Run(name, func(t *testing.T) {
			s := docstore.NewMemStore()
			s.Put("u1", docstore.Document{docstore.FieldProgress: progress})
			r := newReconciler(newReadBarrier(s, 2))

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i, f := range []models.Fragment{
				{PreQuizCompleted: yes(), PreQuizScore: num(4)},
				{PostQuizCompleted: yes(), Percent: num(80)},
			} {
				wg.Add(1)
				go func(i int, f models.Fragment) {
					defer wg.Done()
					_, errs[i] = r.Reconcile(context.Background(), Input{
						UID:       "u1",
						Fragments: map[string]models.Fragment{"3": f},
					}, nil)
				}(i, f)
			}
			wg.Wait()
			for _, err := range errs {
				if err != nil {
					t.Fatalf("Reconcile: %v", err)
				}
			}

			rec := storedProgress(t, s, "u1")["3"]
			if !rec.PreQuizCompleted || !rec.PostQuizCompleted {
				t.Fatalf("ни одно завершение не должно потеряться, получили %+v", rec)
			}
			if rec.PreQuizScore == nil || *rec.PreQuizScore != 4 || rec.Percent == nil || *rec.Percent != 80 {
				t.Fatalf("баллы обоих сабмитов должны сохраниться, получили %+v", rec)
			}
		})
	}
}

// Модуль, добавленный из сессии, не затирает завершение, записанное параллельно.
func TestReconcile_SessionModuleDoesNotClearConcurrentFlag(t *testing.T) {
	s := docstore.NewMemStore()
	s.Put("u1", docstore.Document{docstore.FieldProgress: map[string]any{}})
	r := newReconciler(newReadBarrier(s, 2))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = r.Reconcile(context.Background(), Input{
			UID:     "u1",
			Session: models.ProgressMap{"5": {PreQuizCompleted: true}},
		}, nil)
	}()
	go func() {
		defer wg.Done()
		_, _ = r.Reconcile(context.Background(), Input{
			UID:       "u1",
			Fragments: map[string]models.Fragment{"5": {PostQuizCompleted: yes()}},
		}, nil)
	}()
	wg.Wait()

	rec := storedProgress(t, s, "u1")["5"]
	if !rec.PreQuizCompleted || !rec.PostQuizCompleted {
		t.Fatalf("ожидали оба флага модуля 5, получили %+v", rec)
	}
}

func TestReconcile_SessionAheadOfStore(t *testing.T) {
	s := docstore.NewMemStore()
	s.Put("u1", docstore.Document{docstore.FieldProgress: map[string]any{
		"1": map[string]any{"pre_quiz_completed": false},
	}})

	res, err := newReconciler(s).Reconcile(context.Background(), Input{
		UID: "u1",
		Session: models.ProgressMap{
			"1": {PreQuizCompleted: true}, // в хранилище есть: база важнее
			"5": {PreQuizCompleted: true}, // в хранилище нет: берём из сессии
			"6": {},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Progress["1"].PreQuizCompleted {
		t.Fatal("для модуля из хранилища сессия не применяется")
	}
	st := storedProgress(t, s, "u1")
	if !st["5"].PreQuizCompleted {
		t.Fatal("модуль из сессии должен попасть в хранилище")
	}
	if _, ok := st["6"]; ok {
		t.Fatal("пустые записи сессии не пишутся")
	}
}

func TestReconcile_WriteFailureIsSyncPending(t *testing.T) {
	mem := docstore.NewMemStore()
	mem.Put("u1", docstore.Document{docstore.FieldProgress: map[string]any{}})
	j := &journalSpy{}
	cache := mapCache{}

	res, err := newReconciler(failingWrites{mem}, WithJournal(j)).Reconcile(context.Background(), Input{
		UID:       "u1",
		Fragments: map[string]models.Fragment{"1": {PreQuizCompleted: yes()}},
	}, cache)
	if !errors.Is(err, ErrSyncPending) {
		t.Fatalf("ожидали ErrSyncPending, получили %v", err)
	}
	if res.Outcome != docstore.Unavailable {
		t.Fatalf("ожидали Unavailable, получили %s", res.Outcome)
	}
	if !res.Progress["1"].PreQuizCompleted {
		t.Fatal("объединённый результат возвращается и при сбое записи")
	}
	if cached, _ := cache.Get("u1"); !cached["1"].PreQuizCompleted {
		t.Fatal("кэш сессии отражает намерение пользователя")
	}
	if len(j.modules) != 1 || j.modules[0] != "1" {
		t.Fatalf("фрагмент должен попасть в журнал, получили %v", j.modules)
	}
}

func TestReconcile_MissingDocument(t *testing.T) {
	res, err := newReconciler(docstore.NewMemStore()).Reconcile(context.Background(), Input{
		UID:       "ghost",
		Fragments: map[string]models.Fragment{"1": {PreQuizCompleted: yes()}},
	}, nil)
	if !errors.Is(err, ErrSyncPending) || !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("ожидали ErrSyncPending с NotFound, получили %v", err)
	}
	if rec := res.Progress["1"]; !rec.PreQuizCompleted || rec.PostQuizCompleted {
		t.Fatalf("ожидали только pre, получили %+v", rec)
	}
}

func TestReconcile_ReadFailureDoesNotWrite(t *testing.T) {
	s := docstore.NewMemStore()
	s.Put("u1", docstore.Document{docstore.FieldProgress: map[string]any{"2": true}})
	s.SetFailure(docstore.ErrUnavailable)
	cache := mapCache{"u1": {"2": {PreQuizCompleted: true}}}

	res, err := newReconciler(s).Reconcile(context.Background(), Input{
		UID:       "u1",
		Fragments: map[string]models.Fragment{"2": {PostQuizCompleted: yes()}},
	}, cache)
	if !errors.Is(err, ErrSyncPending) {
		t.Fatalf("ожидали ErrSyncPending, получили %v", err)
	}
	if rec := res.Progress["2"]; !rec.PreQuizCompleted || !rec.PostQuizCompleted {
		t.Fatalf("база из кэша плюс фрагмент, получили %+v", rec)
	}
	s.SetFailure(nil)
	if raw := func() any {
		d, _ := s.GetUser(context.Background(), "u1")
		return d[docstore.FieldProgress].(map[string]any)["2"]
	}(); raw != true {
		t.Fatalf("без чтения запись не выполняется, получили %v", raw)
	}
}

func TestReconcile_IgnoresReservedAndUnknown(t *testing.T) {
	s := docstore.NewMemStore()
	s.Put("u1", docstore.Document{})
	res, err := newReconciler(s).Reconcile(context.Background(), Input{
		UID: "u1",
		Fragments: map[string]models.Fragment{
			"4":  {PreQuizCompleted: yes()},
			"42": {PreQuizCompleted: yes()},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Touched) != 0 {
		t.Fatalf("модули 4 и 42 не затрагиваются, получили %v", res.Touched)
	}
	if _, ok := res.Progress["4"]; ok {
		t.Fatal("модуль 4 не появляется в прогрессе")
	}
}

func TestLoad(t *testing.T) {
	s := docstore.NewMemStore()
	s.Put("u1", docstore.Document{docstore.FieldProgress: map[string]any{"3": map[string]any{"percent": 100.0}}})
	r := newReconciler(s)
	cache := mapCache{}

	res := r.Load(context.Background(), "u1", cache)
	if res.Outcome != docstore.OK || res.Progress["3"].Percent == nil {
		t.Fatalf("ожидали прогресс из хранилища, получили %+v", res)
	}

	s.SetFailure(docstore.ErrUnavailable)
	res = r.Load(context.Background(), "u1", cache)
	if res.Outcome != docstore.Unavailable || res.Progress["3"].Percent == nil {
		t.Fatalf("при недоступности ожидали данные из кэша, получили %+v", res)
	}

	s.SetFailure(nil)
	res = r.Load(context.Background(), "ghost", nil)
	if res.Outcome != docstore.NotFound || len(res.Progress) != len(models.Modules()) {
		t.Fatalf("ожидали пустой прогресс для отсутствующего документа, получили %+v", res)
	}
}

func TestReplay(t *testing.T) {
	s := docstore.NewMemStore()
	s.Put("u1", docstore.Document{})
	j := &journalSpy{}
	r := newReconciler(s, WithJournal(j))

	if _, err := r.Replay(context.Background(), "u1", "7", models.Fragment{PreQuizCompleted: yes()}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !storedProgress(t, s, "u1")["7"].PreQuizCompleted {
		t.Fatal("фрагмент из журнала должен записаться")
	}

	s.SetFailure(docstore.ErrUnavailable)
	if _, err := r.Replay(context.Background(), "u1", "7", models.Fragment{PostQuizCompleted: yes()}); err == nil {
		t.Fatal("ожидали ошибку при недоступном хранилище")
	}
	if len(j.modules) != 0 {
		t.Fatalf("повтор из журнала не журналируется снова, получили %v", j.modules)
	}
}
