// Package reconcile сводит прогресс из хранилища, сессии и нового фрагмента
// в одну запись и записывает изменённые модули обратно.
//
// Хранилище: база слияния. Модули из сессии, которых нет в хранилище,
// накладываются сверху. Фрагменты применяются последними, по полям,
// и никогда не снимают флаг завершения.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/metrics"
	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/progress"
)

// ErrSyncPending: объединённый прогресс получен, но в хранилище не записан.
// Клиенту сообщается «синхронизация отложена», а не успех.
var ErrSyncPending = errors.New("reconcile: sync pending")

// Cache: кэш прогресса в сессии.
type Cache interface {
	Get(uid string) (models.ProgressMap, bool)
	Set(uid string, m models.ProgressMap)
	Clear(uid string)
}

// Journal принимает фрагменты, которые не удалось записать.
type Journal interface {
	RecordPending(ctx context.Context, uid, module string, f models.Fragment, cause error) error
}

type Input struct {
	UID string
	// Session: прогресс, известный клиенту в этой сессии.
	Session models.ProgressMap
	// Fragments: только что присланные изменения, по id модуля.
	Fragments map[string]models.Fragment
}

type Result struct {
	Progress models.ProgressMap
	Touched  []string
	Outcome  docstore.Outcome
}

type Reconciler struct {
	store   docstore.Store
	journal Journal
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Reconciler)

func WithJournal(j Journal) Option { return func(r *Reconciler) { r.journal = j } }

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func New(store docstore.Store, log *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, log: logging.OrNop(log).Named("reconcile"), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile объединяет прогресс и пишет затронутые модули в хранилище.
// При сбое записи возвращает объединённый результат вместе с ErrSyncPending
// и всё равно обновляет кэш сессии.
func (r *Reconciler) Reconcile(ctx context.Context, in Input, cache Cache) (Result, error) {
	return r.reconcile(ctx, in, cache, true)
}

// Replay повторно применяет фрагмент из журнала. Сбой не журналируется заново.
func (r *Reconciler) Replay(ctx context.Context, uid, module string, f models.Fragment) (Result, error) {
	return r.reconcile(ctx, Input{UID: uid, Fragments: map[string]models.Fragment{module: f}}, nil, false)
}

func (r *Reconciler) reconcile(ctx context.Context, in Input, cache Cache, journal bool) (Result, error) {
	if cache == nil {
		cache = noCache{}
	}
	now := r.now().UTC()

	doc, err := r.store.GetUser(ctx, in.UID)
	readOutcome := docstore.OutcomeOf(err)

	var (
		merged models.ProgressMap
		stored progress.Snapshot
	)
	switch readOutcome {
	case docstore.OK:
		stored = docstore.ProgressOf(doc)
		merged = stored.Records.Clone()
	case docstore.NotFound:
		merged = models.ProgressMap{}
	default:
		// без чтения неизвестна форма записей: писать вслепую нельзя
		merged = baseFromCache(cache, in.UID, in.Session)
	}

	// модули из сессии, которых нет в хранилище
	var added []string
	for k, rec := range in.Session {
		if _, kind := models.ParseModuleID(k); kind != models.ModuleKnown {
			continue
		}
		if _, ok := merged[k]; ok || progress.IsBlank(rec) {
			continue
		}
		merged[k] = rec
		added = append(added, k)
	}

	fragments := knownFragments(in.Fragments)
	touched := make([]string, 0, len(fragments))
	for k, f := range fragments {
		rec := progress.ApplyFragment(merged[k], f)
		at := now
		rec.LastAttempt = &at
		merged[k] = rec
		touched = append(touched, k)
	}
	sort.Strings(touched)
	sort.Strings(added)

	res := Result{Progress: progress.WithDefaults(merged), Touched: touched, Outcome: readOutcome}
	defer func() { cache.Set(in.UID, res.Progress) }()

	if len(touched) == 0 && len(added) == 0 {
		if readOutcome == docstore.OK || readOutcome == docstore.NotFound {
			metrics.Reconciliations.WithLabelValues("noop").Inc()
			return res, nil
		}
		metrics.Reconciliations.WithLabelValues("read_failed").Inc()
		return res, nil
	}

	if readOutcome != docstore.OK {
		cause := err
		if readOutcome == docstore.NotFound {
			cause = docstore.ErrNotFound
		}
		return res, r.pending(ctx, in.UID, fragments, added, merged, cause, journal)
	}

	// только «по полям» и без false: параллельная запись другого поля
	// того же модуля не затирается
	fields := docstore.Fields{}
	for _, k := range added {
		for name, v := range progress.RecordFields(merged[k]) {
			fields[docstore.ProgressPath(k, name)] = v
		}
	}
	for _, k := range touched {
		f := fragments[k]
		if _, exists := stored.Records[k]; !exists || stored.Legacy[k] {
			// legacy-значение станет картой: переносим в неё уже известное
			f = progress.FragmentOf(merged[k])
		}
		for name, v := range progress.FragmentFields(f, now) {
			fields[docstore.ProgressPath(k, name)] = v
		}
	}

	if err := r.store.MergeUser(ctx, in.UID, fields); err != nil {
		res.Outcome = docstore.OutcomeOf(err)
		return res, r.pending(ctx, in.UID, fragments, added, merged, err, journal)
	}
	res.Outcome = docstore.OK
	metrics.Reconciliations.WithLabelValues("ok").Inc()
	return res, nil
}

func (r *Reconciler) pending(ctx context.Context, uid string, fragments map[string]models.Fragment,
	added []string, merged models.ProgressMap, cause error, journal bool) error {
	metrics.Reconciliations.WithLabelValues("sync_pending").Inc()
	metrics.SyncPending.Inc()
	r.log.Warn("прогресс не записан, синхронизация отложена",
		zap.String("uid", uid), zap.Strings("modules", modulesOf(fragments, added)), zap.Error(cause))

	if journal && r.journal != nil {
		for k, f := range fragments {
			r.record(ctx, uid, k, f, cause)
		}
		for _, k := range added {
			r.record(ctx, uid, k, progress.FragmentOf(merged[k]), cause)
		}
	}
	return fmt.Errorf("%w: %w", ErrSyncPending, cause)
}

func (r *Reconciler) record(ctx context.Context, uid, module string, f models.Fragment, cause error) {
	if err := r.journal.RecordPending(ctx, uid, module, f, cause); err != nil {
		r.log.Error("не удалось записать фрагмент в журнал", append(logging.User(uid, module), zap.Error(err))...)
	}
}

// Load: чтение прогресса: хранилище, при недоступности: кэш сессии,
// при отсутствии документа: пустой прогресс. Ошибку не возвращает.
func (r *Reconciler) Load(ctx context.Context, uid string, cache Cache) Result {
	if cache == nil {
		cache = noCache{}
	}
	doc, err := r.store.GetUser(ctx, uid)
	out := docstore.OutcomeOf(err)
	switch out {
	case docstore.OK:
		m := progress.WithDefaults(docstore.ProgressOf(doc).Records)
		cache.Set(uid, m)
		return Result{Progress: m, Outcome: out}
	case docstore.NotFound:
		return Result{Progress: progress.WithDefaults(nil), Outcome: out}
	}
	r.log.Warn("хранилище недоступно, прогресс из кэша сессии", zap.String("uid", uid), zap.Error(err))
	return Result{Progress: progress.WithDefaults(baseFromCache(cache, uid, nil)), Outcome: out}
}

func baseFromCache(cache Cache, uid string, session models.ProgressMap) models.ProgressMap {
	if m, ok := cache.Get(uid); ok {
		return m
	}
	if session != nil {
		return session.Clone()
	}
	return models.ProgressMap{}
}

func knownFragments(in map[string]models.Fragment) map[string]models.Fragment {
	out := make(map[string]models.Fragment, len(in))
	for k, f := range in {
		id, kind := models.ParseModuleID(k)
		if kind != models.ModuleKnown || f.IsEmpty() {
			continue
		}
		key := id.Key()
		if prev, ok := out[key]; ok {
			f = mergeFragments(prev, f)
		}
		out[key] = f
	}
	return out
}

func mergeFragments(a, b models.Fragment) models.Fragment {
	if b.PreQuizCompleted != nil && (a.PreQuizCompleted == nil || *b.PreQuizCompleted) {
		a.PreQuizCompleted = b.PreQuizCompleted
	}
	if b.PostQuizCompleted != nil && (a.PostQuizCompleted == nil || *b.PostQuizCompleted) {
		a.PostQuizCompleted = b.PostQuizCompleted
	}
	if b.PreQuizScore != nil {
		a.PreQuizScore = b.PreQuizScore
	}
	if b.PostQuizScore != nil {
		a.PostQuizScore = b.PostQuizScore
	}
	if b.Percent != nil {
		a.Percent = b.Percent
	}
	return a
}

func modulesOf(fragments map[string]models.Fragment, added []string) []string {
	out := append([]string(nil), added...)
	for k := range fragments {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type noCache struct{}

func (noCache) Get(string) (models.ProgressMap, bool) { return nil, false }
func (noCache) Set(string, models.ProgressMap)        {}
func (noCache) Clear(string)                          {}
