package progress

import (
	"time"

	"github.com/Spok95/healthed-server/internal/models"
)

// ApplyFragment переносит в запись только поля, заданные во фрагменте.
// Флаги завершения монотонны: true никогда не становится false.
func ApplyFragment(rec models.ModuleProgress, f models.Fragment) models.ModuleProgress {
	if f.PreQuizCompleted != nil {
		rec.PreQuizCompleted = rec.PreQuizCompleted || *f.PreQuizCompleted
	}
	if f.PostQuizCompleted != nil {
		rec.PostQuizCompleted = rec.PostQuizCompleted || *f.PostQuizCompleted
	}
	if f.PreQuizScore != nil {
		rec.PreQuizScore = floatPtr(*f.PreQuizScore)
	}
	if f.PostQuizScore != nil {
		rec.PostQuizScore = floatPtr(*f.PostQuizScore)
	}
	if f.Percent != nil {
		rec.Percent = floatPtr(*f.Percent)
	}
	return rec
}

// Combine склеивает две записи одного модуля: флаги через OR,
// у b приоритет по баллам, last_attempt: более поздний.
func Combine(a, b models.ModuleProgress) models.ModuleProgress {
	out := ApplyFragment(a, models.Fragment{
		PreQuizCompleted:  &b.PreQuizCompleted,
		PostQuizCompleted: &b.PostQuizCompleted,
		PreQuizScore:      b.PreQuizScore,
		PostQuizScore:     b.PostQuizScore,
		Percent:           b.Percent,
	})
	if b.LastAttempt != nil && (out.LastAttempt == nil || b.LastAttempt.After(*out.LastAttempt)) {
		t := *b.LastAttempt
		out.LastAttempt = &t
	}
	return out
}

// WithDefaults дополняет карту пустыми записями для всех модулей.
func WithDefaults(m models.ProgressMap) models.ProgressMap {
	out := m.Clone()
	for _, id := range models.Modules() {
		if _, ok := out[id.Key()]; !ok {
			out[id.Key()] = models.ModuleProgress{}
		}
	}
	return out
}

// FragmentFields: поля для записи фрагмента «по полям».
// false у флагов не пишется: он либо ничего не меняет, либо затёр бы чужое завершение.
func FragmentFields(f models.Fragment, at time.Time) map[string]any {
	out := map[string]any{models.FieldLastAttempt: at.UTC()}
	if f.PreQuizCompleted != nil && *f.PreQuizCompleted {
		out[models.FieldPreQuizCompleted] = true
	}
	if f.PostQuizCompleted != nil && *f.PostQuizCompleted {
		out[models.FieldPostQuizCompleted] = true
	}
	if f.PreQuizScore != nil {
		out[models.FieldPreQuizScore] = *f.PreQuizScore
	}
	if f.PostQuizScore != nil {
		out[models.FieldPostQuizScore] = *f.PostQuizScore
	}
	if f.Percent != nil {
		out[models.FieldPercent] = *f.Percent
	}
	return out
}

// RecordFields: запись целиком в виде полей для записи «по полям».
// Как и у FragmentFields, false не пишется; last_attempt только если есть.
func RecordFields(rec models.ModuleProgress) map[string]any {
	out := FragmentFields(FragmentOf(rec), time.Time{})
	delete(out, models.FieldLastAttempt)
	if rec.LastAttempt != nil {
		out[models.FieldLastAttempt] = rec.LastAttempt.UTC()
	}
	return out
}

func floatPtr(f float64) *float64 { return &f }
