package progress

import (
	"math"

	"github.com/Spok95/healthed-server/internal/models"
)

// IsModuleComplete: оба квиза пройдены или percent >= 100.
func IsModuleComplete(rec models.ModuleProgress) bool {
	if rec.PreQuizCompleted && rec.PostQuizCompleted {
		return true
	}
	return rec.Percent != nil && *rec.Percent >= 100
}

// IsPreQuizSatisfied: проверка доступа к материалам модуля.
// Положительный pre_quiz_score остался от записей, созданных до появления флага.
func IsPreQuizSatisfied(rec models.ModuleProgress) bool {
	if rec.PreQuizCompleted {
		return true
	}
	return rec.PreQuizScore != nil && *rec.PreQuizScore > 0
}

// PercentOf: процент для панели учителя (0..100).
func PercentOf(rec models.ModuleProgress) int {
	switch {
	case rec.PostQuizCompleted:
		return 100
	case rec.Percent != nil:
		return clampPercent(*rec.Percent)
	case rec.PreQuizCompleted:
		return 50
	}
	return 0
}

// Overall: среднее по модулям с записями; 0 для пустой карты.
func Overall(m models.ProgressMap) int {
	if len(m) == 0 {
		return 0
	}
	sum := 0
	for _, rec := range m {
		sum += PercentOf(rec)
	}
	return int(math.Round(float64(sum) / float64(len(m))))
}

func clampPercent(f float64) int {
	v := int(math.Round(f))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// IsBlank: в записи нет ни флагов, ни баллов.
func IsBlank(rec models.ModuleProgress) bool {
	return !rec.PreQuizCompleted && !rec.PostQuizCompleted &&
		rec.PreQuizScore == nil && rec.PostQuizScore == nil && rec.Percent == nil
}
