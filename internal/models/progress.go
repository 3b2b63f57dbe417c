package models

import "time"

// Поля документа пользователя, в которых лежит прогресс.
const (
	FieldPreQuizCompleted  = "pre_quiz_completed"
	FieldPostQuizCompleted = "post_quiz_completed"
	FieldPreQuizScore      = "pre_quiz_score"
	FieldPostQuizScore     = "post_quiz_score"
	FieldPercent           = "percent"
	FieldLastAttempt       = "last_attempt"
)

type ModuleProgress struct {
	PreQuizCompleted  bool       `json:"pre_quiz_completed"`
	PostQuizCompleted bool       `json:"post_quiz_completed"`
	PreQuizScore      *float64   `json:"pre_quiz_score,omitempty"`
	PostQuizScore     *float64   `json:"post_quiz_score,omitempty"`
	Percent           *float64   `json:"percent,omitempty"`
	LastAttempt       *time.Time `json:"last_attempt,omitempty"`
}

// ProgressMap: ключ: строковый id модуля ("1", "2", ...).
type ProgressMap map[string]ModuleProgress

func (m ProgressMap) Clone() ProgressMap {
	out := make(ProgressMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Fragment: частичное обновление модуля: перезаписываются только заданные поля.
type Fragment struct {
	PreQuizCompleted  *bool    `json:"pre_quiz_completed,omitempty"`
	PostQuizCompleted *bool    `json:"post_quiz_completed,omitempty"`
	PreQuizScore      *float64 `json:"pre_quiz_score,omitempty"`
	PostQuizScore     *float64 `json:"post_quiz_score,omitempty"`
	Percent           *float64 `json:"percent,omitempty"`
}

func (f Fragment) IsEmpty() bool {
	return f.PreQuizCompleted == nil && f.PostQuizCompleted == nil &&
		f.PreQuizScore == nil && f.PostQuizScore == nil && f.Percent == nil
}

// QuizFragment: фрагмент «квиз пройден» с необязательным баллом.
func QuizFragment(q QuizType, score *float64) Fragment {
	done := true
	if q == PreQuiz {
		return Fragment{PreQuizCompleted: &done, PreQuizScore: score}
	}
	return Fragment{PostQuizCompleted: &done, PostQuizScore: score}
}
