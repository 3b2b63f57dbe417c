// Package access решает, можно ли пользователю открыть материалы модуля.
// Возрастной допуск проверяется отдельно от прогресса и всегда первым.
package access

import (
	"strconv"
	"strings"

	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/progress"
)

const minAge = 17

// Reason: машиночитаемая причина отказа.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonAgeRestricted   Reason = "age_restricted"
	ReasonPreQuizRequired Reason = "pre_quiz_required"
	ReasonUnknownModule   Reason = "unknown_module"
)

// литералы, которые принимаются, если число не разобрать
var acceptedAgeTokens = map[string]struct{}{
	"17-19": {}, "17-18": {}, "18-19": {},
	"18+": {}, "19+": {}, "17+": {},
	"17": {}, "18": {}, "19": {},
}

type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            Reason `json:"reason,omitempty"`
	PostQuizAvailable bool   `json:"post_quiz_available"`
}

// AgeAllowed: первые две цифры строки (все цифры подряд, без учёта
// остальных символов) как число >= 17, иначе: точное совпадение
// с одним из допустимых литералов.
func AgeAllowed(ageGroup string) bool {
	s := strings.TrimSpace(ageGroup)
	digits := make([]byte, 0, 2)
	for i := 0; i < len(s) && len(digits) < 2; i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) > 0 {
		if age, err := strconv.Atoi(string(digits)); err == nil && age >= minAge {
			return true
		}
	}
	_, ok := acceptedAgeTokens[s]
	return ok
}

// CanTake: доступ к модулю без учёта прогресса (только возраст и известность id).
func CanTake(id models.ModuleID, ageGroup string) Decision {
	switch id.Kind() {
	case models.ModuleUnknown:
		return Decision{Reason: ReasonUnknownModule}
	case models.ModuleReserved:
		return Decision{Allowed: true}
	}
	if id == models.AgeRestrictedModule && !AgeAllowed(ageGroup) {
		return Decision{Reason: ReasonAgeRestricted}
	}
	return Decision{Allowed: true}
}

// Decide: доступ к материалам модуля: возраст, затем пройденный pre-quiz.
func Decide(id models.ModuleID, rec models.ModuleProgress, ageGroup string) Decision {
	d := CanTake(id, ageGroup)
	if !d.Allowed || id.Kind() == models.ModuleReserved {
		return d
	}
	if !progress.IsPreQuizSatisfied(rec) {
		return Decision{Reason: ReasonPreQuizRequired}
	}
	return Decision{Allowed: true, PostQuizAvailable: !rec.PostQuizCompleted}
}
