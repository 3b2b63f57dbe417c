// Package progress приводит сохранённый и присланный клиентом прогресс
// к каноничной models.ModuleProgress и отвечает на вопросы о завершении модулей.
// Ни один другой пакет не читает «сырые» значения прогресса напрямую.
package progress

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Spok95/healthed-server/internal/models"
)

// устаревшие имена полей
const (
	aliasPreQuizCompleted  = "preQuizCompleted"
	aliasPostQuizCompleted = "postQuizCompleted"
	aliasPreQuizScore      = "preQuizScore"
	aliasPostQuizScore     = "postQuizScore"
	aliasPercent           = "progress"
)

// Snapshot: нормализованный прогресс пользователя целиком.
// Legacy отмечает модули, сохранённые не в каноничной форме:
// такие записи при следующей записи переписываются полностью.
type Snapshot struct {
	Records models.ProgressMap
	Legacy  map[string]bool
}

// Normalize никогда не паникует и не возвращает ошибок:
// всё, что не удалось разобрать, превращается в запись со значениями false.
func Normalize(raw any) models.ModuleProgress {
	switch v := raw.(type) {
	case nil:
		return models.ModuleProgress{}
	case bool:
		return models.ModuleProgress{PreQuizCompleted: v}
	case models.ModuleProgress:
		return v
	case *models.ModuleProgress:
		if v == nil {
			return models.ModuleProgress{}
		}
		return *v
	case map[string]any:
		return fromMap(v)
	}
	if f, ok := toFloat(raw); ok {
		return models.ModuleProgress{Percent: &f}
	}
	return models.ModuleProgress{}
}

func fromMap(m map[string]any) models.ModuleProgress {
	var p models.ModuleProgress
	p.PreQuizCompleted = isTrue(m[models.FieldPreQuizCompleted]) || isTrue(m[aliasPreQuizCompleted])
	p.PostQuizCompleted = isTrue(m[models.FieldPostQuizCompleted]) || isTrue(m[aliasPostQuizCompleted])
	p.PreQuizScore = firstFloat(m, models.FieldPreQuizScore, aliasPreQuizScore)
	p.PostQuizScore = firstFloat(m, models.FieldPostQuizScore, aliasPostQuizScore)
	p.Percent = firstFloat(m, models.FieldPercent, aliasPercent)
	p.LastAttempt = toTime(m[models.FieldLastAttempt])
	return p
}

// NormalizeMap разбирает поле progress документа пользователя.
// Ключи приводятся к строковым id модулей; зарезервированные и неизвестные отбрасываются.
func NormalizeMap(raw any) Snapshot {
	s := Snapshot{Records: models.ProgressMap{}, Legacy: map[string]bool{}}
	var entries map[string]any
	switch v := raw.(type) {
	case map[string]any:
		entries = v
	case models.ProgressMap:
		for k, rec := range v {
			if id, kind := models.ParseModuleID(k); kind == models.ModuleKnown {
				s.Records[id.Key()] = rec
			}
		}
		return s
	default:
		return s
	}

	for k, val := range entries {
		id, kind := models.ParseModuleID(k)
		if kind != models.ModuleKnown {
			continue
		}
		key := id.Key()
		rec := Normalize(val)
		if prev, ok := s.Records[key]; ok {
			rec = Combine(prev, rec)
		}
		s.Records[key] = rec
		if key != k || isLegacyShape(val) {
			s.Legacy[key] = true
		}
	}
	return s
}

func isLegacyShape(raw any) bool {
	m, ok := raw.(map[string]any)
	if !ok {
		return true
	}
	for _, alias := range []string{aliasPreQuizCompleted, aliasPostQuizCompleted, aliasPreQuizScore, aliasPostQuizScore, aliasPercent} {
		if _, has := m[alias]; has {
			return true
		}
	}
	for _, flag := range []string{models.FieldPreQuizCompleted, models.FieldPostQuizCompleted} {
		if v, has := m[flag]; has {
			if _, isBool := v.(bool); !isBool {
				return true
			}
		}
	}
	return false
}

// FragmentFromRaw превращает присланный клиентом прогресс модуля во фрагмент:
// перезаписываются только явно переданные поля.
func FragmentFromRaw(raw any) models.Fragment {
	var f models.Fragment
	switch v := raw.(type) {
	case nil:
		return f
	case bool:
		f.PreQuizCompleted = boolPtr(v)
		if !v {
			f.PostQuizCompleted = boolPtr(false)
		}
		return f
	case models.ModuleProgress:
		return FragmentOf(v)
	case map[string]any:
		f.PreQuizCompleted = strictBool(v, models.FieldPreQuizCompleted, aliasPreQuizCompleted)
		f.PostQuizCompleted = strictBool(v, models.FieldPostQuizCompleted, aliasPostQuizCompleted)
		f.PreQuizScore = firstFloat(v, models.FieldPreQuizScore, aliasPreQuizScore)
		f.PostQuizScore = firstFloat(v, models.FieldPostQuizScore, aliasPostQuizScore)
		f.Percent = firstFloat(v, models.FieldPercent, aliasPercent)
		return f
	}
	if pct, ok := toFloat(raw); ok {
		f.Percent = &pct
	}
	return f
}

// FragmentOf: фрагмент, переносящий запись целиком.
func FragmentOf(r models.ModuleProgress) models.Fragment {
	return models.Fragment{
		PreQuizCompleted:  boolPtr(r.PreQuizCompleted),
		PostQuizCompleted: boolPtr(r.PostQuizCompleted),
		PreQuizScore:      r.PreQuizScore,
		PostQuizScore:     r.PostQuizScore,
		Percent:           r.Percent,
	}
}

// FragmentsFromRaw: то же для всей карты прогресса клиента.
func FragmentsFromRaw(raw map[string]any) map[string]models.Fragment {
	out := make(map[string]models.Fragment, len(raw))
	for k, v := range raw {
		id, kind := models.ParseModuleID(k)
		if kind != models.ModuleKnown {
			continue
		}
		f := FragmentFromRaw(v)
		if f.IsEmpty() {
			continue
		}
		out[id.Key()] = f
	}
	return out
}

// только настоящий bool true считается завершением
func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func strictBool(m map[string]any, keys ...string) *bool {
	var out *bool
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			if out == nil || b {
				out = boolPtr(b)
			}
		}
	}
	return out
}

func firstFloat(m map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		v, has := m[k]
		if !has || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

type timeValuer interface{ Time() time.Time }

func toTime(v any) *time.Time {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case *time.Time:
		if x == nil {
			return nil
		}
		t = *x
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(x))
		if err != nil {
			return nil
		}
		t = parsed
	case timeValuer:
		t = x.Time()
	default:
		return nil
	}
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func boolPtr(b bool) *bool { return &b }

// Timestamp разбирает сохранённую отметку времени; nil, если разобрать нельзя.
func Timestamp(v any) *time.Time { return toTime(v) }

// Number: балл из произвольного значения (число или строка); nil, если не число.
func Number(v any) *float64 {
	if f, ok := toFloat(v); ok {
		return &f
	}
	return nil
}
