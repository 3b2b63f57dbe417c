package docstore

import (
	"time"

	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/progress"
)

// Поля документа пользователя.
const (
	FieldID             = "_id"
	FieldEmail          = "email"
	FieldRole           = "role"
	FieldAgeGroup       = "age_group"
	FieldTeacherID      = "teacher_id"
	FieldTeacherCode    = "teacher_code"
	FieldFirstName      = "first_name"
	FieldLastName       = "last_name"
	FieldProgress       = "progress"
	FieldBadges         = "badges"
	FieldBadge          = "badge"
	FieldBadgeUpdatedAt = "badge_updated_at"
	FieldCreatedAt      = "created_at"

	legacyAgeGroup = "ageGroup"
	legacyProgress = "modules"
)

// ProgressPath: путь Fields к записи модуля или к её полю.
func ProgressPath(module string, field ...string) string {
	p := FieldProgress + "." + module
	if len(field) > 0 {
		p += "." + field[0]
	}
	return p
}

// ProgressOf нормализует прогресс документа. Модули из старого поля
// modules помечаются как legacy, чтобы при записи попасть в progress целиком.
func ProgressOf(doc Document) progress.Snapshot {
	snap := progress.NormalizeMap(doc[FieldProgress])
	if raw, ok := doc[legacyProgress]; ok {
		old := progress.NormalizeMap(raw)
		for k, rec := range old.Records {
			if cur, ok := snap.Records[k]; ok {
				rec = progress.Combine(rec, cur)
			}
			snap.Records[k] = rec
			snap.Legacy[k] = true
		}
	}
	return snap
}

func UserFromDocument(doc Document) models.User {
	u := models.User{
		UID:         str(doc[FieldID]),
		Email:       str(doc[FieldEmail]),
		Role:        models.ParseRole(str(doc[FieldRole])),
		AgeGroup:    str(doc[FieldAgeGroup]),
		TeacherID:   str(doc[FieldTeacherID]),
		TeacherCode: str(doc[FieldTeacherCode]),
		FirstName:   str(doc[FieldFirstName]),
		LastName:    str(doc[FieldLastName]),
		Progress:    ProgressOf(doc).Records,
		Badges:      BadgesOf(doc),
		Badge:       str(doc[FieldBadge]),
	}
	if u.AgeGroup == "" {
		u.AgeGroup = str(doc[legacyAgeGroup])
	}
	u.BadgeUpdatedAt = progress.Timestamp(doc[FieldBadgeUpdatedAt])
	return u
}

// BadgesOf читает историю наград. Старые записи бывают просто строками.
func BadgesOf(doc Document) []models.Badge {
	var items []any
	switch v := doc[FieldBadges].(type) {
	case []any:
		items = v
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []models.Badge:
		return append([]models.Badge(nil), v...)
	}

	out := make([]models.Badge, 0, len(items))
	for _, it := range items {
		switch b := it.(type) {
		case string:
			if b != "" {
				out = append(out, models.Badge{Name: b})
			}
		case map[string]any:
			name := str(b["name"])
			if name == "" {
				continue
			}
			out = append(out, models.Badge{
				Name:       name,
				Reason:     str(b["reason"]),
				AssignedAt: progress.Timestamp(b["assigned_at"]),
			})
		}
	}
	return out
}

// BadgeValues: история наград в виде, пригодном для записи в любой бэкенд.
func BadgeValues(badges []models.Badge) []any {
	out := make([]any, 0, len(badges))
	for _, b := range badges {
		m := map[string]any{"name": b.Name, "reason": b.Reason}
		if b.AssignedAt != nil {
			m["assigned_at"] = b.AssignedAt.UTC()
		}
		out = append(out, m)
	}
	return out
}

// NewUserDocument: документ для регистрации.
func NewUserDocument(u models.User, now time.Time) Document {
	doc := Document{
		FieldEmail:     u.Email,
		FieldRole:      string(u.Role),
		FieldAgeGroup:  u.AgeGroup,
		FieldFirstName: u.FirstName,
		FieldLastName:  u.LastName,
		FieldProgress:  map[string]any{},
		FieldBadges:    []any{},
		FieldCreatedAt: now.UTC(),
	}
	if u.TeacherCode != "" {
		doc[FieldTeacherCode] = u.TeacherCode
	}
	if u.TeacherID != "" {
		doc[FieldTeacherID] = u.TeacherID
	}
	return doc
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
