package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Spok95/healthed-server/internal/badges"
	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/models"
	"github.com/Spok95/healthed-server/internal/progress"
	"github.com/Spok95/healthed-server/internal/session"
)

type StudentRow struct {
	UID      string         `json:"uid"`
	Name     string         `json:"name"`
	Email    string         `json:"email,omitempty"`
	AgeGroup string         `json:"age_group,omitempty"`
	Modules  map[string]int `json:"modules"`
	Overall  int            `json:"overall"`
	Badges   []models.Badge `json:"badges"`
}

// StudentsProgress: сводка по ученикам учителя, отсортированная по имени.
func (s *Service) StudentsProgress(ctx context.Context, sess *session.Session) ([]StudentRow, error) {
	uid, err := requireTeacher(sess)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.QueryUsers(withOp(ctx, uid, "students_progress"), docstore.FieldTeacherID, uid)
	if err != nil {
		return nil, fmt.Errorf("students progress: %w", err)
	}

	rows := make([]StudentRow, 0, len(docs))
	for _, d := range docs {
		u := docstore.UserFromDocument(d)
		if u.Role == models.Teacher {
			continue
		}
		records := docstore.ProgressOf(d).Records
		row := StudentRow{
			UID:      u.UID,
			Name:     u.DisplayName(),
			Email:    u.Email,
			AgeGroup: u.AgeGroup,
			Modules:  make(map[string]int, len(models.Modules())),
			Overall:  overallOf(records),
			Badges:   badges.History(d),
		}
		for k, rec := range progress.WithDefaults(records) {
			row.Modules[k] = progress.PercentOf(rec)
		}
		if row.Badges == nil {
			row.Badges = []models.Badge{}
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := strings.ToLower(rows[i].Name), strings.ToLower(rows[j].Name)
		if a != b {
			return a < b
		}
		return rows[i].UID < rows[j].UID
	})
	return rows, nil
}

type AssignResult struct {
	Badge  string `json:"badge"`
	Result string `json:"result"`
}

// AssignBadge: награда ученику от его учителя.
func (s *Service) AssignBadge(ctx context.Context, sess *session.Session, studentUID, name string) (AssignResult, error) {
	uid, err := requireTeacher(sess)
	if err != nil {
		return AssignResult{}, err
	}
	studentUID = strings.TrimSpace(studentUID)
	if studentUID == "" {
		return AssignResult{}, fmt.Errorf("%w: student_id", ErrInvalidInput)
	}
	ctx = withOp(ctx, uid, "assign_badge")

	unlock := s.limiter.lock(studentUID)
	defer unlock()
	out, err := s.awards.AssignByTeacher(ctx, uid, studentUID, name)
	switch {
	case err != nil:
		return AssignResult{}, err
	case out == badges.UserNotFound:
		return AssignResult{}, ErrUserNotFound
	}
	return AssignResult{Badge: strings.TrimSpace(name), Result: out.String()}, nil
}
