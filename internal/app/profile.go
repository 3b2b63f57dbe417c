package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/session"
)

// SetAgeGroup сохраняет возрастную группу в документе и в сессии.
func (s *Service) SetAgeGroup(ctx context.Context, sess *session.Session, ageGroup string) error {
	uid, err := requireUser(sess)
	if err != nil {
		return err
	}
	ageGroup, err = cleanAgeGroup(ageGroup, false)
	if err != nil {
		return err
	}
	ctx = withOp(ctx, uid, "set_age_group")
	if err := s.store.MergeUser(ctx, uid, docstore.Fields{docstore.FieldAgeGroup: ageGroup}); err != nil {
		if docstore.OutcomeOf(err) == docstore.NotFound {
			return ErrUserNotFound
		}
		return fmt.Errorf("set age group: %w", err)
	}
	sess.SetAgeGroup(ageGroup)
	return nil
}

type ConnectResult struct {
	TeacherID   string `json:"teacher_id"`
	TeacherName string `json:"teacher_name"`
}

// ConnectTeacher привязывает ученика к учителю по коду.
func (s *Service) ConnectTeacher(ctx context.Context, sess *session.Session, code string) (ConnectResult, error) {
	uid, err := requireUser(sess)
	if err != nil {
		return ConnectResult{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return ConnectResult{}, fmt.Errorf("%w: teacher_code", ErrInvalidInput)
	}
	ctx = withOp(ctx, uid, "connect_teacher")

	teacher, err := s.findTeacher(ctx, code)
	if err != nil {
		return ConnectResult{}, err
	}
	if teacher.UID == uid {
		return ConnectResult{}, fmt.Errorf("%w: own code", ErrInvalidInput)
	}
	if err := s.store.MergeUser(ctx, uid, docstore.Fields{docstore.FieldTeacherID: teacher.UID}); err != nil {
		if docstore.OutcomeOf(err) == docstore.NotFound {
			return ConnectResult{}, ErrUserNotFound
		}
		return ConnectResult{}, fmt.Errorf("connect teacher: %w", err)
	}
	s.log.Info("ученик привязан к учителю", zap.String("uid", uid), zap.String("teacher_id", teacher.UID))
	return ConnectResult{TeacherID: teacher.UID, TeacherName: teacher.DisplayName()}, nil
}
