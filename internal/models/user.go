package models

import "time"

type Role string

const (
	Student Role = "student"
	Teacher Role = "teacher"
)

// ParseRole возвращает Student для всего, что не похоже на учителя.
func ParseRole(s string) Role {
	if Role(s) == Teacher {
		return Teacher
	}
	return Student
}

type User struct {
	UID            string
	Email          string
	Role           Role
	AgeGroup       string
	TeacherID      string
	TeacherCode    string
	FirstName      string
	LastName       string
	Progress       ProgressMap
	Badges         []Badge
	Badge          string
	BadgeUpdatedAt *time.Time
}

// DisplayName: имя для списков учителя; email, если имени нет.
func (u User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Email
	}
	return name
}
