package models

import "time"

type Badge struct {
	Name       string     `json:"name"`
	Reason     string     `json:"reason"`
	AssignedAt *time.Time `json:"assigned_at"`
}
