package models

import "time"

// SessionStatus represents the current state of a browser session
type SessionStatus string

const (
	StatusRegistered SessionStatus = "registered"
	StatusReady      SessionStatus = "ready"
	StatusActive     SessionStatus = "active"
	StatusIdle       SessionStatus = "idle"
	StatusMigrating  SessionStatus = "migrating"
	StatusTerminated SessionStatus = "terminated"
)

// Serving reports whether the session can take traffic or be migrated
func (s SessionStatus) Serving() bool {
	switch s {
	case StatusRegistered, StatusReady, StatusActive, StatusIdle:
		return true
	}
	return false
}

// Session represents a browser session pinned to a region
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	TargetID     string            `json:"targetId,omitempty"`
	RegionID     string            `json:"regionId"`
	Status       SessionStatus     `json:"status"`
	ClientIP     string            `json:"clientIp,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	LastActivity time.Time         `json:"lastActivity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with s
func (s *Session) Clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// RegisterSessionRequest is the payload for registering a session
type RegisterSessionRequest struct {
	ID       string            `json:"id,omitempty"`
	UserID   string            `json:"userId"`
	TargetID string            `json:"targetId,omitempty"`
	RegionID string            `json:"regionId"`
	ClientIP string            `json:"clientIp,omitempty"`
	Timeout  int               `json:"timeout,omitempty"` // seconds
	Metadata map[string]string `json:"metadata,omitempty"`
}
