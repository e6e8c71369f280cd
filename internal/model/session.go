package model

import (
	"encoding/json"
	"time"
)

// SessionState is the lifecycle state of a planning session.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionFlushed SessionState = "flushed"
)

// Session is one user's planning run. Every active session has exactly one
// BudgetLedger, created in the same write.
type Session struct {
	ID             string          `json:"sessionId"`
	OwnerID        string          `json:"ownerId,omitempty"` // empty = anonymous
	State          SessionState    `json:"state"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	RawInputs      json.RawMessage `json:"rawInputs,omitempty"`
	Vectorized     bool            `json:"vectorized"`
	HasResult      bool            `json:"hasResult"`
	BudgetExceeded bool            `json:"budgetExceeded"`
}

// NewSession returns an active session expiring ttl after now.
func NewSession(id, ownerID string, now time.Time, ttl time.Duration) *Session {
	now = now.UTC()
	return &Session{
		ID:             id,
		OwnerID:        ownerID,
		State:          SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(ttl),
	}
}

// Active reports whether the session can still accept work at now.
func (s *Session) Active(now time.Time) bool {
	return s.State == SessionActive && now.Before(s.ExpiresAt)
}

// Touch records activity and slides the expiry window.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	now = now.UTC()
	s.LastActivityAt = now
	s.ExpiresAt = now.Add(ttl)
}
