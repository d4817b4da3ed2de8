package models

import (
	"maps"
	"time"
)

// FlowSession is the runtime pointer of one (phone, channel) into a flow, plus the
// answers collected so far. Version is the optimistic-concurrency token: every successful
// write increments it.
type FlowSession struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id,omitempty"`
	Phone             string            `json:"phone"`
	Channel           Channel           `json:"channel"`
	FlowID            string            `json:"flow_id"`
	FlowVersion       string            `json:"flow_version,omitempty"`
	CurrentNodeID     string            `json:"current_node_id"`
	State             map[string]string `json:"state,omitempty"`
	Locale            string            `json:"locale,omitempty"`
	ProviderSessionID string            `json:"provider_session_id,omitempty"`
	LastMessageID     string            `json:"last_message_id,omitempty"`
	InvalidAttempts   int               `json:"invalid_attempts,omitempty"`
	Version           int64             `json:"version"`
	ExpiresAt         time.Time         `json:"expires_at"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsLive reports whether the session has not yet expired at now.
func (s *FlowSession) IsLive(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so callers can compute a next state without touching the
// version they read.
func (s *FlowSession) Clone() *FlowSession {
	c := *s
	c.State = maps.Clone(s.State)
	if c.State == nil {
		c.State = make(map[string]string)
	}
	return &c
}
