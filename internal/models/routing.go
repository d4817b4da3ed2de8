package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MatcherType selects how a routing rule compares inbound input.
type MatcherType string

const (
	// MatcherExact matches the trimmed input case-insensitively.
	MatcherExact MatcherType = "exact"
	// MatcherRegex matches the trimmed input against a Go regular expression.
	MatcherRegex MatcherType = "regex"
	// MatcherUSSDCode matches a dialed USSD service code or an extension of it.
	MatcherUSSDCode MatcherType = "ussd_code"
	// MatcherDefault always matches and acts as the channel's catch-all.
	MatcherDefault MatcherType = "default"
)

// IsValidMatcherType checks if the given matcher type is supported.
func IsValidMatcherType(m MatcherType) bool {
	switch m {
	case MatcherExact, MatcherRegex, MatcherUSSDCode, MatcherDefault:
		return true
	default:
		return false
	}
}

// SmsKeyword binds a reserved inbound token to a flow. (Keyword, Locale) is unique.
type SmsKeyword struct {
	Keyword     string    `json:"keyword"`
	Locale      string    `json:"locale"`
	Active      bool      `json:"active"`
	Description string    `json:"description,omitempty"`
	FlowID      string    `json:"flow_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NormalizeKeyword returns the canonical form keywords are stored and compared in.
func NormalizeKeyword(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Validate validates an SmsKeyword.
func (k *SmsKeyword) Validate() error {
	if NormalizeKeyword(k.Keyword) == "" {
		return fmt.Errorf("%w: keyword is required", ErrInvalidKeyword)
	}
	if strings.ContainsAny(strings.TrimSpace(k.Keyword), " \t\n") {
		return fmt.Errorf("%w: keyword %q must be a single token", ErrInvalidKeyword, k.Keyword)
	}
	if k.Locale == "" {
		return fmt.Errorf("%w: locale is required", ErrInvalidKeyword)
	}
	return nil
}

// RoutingRule selects a flow for a fresh inbound event on a channel. Lower Priority wins;
// equal priorities are ordered by ascending ID.
type RoutingRule struct {
	ID           int64       `json:"id"`
	Channel      Channel     `json:"channel"`
	MatcherType  MatcherType `json:"matcher_type"`
	MatcherValue string      `json:"matcher_value,omitempty"`
	FlowID       string      `json:"flow_id"`
	EntryNodeID  string      `json:"entry_node_id,omitempty"`
	Priority     int         `json:"priority"`
	Active       bool        `json:"active"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Validate validates a RoutingRule.
func (r *RoutingRule) Validate() error {
	if !IsValidChannel(r.Channel) {
		return fmt.Errorf("%w: %w %q", ErrInvalidRoutingRule, ErrInvalidChannel, r.Channel)
	}
	if !IsValidMatcherType(r.MatcherType) {
		return fmt.Errorf("%w: unknown matcher type %q", ErrInvalidRoutingRule, r.MatcherType)
	}
	if r.FlowID == "" {
		return fmt.Errorf("%w: flow_id is required", ErrInvalidRoutingRule)
	}
	if r.MatcherType != MatcherDefault && strings.TrimSpace(r.MatcherValue) == "" {
		return fmt.Errorf("%w: matcher_value is required for %s rules", ErrInvalidRoutingRule, r.MatcherType)
	}
	if r.MatcherType == MatcherRegex {
		if _, err := regexp.Compile(r.MatcherValue); err != nil {
			return fmt.Errorf("%w: regex %q: %v", ErrInvalidRoutingRule, r.MatcherValue, err)
		}
	}
	return nil
}
