package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfZero returns nil for the zero time so the column stays NULL.
func nilIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// rebindPostgres rewrites ? placeholders to $1..$n.
func rebindPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const flowColumns = `id, name, channel, locale, version, nodes_json, edges_json, default_entry_node_id,
	active, session_ttl_seconds, created_at, updated_at`

func scanFlow(row rowScanner) (models.Flow, error) {
	var f models.Flow
	var nodesJSON, edgesJSON string
	err := row.Scan(&f.ID, &f.Name, &f.Channel, &f.Locale, &f.Version, &nodesJSON, &edgesJSON,
		&f.DefaultEntryNodeID, &f.Active, &f.SessionTTLSeconds, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(nodesJSON), &f.Nodes); err != nil {
		return f, fmt.Errorf("decode nodes of flow %s: %w", f.ID, err)
	}
	if edgesJSON != "" {
		if err := json.Unmarshal([]byte(edgesJSON), &f.Edges); err != nil {
			return f, fmt.Errorf("decode edges of flow %s: %w", f.ID, err)
		}
	}
	return f, nil
}

const keywordColumns = `keyword, locale, active, description, flow_id, created_at, updated_at`

func scanKeyword(row rowScanner) (models.SmsKeyword, error) {
	var k models.SmsKeyword
	err := row.Scan(&k.Keyword, &k.Locale, &k.Active, &k.Description, &k.FlowID, &k.CreatedAt, &k.UpdatedAt)
	return k, err
}

const ruleColumns = `id, channel, matcher_type, matcher_value, flow_id, entry_node_id, priority, active,
	created_at, updated_at`

func scanRule(row rowScanner) (models.RoutingRule, error) {
	var r models.RoutingRule
	err := row.Scan(&r.ID, &r.Channel, &r.MatcherType, &r.MatcherValue, &r.FlowID, &r.EntryNodeID,
		&r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

const sessionColumns = `id, user_id, phone, channel, flow_id, flow_version, current_node_id, state_json,
	locale, provider_session_id, last_message_id, invalid_attempts, version, expires_at, created_at, updated_at`

func scanSession(row rowScanner) (*models.FlowSession, error) {
	var s models.FlowSession
	var stateJSON string
	err := row.Scan(&s.ID, &s.UserID, &s.Phone, &s.Channel, &s.FlowID, &s.FlowVersion, &s.CurrentNodeID,
		&stateJSON, &s.Locale, &s.ProviderSessionID, &s.LastMessageID, &s.InvalidAttempts, &s.Version,
		&s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.State = make(map[string]string)
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &s.State); err != nil {
			return nil, fmt.Errorf("decode state of session %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

func encodeState(state map[string]string) (string, error) {
	if len(state) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const messageColumns = `id, direction, channel, phone, payload, status, error, provider_message_id, flow_id,
	session_id, created_at, sent_at, delivered_at`

func scanMessage(row rowScanner) (models.GatewayMessage, error) {
	var m models.GatewayMessage
	var sentAt, deliveredAt sql.NullTime
	err := row.Scan(&m.ID, &m.Direction, &m.Channel, &m.Phone, &m.Payload, &m.Status, &m.Error,
		&m.ProviderMessageID, &m.FlowID, &m.SessionID, &m.CreatedAt, &sentAt, &deliveredAt)
	if err != nil {
		return m, err
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		m.DeliveredAt = &deliveredAt.Time
	}
	return m, nil
}
