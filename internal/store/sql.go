package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/google/uuid"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends. Queries are
// written with ? placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db       *sql.DB
	name     string
	postgres bool
}

func (s *sqlStore) q(query string) string {
	if s.postgres {
		return rebindPostgres(query)
	}
	return query
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + " Close invoked")
	if err := s.db.Close(); err != nil {
		slog.Error(s.name+" Close failed", "error", err)
		return err
	}
	return nil
}

func (s *sqlStore) SaveFlow(ctx context.Context, f models.Flow) error {
	nodesJSON, err := json.Marshal(f.Nodes)
	if err != nil {
		slog.Error(s.name+" SaveFlow marshal nodes failed", "error", err, "flowID", f.ID)
		return err
	}
	if f.Edges == nil {
		f.Edges = []models.Edge{}
	}
	edgesJSON, err := json.Marshal(f.Edges)
	if err != nil {
		slog.Error(s.name+" SaveFlow marshal edges failed", "error", err, "flowID", f.ID)
		return err
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO flows (` + flowColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			channel = excluded.channel,
			locale = excluded.locale,
			version = excluded.version,
			nodes_json = excluded.nodes_json,
			edges_json = excluded.edges_json,
			default_entry_node_id = excluded.default_entry_node_id,
			active = excluded.active,
			session_ttl_seconds = excluded.session_ttl_seconds,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, s.q(query), f.ID, f.Name, string(f.Channel), f.Locale, f.Version,
		string(nodesJSON), string(edgesJSON), f.DefaultEntryNodeID, f.Active, f.SessionTTLSeconds, now, now)
	if err != nil {
		slog.Error(s.name+" SaveFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	slog.Debug(s.name+" SaveFlow succeeded", "flowID", f.ID, "version", f.Version, "nodes", len(f.Nodes))
	return nil
}

func (s *sqlStore) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+flowColumns+` FROM flows WHERE id = ?`), id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+" GetFlow not found", "flowID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetFlow failed", "error", err, "flowID", id)
		return nil, err
	}
	return &f, nil
}

func (s *sqlStore) ListFlows(ctx context.Context) ([]models.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+flowColumns+` FROM flows ORDER BY id`)
	if err != nil {
		slog.Error(s.name+" ListFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			slog.Error(s.name+" ListFlows scan failed", "error", err)
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *sqlStore) DeleteFlow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM flows WHERE id = ?`), id); err != nil {
		slog.Error(s.name+" DeleteFlow failed", "error", err, "flowID", id)
		return err
	}
	slog.Debug(s.name+" DeleteFlow succeeded", "flowID", id)
	return nil
}

func (s *sqlStore) SaveKeyword(ctx context.Context, k models.SmsKeyword) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO sms_keywords (` + keywordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (keyword, locale) DO UPDATE SET
			active = excluded.active,
			description = excluded.description,
			flow_id = excluded.flow_id,
			updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, s.q(query), models.NormalizeKeyword(k.Keyword), k.Locale, k.Active,
		k.Description, k.FlowID, now, now)
	if err != nil {
		slog.Error(s.name+" SaveKeyword failed", "error", err, "keyword", k.Keyword, "locale", k.Locale)
		return fmt.Errorf("failed to save keyword %s: %w", k.Keyword, err)
	}
	return nil
}

func (s *sqlStore) ListKeywords(ctx context.Context) ([]models.SmsKeyword, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keywordColumns+` FROM sms_keywords ORDER BY keyword, locale`)
	if err != nil {
		slog.Error(s.name+" ListKeywords query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.SmsKeyword
	for rows.Next() {
		k, err := scanKeyword(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindActiveKeyword(ctx context.Context, keyword, locale string) (*models.SmsKeyword, error) {
	query := `SELECT ` + keywordColumns + ` FROM sms_keywords WHERE keyword = ? AND locale = ? AND active = ?`
	k, err := scanKeyword(s.db.QueryRowContext(ctx, s.q(query), models.NormalizeKeyword(keyword), locale, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" FindActiveKeyword failed", "error", err, "keyword", keyword, "locale", locale)
		return nil, err
	}
	return &k, nil
}

func (s *sqlStore) SaveRoutingRule(ctx context.Context, r *models.RoutingRule) error {
	now := time.Now().UTC()
	if r.ID == 0 {
		query := `
			INSERT INTO routing_rules (channel, matcher_type, matcher_value, flow_id, entry_node_id, priority,
				active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`
		err := s.db.QueryRowContext(ctx, s.q(query), string(r.Channel), string(r.MatcherType), r.MatcherValue,
			r.FlowID, r.EntryNodeID, r.Priority, r.Active, now, now).Scan(&r.ID)
		if err != nil {
			slog.Error(s.name+" SaveRoutingRule insert failed", "error", err, "flowID", r.FlowID)
			return fmt.Errorf("failed to insert routing rule: %w", err)
		}
		r.CreatedAt, r.UpdatedAt = now, now
		slog.Debug(s.name+" SaveRoutingRule inserted", "ruleID", r.ID, "channel", r.Channel, "priority", r.Priority)
		return nil
	}

	query := `
		UPDATE routing_rules SET channel = ?, matcher_type = ?, matcher_value = ?, flow_id = ?,
			entry_node_id = ?, priority = ?, active = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.q(query), string(r.Channel), string(r.MatcherType), r.MatcherValue,
		r.FlowID, r.EntryNodeID, r.Priority, r.Active, now, r.ID)
	if err != nil {
		slog.Error(s.name+" SaveRoutingRule update failed", "error", err, "ruleID", r.ID)
		return fmt.Errorf("failed to update routing rule %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.UpdatedAt = now
	return nil
}

func (s *sqlStore) listRules(ctx context.Context, query string, args ...any) ([]models.RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" list routing rules query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error) {
	return s.listRules(ctx, `SELECT `+ruleColumns+` FROM routing_rules ORDER BY id`)
}

func (s *sqlStore) ListActiveRoutingRules(ctx context.Context, channel models.Channel) ([]models.RoutingRule, error) {
	return s.listRules(ctx, `SELECT `+ruleColumns+` FROM routing_rules
		WHERE channel = ? AND active = ? ORDER BY priority, id`, string(channel), true)
}

func (s *sqlStore) GetLiveSession(ctx context.Context, phone string, channel models.Channel, now time.Time) (*models.FlowSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM flow_sessions WHERE phone = ? AND channel = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, s.q(query), phone, string(channel)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetLiveSession failed", "error", err, "phone", phone, "channel", channel)
		return nil, err
	}
	if !sess.IsLive(now) {
		slog.Debug(s.name+" GetLiveSession found expired session", "sessionID", sess.ID, "expiresAt", sess.ExpiresAt)
		return nil, nil
	}
	return sess, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, sess *models.FlowSession) error {
	stateJSON, err := encodeState(sess.State)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingID string
	var existingExpiry time.Time
	err = tx.QueryRowContext(ctx, s.q(`SELECT id, expires_at FROM flow_sessions WHERE phone = ? AND channel = ?`),
		sess.Phone, string(sess.Channel)).Scan(&existingID, &existingExpiry)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		slog.Error(s.name+" CreateSession lookup failed", "error", err, "phone", sess.Phone)
		return err
	case now.Before(existingExpiry):
		return ErrSessionExists
	default:
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM flow_sessions WHERE id = ?`), existingID); err != nil {
			return err
		}
		slog.Debug(s.name+" CreateSession replaced expired session", "oldSessionID", existingID, "phone", sess.Phone)
	}

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	query := `
		INSERT INTO flow_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone, channel) DO NOTHING`
	res, err := tx.ExecContext(ctx, s.q(query), sess.ID, sess.UserID, sess.Phone, string(sess.Channel),
		sess.FlowID, sess.FlowVersion, sess.CurrentNodeID, stateJSON, sess.Locale, sess.ProviderSessionID,
		sess.LastMessageID, sess.InvalidAttempts, int64(1), sess.ExpiresAt.UTC(), now, now)
	if err != nil {
		slog.Error(s.name+" CreateSession insert failed", "error", err, "phone", sess.Phone)
		return fmt.Errorf("failed to create session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionExists
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	sess.Version = 1
	sess.CreatedAt, sess.UpdatedAt = now, now
	slog.Debug(s.name+" CreateSession succeeded", "sessionID", sess.ID, "flowID", sess.FlowID, "phone", sess.Phone)
	return nil
}

func (s *sqlStore) UpdateSession(ctx context.Context, sess *models.FlowSession) error {
	stateJSON, err := encodeState(sess.State)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query := `
		UPDATE flow_sessions SET user_id = ?, flow_id = ?, flow_version = ?, current_node_id = ?, state_json = ?,
			locale = ?, provider_session_id = ?, last_message_id = ?, invalid_attempts = ?, version = version + 1,
			expires_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, s.q(query), sess.UserID, sess.FlowID, sess.FlowVersion, sess.CurrentNodeID,
		stateJSON, sess.Locale, sess.ProviderSessionID, sess.LastMessageID, sess.InvalidAttempts,
		sess.ExpiresAt.UTC(), now, sess.ID, sess.Version)
	if err != nil {
		slog.Error(s.name+" UpdateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Debug(s.name+" UpdateSession version conflict", "sessionID", sess.ID, "version", sess.Version)
		return ErrVersionConflict
	}
	sess.Version++
	sess.UpdatedAt = now
	return nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, sess models.FlowSession) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM flow_sessions WHERE id = ? AND version = ?`), sess.ID, sess.Version)
	if err != nil {
		slog.Error(s.name+" DeleteSession failed", "error", err, "sessionID", sess.ID)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	slog.Debug(s.name+" DeleteSession succeeded", "sessionID", sess.ID)
	return nil
}

func (s *sqlStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM flow_sessions WHERE expires_at <= ?`), now.UTC())
	if err != nil {
		slog.Error(s.name+" PurgeExpiredSessions failed", "error", err)
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) AppendGatewayMessage(ctx context.Context, m *models.GatewayMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var sentAt, deliveredAt interface{}
	if m.SentAt != nil {
		sentAt = nilIfZero(*m.SentAt)
	}
	if m.DeliveredAt != nil {
		deliveredAt = nilIfZero(*m.DeliveredAt)
	}
	query := `INSERT INTO gateway_messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.q(query), m.ID, string(m.Direction), string(m.Channel), m.Phone, m.Payload,
		string(m.Status), m.Error, m.ProviderMessageID, m.FlowID, m.SessionID, m.CreatedAt.UTC(), sentAt, deliveredAt)
	if err != nil {
		slog.Error(s.name+" AppendGatewayMessage failed", "error", err, "phone", m.Phone, "direction", m.Direction)
		return fmt.Errorf("failed to append gateway message: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateGatewayMessageStatus(ctx context.Context, id string, status models.MessageStatus, providerMessageID, errText string, at time.Time) error {
	var sentAt interface{}
	if status == models.MessageStatusSent {
		sentAt = at.UTC()
	}
	query := `
		UPDATE gateway_messages SET status = ?, error = ?,
			provider_message_id = CASE WHEN ? = '' THEN provider_message_id ELSE ? END,
			sent_at = COALESCE(?, sent_at)
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.q(query), string(status), errText, providerMessageID, providerMessageID, sentAt, id)
	if err != nil {
		slog.Error(s.name+" UpdateGatewayMessageStatus failed", "error", err, "messageID", id)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) RecordDeliveryReport(ctx context.Context, providerMessageID string, status models.MessageStatus, errText string, at time.Time) (bool, error) {
	var deliveredAt interface{}
	if status == models.MessageStatusDelivered {
		deliveredAt = at.UTC()
	}
	query := `
		UPDATE gateway_messages SET status = ?,
			error = CASE WHEN ? = '' THEN error ELSE ? END,
			delivered_at = COALESCE(?, delivered_at)
		WHERE direction = ? AND provider_message_id = ?`
	res, err := s.db.ExecContext(ctx, s.q(query), string(status), errText, errText, deliveredAt,
		string(models.DirectionOut), providerMessageID)
	if err != nil {
		slog.Error(s.name+" RecordDeliveryReport failed", "error", err, "providerMessageID", providerMessageID)
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ListGatewayMessages(ctx context.Context, filter models.MessageFilter) ([]models.GatewayMessage, error) {
	var where []string
	var args []any
	if filter.Phone != "" {
		where = append(where, "phone = ?")
		args = append(args, filter.Phone)
	}
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, string(filter.Channel))
	}
	query := `SELECT ` + messageColumns + ` FROM gateway_messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" ListGatewayMessages query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.GatewayMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetOptIn(ctx context.Context, phone string, channel models.Channel) (*models.OptIn, error) {
	var o models.OptIn
	query := `SELECT phone, channel, opted_in, source, consent_at, locale FROM opt_ins WHERE phone = ? AND channel = ?`
	err := s.db.QueryRowContext(ctx, s.q(query), phone, string(channel)).
		Scan(&o.Phone, &o.Channel, &o.OptedIn, &o.Source, &o.ConsentAt, &o.Locale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetOptIn failed", "error", err, "phone", phone)
		return nil, err
	}
	return &o, nil
}

func (s *sqlStore) SaveOptIn(ctx context.Context, o models.OptIn) error {
	if o.ConsentAt.IsZero() {
		o.ConsentAt = time.Now()
	}
	query := `
		INSERT INTO opt_ins (phone, channel, opted_in, source, consent_at, locale)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone, channel) DO UPDATE SET
			opted_in = excluded.opted_in,
			source = excluded.source,
			consent_at = excluded.consent_at,
			locale = excluded.locale`
	_, err := s.db.ExecContext(ctx, s.q(query), o.Phone, string(o.Channel), o.OptedIn, o.Source, o.ConsentAt.UTC(), o.Locale)
	if err != nil {
		slog.Error(s.name+" SaveOptIn failed", "error", err, "phone", o.Phone)
		return err
	}
	slog.Debug(s.name+" SaveOptIn succeeded", "phone", o.Phone, "channel", o.Channel, "optedIn", o.OptedIn)
	return nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, phone string) (bool, error) {
	query := `INSERT INTO inbound_dedup (message_id, phone, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, s.q(query), messageID, phone, time.Now().UTC())
	if err != nil {
		slog.Error(s.name+" RecordInbound failed", "error", err, "messageID", messageID)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		time.Now().UTC(), messageID)
	if err != nil {
		slog.Error(s.name+" MarkProcessed failed", "error", err, "messageID", messageID)
	}
	return err
}
