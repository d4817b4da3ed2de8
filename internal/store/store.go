// Package store provides storage backends for FlowPipe.
//
// It defines the repositories the engine consumes (flows, routing, sessions, the gateway
// message log, opt-ins and inbound dedup) and implements them in memory, on SQLite and on
// PostgreSQL. Sessions can additionally be kept in Redis.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Error variables returned by every backend.
var (
	// ErrSessionExists is returned by CreateSession when a live session already holds the
	// (phone, channel) key.
	ErrSessionExists = errors.New("live session already exists")
	// ErrVersionConflict is returned when a session row changed or vanished since it was read.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrNotFound is returned when updating a record that does not exist.
	ErrNotFound = errors.New("record not found")
)

// FlowRepo stores flow definitions. SaveFlow replaces a definition atomically; readers
// always see either the old or the new graph.
type FlowRepo interface {
	SaveFlow(ctx context.Context, f models.Flow) error
	// GetFlow returns nil, nil when the flow does not exist.
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	ListFlows(ctx context.Context) ([]models.Flow, error)
	DeleteFlow(ctx context.Context, id string) error
}

// RoutingRepo stores keyword bindings and routing rules.
type RoutingRepo interface {
	SaveKeyword(ctx context.Context, k models.SmsKeyword) error
	ListKeywords(ctx context.Context) ([]models.SmsKeyword, error)
	// FindActiveKeyword returns nil, nil when no active keyword matches.
	FindActiveKeyword(ctx context.Context, keyword, locale string) (*models.SmsKeyword, error)

	// SaveRoutingRule inserts the rule when its ID is zero (assigning the ID) and
	// updates it otherwise.
	SaveRoutingRule(ctx context.Context, r *models.RoutingRule) error
	ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error)
	// ListActiveRoutingRules returns the channel's active rules ordered by priority, then ID.
	ListActiveRoutingRules(ctx context.Context, channel models.Channel) ([]models.RoutingRule, error)
}

// SessionRepo stores flow sessions keyed by (phone, channel).
type SessionRepo interface {
	// GetLiveSession returns nil, nil when there is no session or it expired before now.
	GetLiveSession(ctx context.Context, phone string, channel models.Channel, now time.Time) (*models.FlowSession, error)
	// CreateSession inserts s with Version 1, replacing an expired session for the same key.
	// It returns ErrSessionExists if a live session holds the key.
	CreateSession(ctx context.Context, s *models.FlowSession) error
	// UpdateSession writes s only if the stored version equals s.Version, then increments
	// s.Version. It returns ErrVersionConflict otherwise.
	UpdateSession(ctx context.Context, s *models.FlowSession) error
	// DeleteSession removes s only if the stored version equals s.Version.
	DeleteSession(ctx context.Context, s models.FlowSession) error
	// PurgeExpiredSessions physically removes sessions that expired before now.
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// MessageLog is the append-only gateway message audit log.
type MessageLog interface {
	// AppendGatewayMessage inserts m, assigning an ID when empty.
	AppendGatewayMessage(ctx context.Context, m *models.GatewayMessage) error
	// UpdateGatewayMessageStatus records the outcome of the provider call for a row.
	UpdateGatewayMessageStatus(ctx context.Context, id string, status models.MessageStatus, providerMessageID, errText string, at time.Time) error
	// RecordDeliveryReport applies an asynchronous provider delivery report. It returns
	// false when no outbound row carries the provider message ID.
	RecordDeliveryReport(ctx context.Context, providerMessageID string, status models.MessageStatus, errText string, at time.Time) (bool, error)
	ListGatewayMessages(ctx context.Context, filter models.MessageFilter) ([]models.GatewayMessage, error)
}

// OptInRepo stores per-(phone, channel) consent.
type OptInRepo interface {
	// GetOptIn returns nil, nil when no consent record exists.
	GetOptIn(ctx context.Context, phone string, channel models.Channel) (*models.OptIn, error)
	SaveOptIn(ctx context.Context, o models.OptIn) error
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, phone string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

// Store aggregates every repository of a single backend.
type Store interface {
	FlowRepo
	RoutingRepo
	SessionRepo
	MessageLog
	OptInRepo
	DedupRepo
	Close() error
}

// Opts holds configuration for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for SQL-backed stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" for
// anything else (a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

func sessionKey(phone string, channel models.Channel) string {
	return string(channel) + ":" + phone
}
