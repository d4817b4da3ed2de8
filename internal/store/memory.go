package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a Store kept in process memory, used for tests and single-node demos.
type InMemoryStore struct {
	mu         sync.Mutex
	flows      map[string]models.Flow
	keywords   map[string]models.SmsKeyword
	rules      map[int64]models.RoutingRule
	nextRuleID int64
	sessions   map[string]models.FlowSession
	messages   []models.GatewayMessage
	optIns     map[string]models.OptIn
	dedup      map[string]*time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]models.Flow),
		keywords: make(map[string]models.SmsKeyword),
		rules:    make(map[int64]models.RoutingRule),
		sessions: make(map[string]models.FlowSession),
		optIns:   make(map[string]models.OptIn),
		dedup:    make(map[string]*time.Time),
	}
}

func (s *InMemoryStore) SaveFlow(ctx context.Context, f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.flows[f.ID]; ok {
		f.CreatedAt = existing.CreatedAt
	} else if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	s.flows[f.ID] = f
	slog.Debug("InMemoryStore SaveFlow succeeded", "flowID", f.ID, "version", f.Version)
	return nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) ListFlows(ctx context.Context) ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flows := make([]models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows, nil
}

func (s *InMemoryStore) DeleteFlow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
	return nil
}

func keywordKey(keyword, locale string) string {
	return models.NormalizeKeyword(keyword) + "|" + locale
}

func (s *InMemoryStore) SaveKeyword(ctx context.Context, k models.SmsKeyword) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	k.Keyword = models.NormalizeKeyword(k.Keyword)
	key := keywordKey(k.Keyword, k.Locale)
	if existing, ok := s.keywords[key]; ok {
		k.CreatedAt = existing.CreatedAt
	} else {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	s.keywords[key] = k
	return nil
}

func (s *InMemoryStore) ListKeywords(ctx context.Context) ([]models.SmsKeyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SmsKeyword, 0, len(s.keywords))
	for _, k := range s.keywords {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Keyword != out[j].Keyword {
			return out[i].Keyword < out[j].Keyword
		}
		return out[i].Locale < out[j].Locale
	})
	return out, nil
}

func (s *InMemoryStore) FindActiveKeyword(ctx context.Context, keyword, locale string) (*models.SmsKeyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keywords[keywordKey(keyword, locale)]
	if !ok || !k.Active {
		return nil, nil
	}
	return &k, nil
}

func (s *InMemoryStore) SaveRoutingRule(ctx context.Context, r *models.RoutingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if r.ID == 0 {
		s.nextRuleID++
		r.ID = s.nextRuleID
		r.CreatedAt = now
	} else {
		existing, ok := s.rules[r.ID]
		if !ok {
			return ErrNotFound
		}
		r.CreatedAt = existing.CreatedAt
	}
	r.UpdatedAt = now
	s.rules[r.ID] = *r
	return nil
}

func (s *InMemoryStore) ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RoutingRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListActiveRoutingRules(ctx context.Context, channel models.Channel) ([]models.RoutingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RoutingRule
	for _, r := range s.rules {
		if r.Active && r.Channel == channel {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) GetLiveSession(ctx context.Context, phone string, channel models.Channel, now time.Time) (*models.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(phone, channel)]
	if !ok || !sess.IsLive(now) {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess *models.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	key := sessionKey(sess.Phone, sess.Channel)
	if existing, ok := s.sessions[key]; ok && existing.IsLive(now) {
		return ErrSessionExists
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.Version = 1
	sess.CreatedAt = now
	sess.UpdatedAt = now
	s.sessions[key] = *sess.Clone()
	return nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, sess *models.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(sess.Phone, sess.Channel)
	existing, ok := s.sessions[key]
	if !ok || existing.ID != sess.ID || existing.Version != sess.Version {
		return ErrVersionConflict
	}
	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[key] = *sess.Clone()
	return nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, sess models.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(sess.Phone, sess.Channel)
	existing, ok := s.sessions[key]
	if !ok || existing.ID != sess.ID || existing.Version != sess.Version {
		return ErrVersionConflict
	}
	delete(s.sessions, key)
	return nil
}

func (s *InMemoryStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, sess := range s.sessions {
		if !sess.IsLive(now) {
			delete(s.sessions, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AppendGatewayMessage(ctx context.Context, m *models.GatewayMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, *m)
	return nil
}

func (s *InMemoryStore) UpdateGatewayMessageStatus(ctx context.Context, id string, status models.MessageStatus, providerMessageID, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID != id {
			continue
		}
		m := &s.messages[i]
		m.Status = status
		m.Error = errText
		if providerMessageID != "" {
			m.ProviderMessageID = providerMessageID
		}
		if status == models.MessageStatusSent {
			t := at
			m.SentAt = &t
		}
		return nil
	}
	return ErrNotFound
}

func (s *InMemoryStore) RecordDeliveryReport(ctx context.Context, providerMessageID string, status models.MessageStatus, errText string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.Direction != models.DirectionOut || m.ProviderMessageID != providerMessageID {
			continue
		}
		m.Status = status
		if errText != "" {
			m.Error = errText
		}
		if status == models.MessageStatusDelivered {
			t := at
			m.DeliveredAt = &t
		}
		found = true
	}
	return found, nil
}

func (s *InMemoryStore) ListGatewayMessages(ctx context.Context, filter models.MessageFilter) ([]models.GatewayMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GatewayMessage
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if filter.Phone != "" && m.Phone != filter.Phone {
			continue
		}
		if filter.Channel != "" && m.Channel != filter.Channel {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetOptIn(ctx context.Context, phone string, channel models.Channel) (*models.OptIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.optIns[sessionKey(phone, channel)]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *InMemoryStore) SaveOptIn(ctx context.Context, o models.OptIn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ConsentAt.IsZero() {
		o.ConsentAt = time.Now().UTC()
	}
	s.optIns[sessionKey(o.Phone, o.Channel)] = o
	return nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = nil
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.dedup[messageID] = &now
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
