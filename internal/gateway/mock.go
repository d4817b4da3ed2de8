package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SentMessage is an SMS recorded by MockProvider.
type SentMessage struct {
	To   string
	Body string
}

// USSDReply is a USSD answer recorded by MockProvider.
type USSDReply struct {
	SessionID string
	Body      string
	End       bool
}

// MockProvider records every call and never talks to a network. Failures and latency can
// be injected for tests.
type MockProvider struct {
	mu          sync.Mutex
	sent        []SentMessage
	ussdReplies []USSDReply
	failWith    error
	delay       time.Duration
	unreachable map[string]bool
	seq         int
}

// NewMockProvider creates a MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{unreachable: make(map[string]bool)}
}

// Name returns "mock".
func (m *MockProvider) Name() string { return ProviderMock }

// FailWith makes every subsequent call fail with err; nil restores success.
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// SetDelay makes every subsequent call take d, or until its context ends.
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// MarkUnreachable makes VerifyNumber report phone as unreachable.
func (m *MockProvider) MarkUnreachable(phone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable[phone] = true
}

// SentMessages returns a copy of the recorded SMS.
func (m *MockProvider) SentMessages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// USSDReplies returns a copy of the recorded USSD answers.
func (m *MockProvider) USSDReplies() []USSDReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]USSDReply(nil), m.ussdReplies...)
}

func (m *MockProvider) wait(ctx context.Context) error {
	m.mu.Lock()
	delay, failWith := m.delay, m.failWith
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failWith
}

// SendMessage records an SMS.
func (m *MockProvider) SendMessage(ctx context.Context, to, body string) (SendResult, error) {
	if err := m.wait(ctx); err != nil {
		return SendResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return SendResult{ProviderMessageID: fmt.Sprintf("mock-%d", m.seq), Status: models.MessageStatusSent}, nil
}

// ReplyUSSD records a USSD answer and formats it the way USSD aggregators expect.
func (m *MockProvider) ReplyUSSD(ctx context.Context, sessionID, body string, endSession bool) (USSDResult, error) {
	if err := m.wait(ctx); err != nil {
		return USSDResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ussdReplies = append(m.ussdReplies, USSDReply{SessionID: sessionID, Body: body, End: endSession})
	return USSDResult{Body: FormatUSSDResponse(body, endSession), Ended: endSession}, nil
}

// VerifyNumber accepts every valid E.164 number not marked unreachable.
func (m *MockProvider) VerifyNumber(ctx context.Context, phone string) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	canonical, err := models.CanonicalizePhone(phone)
	if err != nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unreachable[canonical], nil
}
