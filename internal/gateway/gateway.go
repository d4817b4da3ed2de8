// Package gateway sends FlowPipe replies through SMS/USSD providers and keeps the gateway
// message audit log.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Provider names accepted by NewProvider.
const (
	ProviderMock           = "mock"
	ProviderTwilio         = "twilio"
	ProviderAfricasTalking = "africastalking"
)

// USSD response prefixes understood by USSD aggregators.
const (
	ussdContinuePrefix = "CON "
	ussdEndPrefix      = "END "
)

var (
	// ErrUSSDUnsupported is returned by providers that cannot answer USSD requests.
	ErrUSSDUnsupported = errors.New("provider does not support USSD")
	// ErrUnknownProvider is returned by NewProvider for an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown gateway provider")
	// ErrProviderRejected is returned when the provider answered but refused the message.
	ErrProviderRejected = errors.New("provider rejected message")
)

// SendResult is the provider's answer to an SMS send.
type SendResult struct {
	ProviderMessageID string
	Status            models.MessageStatus
}

// USSDResult is the provider's answer to a USSD reply. Body is what the webhook must
// return to the aggregator.
type USSDResult struct {
	Body  string
	Ended bool
}

// Provider is the capability set every SMS/USSD provider implements.
type Provider interface {
	// SendMessage sends an SMS to an E.164 number.
	SendMessage(ctx context.Context, to, body string) (SendResult, error)
	// ReplyUSSD answers the pending request of a USSD session. endSession closes it.
	ReplyUSSD(ctx context.Context, sessionID, body string, endSession bool) (USSDResult, error)
	// VerifyNumber reports whether phone is a reachable number.
	VerifyNumber(ctx context.Context, phone string) (bool, error)
	// Name identifies the provider in logs and metrics.
	Name() string
}

// FormatUSSDResponse renders body as a CON (continue) or END response.
func FormatUSSDResponse(body string, end bool) string {
	if end {
		return ussdEndPrefix + body
	}
	return ussdContinuePrefix + body
}

// Config selects and configures a provider.
type Config struct {
	Provider string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	ATUsername string
	ATAPIKey   string
	ATSenderID string
	ATSandbox  bool

	// HTTPClient is used by HTTP based providers; nil means a default client.
	HTTPClient *http.Client
}

// NewProvider creates the provider named by cfg.Provider. An empty name selects the mock.
func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderMock:
		return NewMockProvider(), nil
	case ProviderTwilio:
		p, err := NewTwilioProvider(
			WithAccountSID(cfg.TwilioAccountSID),
			WithAuthToken(cfg.TwilioAuthToken),
			WithFromNumber(cfg.TwilioFromNumber),
		)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderAfricasTalking:
		opts := []AfricasTalkingOption{
			WithATCredentials(cfg.ATUsername, cfg.ATAPIKey),
			WithATSenderID(cfg.ATSenderID),
			WithATSandbox(cfg.ATSandbox),
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, WithATHTTPClient(cfg.HTTPClient))
		}
		p, err := NewAfricasTalkingProvider(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
}
