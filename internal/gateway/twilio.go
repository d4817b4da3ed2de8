package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	twilioLookups "github.com/twilio/twilio-go/rest/lookups/v2"
)

// TwilioOpts holds configuration options for the Twilio provider.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a configuration option for the Twilio provider.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number in E.164 form.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// twilioAPI is the part of the Twilio REST client the provider uses.
type twilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	FetchPhoneNumber(phone string, params *twilioLookups.FetchPhoneNumberParams) (*twilioLookups.LookupResponse, error)
}

type restAPI struct {
	client *twilio.RestClient
}

func (r restAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	return r.client.Api.CreateMessage(params)
}

func (r restAPI) FetchPhoneNumber(phone string, params *twilioLookups.FetchPhoneNumberParams) (*twilioLookups.LookupResponse, error) {
	return r.client.LookupsV2.FetchPhoneNumber(phone, params)
}

// TwilioProvider sends SMS through the Twilio Messages API and verifies numbers with
// Lookups v2. Twilio does not serve USSD.
type TwilioProvider struct {
	api  twilioAPI
	from string
}

// NewTwilioProvider creates a TwilioProvider. Unset options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment variables.
func NewTwilioProvider(opts ...TwilioOption) (*TwilioProvider, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("TwilioProvider config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioProvider{api: restAPI{client: client}, from: cfg.FromNumber}, nil
}

// Name returns "twilio".
func (p *TwilioProvider) Name() string { return ProviderTwilio }

// SendMessage sends an SMS using the Twilio Messages API.
func (p *TwilioProvider) SendMessage(ctx context.Context, to, body string) (SendResult, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(p.from)
	params.SetBody(body)

	msg, err := p.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioProvider SendMessage failed", "to", to, "error", err)
		return SendResult{}, fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	res := SendResult{Status: models.MessageStatusSent}
	if msg != nil {
		if msg.Sid != nil {
			res.ProviderMessageID = *msg.Sid
		}
		if msg.Status != nil {
			res.Status = TwilioStatus(*msg.Status)
		}
	}
	if res.Status == models.MessageStatusFailed {
		return res, fmt.Errorf("%w: twilio status %s", ErrProviderRejected, *msg.Status)
	}
	slog.Debug("TwilioProvider message sent", "to", to, "sid", res.ProviderMessageID)
	return res, nil
}

// ReplyUSSD always fails; Twilio has no USSD product.
func (p *TwilioProvider) ReplyUSSD(ctx context.Context, sessionID, body string, endSession bool) (USSDResult, error) {
	return USSDResult{}, ErrUSSDUnsupported
}

// VerifyNumber asks Lookups v2 whether phone is a valid number.
func (p *TwilioProvider) VerifyNumber(ctx context.Context, phone string) (bool, error) {
	resp, err := p.api.FetchPhoneNumber(phone, &twilioLookups.FetchPhoneNumberParams{})
	if err != nil {
		return false, fmt.Errorf("twilio lookup %s: %w", phone, err)
	}
	return resp != nil && resp.Valid, nil
}

// TwilioStatus maps a Twilio message status to a MessageStatus.
func TwilioStatus(status string) models.MessageStatus {
	switch strings.ToLower(status) {
	case "delivered", "read":
		return models.MessageStatusDelivered
	case "failed", "undelivered", "canceled":
		return models.MessageStatusFailed
	default:
		return models.MessageStatusSent
	}
}
