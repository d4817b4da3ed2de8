package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Africa's Talking messaging endpoints.
const (
	AfricasTalkingLiveURL    = "https://api.africastalking.com/version1/messaging"
	AfricasTalkingSandboxURL = "https://api.sandbox.africastalking.com/version1/messaging"
	// DefaultHTTPTimeout bounds a single HTTP request to a provider.
	DefaultHTTPTimeout = 15 * time.Second
)

// AfricasTalkingOpts holds configuration options for the Africa's Talking provider.
type AfricasTalkingOpts struct {
	Username   string
	APIKey     string
	SenderID   string
	Sandbox    bool
	Endpoint   string
	HTTPClient *http.Client
}

// AfricasTalkingOption defines a configuration option for the Africa's Talking provider.
type AfricasTalkingOption func(*AfricasTalkingOpts)

// WithATCredentials sets the application username and API key.
func WithATCredentials(username, apiKey string) AfricasTalkingOption {
	return func(o *AfricasTalkingOpts) {
		o.Username = username
		o.APIKey = apiKey
	}
}

// WithATSenderID sets the short code or alphanumeric sender id.
func WithATSenderID(id string) AfricasTalkingOption {
	return func(o *AfricasTalkingOpts) { o.SenderID = id }
}

// WithATSandbox selects the sandbox endpoint.
func WithATSandbox(sandbox bool) AfricasTalkingOption {
	return func(o *AfricasTalkingOpts) { o.Sandbox = sandbox }
}

// WithATEndpoint overrides the messaging endpoint URL.
func WithATEndpoint(endpoint string) AfricasTalkingOption {
	return func(o *AfricasTalkingOpts) { o.Endpoint = endpoint }
}

// WithATHTTPClient sets the HTTP client used for API calls.
func WithATHTTPClient(c *http.Client) AfricasTalkingOption {
	return func(o *AfricasTalkingOpts) { o.HTTPClient = c }
}

// AfricasTalkingProvider sends SMS through the Africa's Talking messaging API. USSD is
// answered synchronously in the webhook response, so ReplyUSSD only formats the body.
type AfricasTalkingProvider struct {
	username string
	apiKey   string
	senderID string
	endpoint string
	client   *http.Client
}

// NewAfricasTalkingProvider creates an AfricasTalkingProvider.
func NewAfricasTalkingProvider(opts ...AfricasTalkingOption) (*AfricasTalkingProvider, error) {
	var cfg AfricasTalkingOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Username == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("africastalking username and API key must be provided")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = AfricasTalkingLiveURL
		if cfg.Sandbox {
			endpoint = AfricasTalkingSandboxURL
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &AfricasTalkingProvider{
		username: cfg.Username,
		apiKey:   cfg.APIKey,
		senderID: cfg.SenderID,
		endpoint: endpoint,
		client:   client,
	}, nil
}

// Name returns "africastalking".
func (p *AfricasTalkingProvider) Name() string { return ProviderAfricasTalking }

type atRecipient struct {
	StatusCode int    `json:"statusCode"`
	Number     string `json:"number"`
	Status     string `json:"status"`
	Cost       string `json:"cost"`
	MessageID  string `json:"messageId"`
}

type atSendResponse struct {
	SMSMessageData struct {
		Message    string        `json:"Message"`
		Recipients []atRecipient `json:"Recipients"`
	} `json:"SMSMessageData"`
}

// Recipient status codes meaning the message was accepted (processed, sent, queued).
func atAccepted(code int) bool {
	return code == 100 || code == 101 || code == 102
}

// SendMessage posts one SMS to the messaging API.
func (p *AfricasTalkingProvider) SendMessage(ctx context.Context, to, body string) (SendResult, error) {
	form := url.Values{}
	form.Set("username", p.username)
	form.Set("to", to)
	form.Set("message", body)
	if p.senderID != "" {
		form.Set("from", p.senderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, fmt.Errorf("build africastalking request: %w", err)
	}
	req.Header.Set("apiKey", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Error("AfricasTalkingProvider SendMessage failed", "to", to, "error", err)
		return SendResult{}, fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, fmt.Errorf("read africastalking response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, fmt.Errorf("%w: africastalking HTTP %d: %s", ErrProviderRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed atSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SendResult{}, fmt.Errorf("decode africastalking response: %w", err)
	}
	if len(parsed.SMSMessageData.Recipients) == 0 {
		return SendResult{}, fmt.Errorf("%w: %s", ErrProviderRejected, parsed.SMSMessageData.Message)
	}
	r := parsed.SMSMessageData.Recipients[0]
	if !atAccepted(r.StatusCode) {
		return SendResult{ProviderMessageID: r.MessageID, Status: models.MessageStatusFailed},
			fmt.Errorf("%w: %s (%d)", ErrProviderRejected, r.Status, r.StatusCode)
	}
	slog.Debug("AfricasTalkingProvider message sent", "to", to, "messageID", r.MessageID, "cost", r.Cost)
	return SendResult{ProviderMessageID: r.MessageID, Status: models.MessageStatusSent}, nil
}

// ReplyUSSD formats the CON/END body the USSD webhook returns.
func (p *AfricasTalkingProvider) ReplyUSSD(ctx context.Context, sessionID, body string, endSession bool) (USSDResult, error) {
	return USSDResult{Body: FormatUSSDResponse(body, endSession), Ended: endSession}, nil
}

// VerifyNumber only checks that phone is a valid E.164 number.
func (p *AfricasTalkingProvider) VerifyNumber(ctx context.Context, phone string) (bool, error) {
	_, err := models.CanonicalizePhone(phone)
	return err == nil, nil
}

// AfricasTalkingStatus maps an Africa's Talking delivery report status to a MessageStatus.
func AfricasTalkingStatus(status string) models.MessageStatus {
	switch strings.ToLower(status) {
	case "success":
		return models.MessageStatusDelivered
	case "failed", "rejected", "absentsubscriber", "expired", "insufficientcredit", "userinblacklist":
		return models.MessageStatusFailed
	default:
		return models.MessageStatusSent
	}
}
