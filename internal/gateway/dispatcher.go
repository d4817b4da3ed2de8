package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DefaultProviderTimeout bounds one provider call.
const DefaultProviderTimeout = 10 * time.Second

// ErrOptedOut is reported for SMS to a phone that withdrew consent.
var ErrOptedOut = errors.New("recipient opted out")

// SendRequest is one outbound reply.
type SendRequest struct {
	Channel models.Channel
	To      string
	Body    string
	// ProviderSessionID is the USSD session being answered.
	ProviderSessionID string
	// EndSession closes the USSD session; it mirrors the engine's terminal outcome.
	EndSession bool
	FlowID     string
	SessionID  string
}

// DeliveryOutcome is the result of Dispatcher.Send.
type DeliveryOutcome struct {
	Success           bool
	ProviderMessageID string
	Status            models.MessageStatus
	Error             string
	// SessionEnded reports that a USSD reply closed the session.
	SessionEnded bool
	// Body is the text handed to the provider; for USSD it is the CON/END response.
	Body string
	// Suppressed reports a send withheld because the recipient opted out.
	Suppressed bool
}

// Dispatcher hands replies to the provider and records every message in the audit log.
type Dispatcher struct {
	provider Provider
	log      store.MessageLog
	optIns   store.OptInRepo
	timeout  time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout overrides DefaultProviderTimeout.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMetrics records dispatch metrics.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithOptIns enables opt-out suppression for SMS.
func WithOptIns(repo store.OptInRepo) DispatcherOption {
	return func(d *Dispatcher) { d.optIns = repo }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(provider Provider, log store.MessageLog, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		provider: provider,
		log:      log,
		timeout:  DefaultProviderTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Provider returns the provider replies are sent through.
func (d *Dispatcher) Provider() Provider {
	return d.provider
}

// Send dispatches req. A queued row is logged before the provider call and updated to
// sent or failed afterwards. Failures are never retried.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) DeliveryOutcome {
	if req.Channel == models.ChannelSMS && d.optedOut(ctx, req.To) {
		slog.Info("Dispatcher.Send: suppressed message to opted out recipient", "to", req.To)
		d.audit(ctx, req, models.MessageStatusFailed, ErrOptedOut.Error())
		d.metrics.OutboundMessage(string(req.Channel), string(models.MessageStatusFailed))
		return DeliveryOutcome{Status: models.MessageStatusFailed, Error: ErrOptedOut.Error(), Body: req.Body, Suppressed: true}
	}

	msg := &models.GatewayMessage{
		Direction: models.DirectionOut,
		Channel:   req.Channel,
		Phone:     req.To,
		Payload:   req.Body,
		Status:    models.MessageStatusQueued,
		FlowID:    req.FlowID,
		SessionID: req.SessionID,
		CreatedAt: d.now().UTC(),
	}
	logged := true
	if err := d.log.AppendGatewayMessage(ctx, msg); err != nil {
		slog.Error("Dispatcher.Send: failed to log outbound message", "to", req.To, "error", err)
		logged = false
	}

	out := d.call(ctx, req)

	if logged {
		if err := d.log.UpdateGatewayMessageStatus(ctx, msg.ID, out.Status, out.ProviderMessageID, out.Error, d.now().UTC()); err != nil {
			slog.Error("Dispatcher.Send: failed to update outbound message", "id", msg.ID, "error", err)
		}
	}
	d.metrics.OutboundMessage(string(req.Channel), string(out.Status))
	return out
}

type callResult struct {
	send SendResult
	ussd USSDResult
	err  error
}

// call runs the provider call under the dispatcher timeout. The deadline also applies to
// provider clients that ignore ctx.
func (d *Dispatcher) call(ctx context.Context, req SendRequest) DeliveryOutcome {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	op := "send"
	if req.Channel == models.ChannelUSSD {
		op = "ussd"
	}
	start := d.now()
	done := make(chan callResult, 1)
	go func() {
		var r callResult
		if req.Channel == models.ChannelUSSD {
			r.ussd, r.err = d.provider.ReplyUSSD(callCtx, req.ProviderSessionID, req.Body, req.EndSession)
		} else {
			r.send, r.err = d.provider.SendMessage(callCtx, req.To, req.Body)
		}
		done <- r
	}()

	var r callResult
	select {
	case r = <-done:
	case <-callCtx.Done():
		r.err = fmt.Errorf("provider %s timed out: %w", d.provider.Name(), callCtx.Err())
	}
	d.metrics.ProviderCall(d.provider.Name(), op, d.now().Sub(start))

	if r.err != nil {
		slog.Warn("Dispatcher.Send: provider call failed", "provider", d.provider.Name(), "channel", req.Channel, "to", req.To, "error", r.err)
		return DeliveryOutcome{
			Status:            models.MessageStatusFailed,
			ProviderMessageID: r.send.ProviderMessageID,
			Error:             r.err.Error(),
			Body:              req.Body,
		}
	}
	if req.Channel == models.ChannelUSSD {
		return DeliveryOutcome{
			Success:      true,
			Status:       models.MessageStatusSent,
			SessionEnded: r.ussd.Ended,
			Body:         r.ussd.Body,
		}
	}
	status := r.send.Status
	if status == "" {
		status = models.MessageStatusSent
	}
	return DeliveryOutcome{
		Success:           true,
		ProviderMessageID: r.send.ProviderMessageID,
		Status:            status,
		Body:              req.Body,
	}
}

func (d *Dispatcher) optedOut(ctx context.Context, phone string) bool {
	if d.optIns == nil {
		return false
	}
	o, err := d.optIns.GetOptIn(ctx, phone, models.ChannelSMS)
	if err != nil {
		slog.Warn("Dispatcher.Send: opt-in lookup failed, sending anyway", "phone", phone, "error", err)
		return false
	}
	return o != nil && !o.OptedIn
}

func (d *Dispatcher) audit(ctx context.Context, req SendRequest, status models.MessageStatus, errText string) {
	msg := &models.GatewayMessage{
		Direction: models.DirectionOut,
		Channel:   req.Channel,
		Phone:     req.To,
		Payload:   req.Body,
		Status:    status,
		Error:     errText,
		FlowID:    req.FlowID,
		SessionID: req.SessionID,
		CreatedAt: d.now().UTC(),
	}
	if err := d.log.AppendGatewayMessage(ctx, msg); err != nil {
		slog.Error("Dispatcher: failed to log message", "phone", req.To, "error", err)
	}
}

// RecordInbound appends an inbound row and returns its id, or "" when logging failed.
func (d *Dispatcher) RecordInbound(ctx context.Context, ev models.InboundEvent, status models.MessageStatus, errText string) string {
	payload := ev.Body
	if ev.Channel == models.ChannelUSSD && payload == "" {
		payload = ev.USSDCode
	}
	msg := &models.GatewayMessage{
		Direction:         models.DirectionIn,
		Channel:           ev.Channel,
		Phone:             ev.Phone,
		Payload:           payload,
		Status:            status,
		Error:             errText,
		ProviderMessageID: ev.MessageID,
		CreatedAt:         d.now().UTC(),
	}
	if err := d.log.AppendGatewayMessage(ctx, msg); err != nil {
		slog.Error("Dispatcher.RecordInbound: failed to log inbound message", "phone", ev.Phone, "error", err)
		return ""
	}
	return msg.ID
}

// MarkInbound changes the status of an inbound row logged by RecordInbound.
func (d *Dispatcher) MarkInbound(ctx context.Context, id string, status models.MessageStatus, errText string) {
	if id == "" {
		return
	}
	if err := d.log.UpdateGatewayMessageStatus(ctx, id, status, "", errText, d.now().UTC()); err != nil {
		slog.Error("Dispatcher.MarkInbound: failed to update inbound message", "id", id, "error", err)
	}
}

// RecordDeliveryReport applies a provider delivery callback. It returns false when no
// outbound message carries providerMessageID.
func (d *Dispatcher) RecordDeliveryReport(ctx context.Context, providerMessageID string, status models.MessageStatus, errText string) (bool, error) {
	if providerMessageID == "" {
		return false, fmt.Errorf("delivery report without message id")
	}
	found, err := d.log.RecordDeliveryReport(ctx, providerMessageID, status, errText, d.now().UTC())
	if err != nil {
		return false, fmt.Errorf("record delivery report: %w", err)
	}
	d.metrics.DeliveryReport(string(status), found)
	if !found {
		slog.Warn("Dispatcher.RecordDeliveryReport: unknown provider message id", "providerMessageID", providerMessageID, "status", status)
	}
	return found, nil
}
