// Package messaging turns inbound channel events into flow replies: it deduplicates,
// resumes or starts a session, runs the engine, persists the session and dispatches the
// reply.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/gateway"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/routing"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/google/uuid"
)

// NotUnderstoodMessage answers input that no keyword or routing rule matched.
const NotUnderstoodMessage = "Sorry, we did not understand your message. Please try again."

// OutcomeNotUnderstood is reported when no keyword or routing rule matched.
const OutcomeNotUnderstood flow.Outcome = "not_understood"

// Reasons reported on dropped events.
const (
	ReasonInvalidPhone = "invalid_phone"
	ReasonDuplicate    = "duplicate"
)

// ErrInvalidEvent is returned for events the pipeline cannot audit at all.
var ErrInvalidEvent = errors.New("invalid inbound event")

// Reply is the pipeline's answer to one inbound event.
type Reply struct {
	// Text is the reply produced for the user.
	Text string
	// Body is what was handed to the provider; for USSD the CON/END response.
	Body       string
	EndSession bool
	Outcome    flow.Outcome
	FlowID     string
	SessionID  string
	// Dropped is set when the event was audited but not answered.
	Dropped  bool
	Reason   string
	Delivery gateway.DeliveryOutcome
}

// Resolver picks the flow for a fresh event.
type Resolver interface {
	Resolve(ctx context.Context, channel models.Channel, phone, rawInput, locale string) (routing.Match, error)
}

// Store is the storage the pipeline needs.
type Store interface {
	store.FlowRepo
	store.SessionRepo
	store.DedupRepo
}

// Pipeline handles inbound events synchronously. It keeps no per-session state of its own;
// concurrent events for one (phone, channel) are serialized by the session version check.
type Pipeline struct {
	store         Store
	resolver      Resolver
	engine        *flow.Engine
	dispatcher    *gateway.Dispatcher
	metrics       *metrics.Metrics
	defaultLocale string
	notUnderstood string
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineMetrics records pipeline metrics.
func WithPipelineMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithDefaultLocale sets the locale used for events that carry none.
func WithDefaultLocale(locale string) PipelineOption {
	return func(p *Pipeline) {
		if locale != "" {
			p.defaultLocale = locale
		}
	}
}

// WithNotUnderstoodMessage overrides NotUnderstoodMessage.
func WithNotUnderstoodMessage(msg string) PipelineOption {
	return func(p *Pipeline) {
		if msg != "" {
			p.notUnderstood = msg
		}
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(st Store, resolver Resolver, engine *flow.Engine, dispatcher *gateway.Dispatcher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:         st,
		resolver:      resolver,
		engine:        engine,
		dispatcher:    dispatcher,
		defaultLocale: "en",
		notUnderstood: NotUnderstoodMessage,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one inbound event. Every event is either answered or audited as
// dropped; an error is returned only for events that cannot be audited.
func (p *Pipeline) Handle(ctx context.Context, ev models.InboundEvent) (Reply, error) {
	if !models.IsValidChannel(ev.Channel) {
		return Reply{}, fmt.Errorf("%w: %w %q", ErrInvalidEvent, models.ErrInvalidChannel, ev.Channel)
	}

	phone, err := models.CanonicalizePhone(ev.Phone)
	if err != nil {
		slog.Warn("Pipeline.Handle: dropping event with invalid phone", "phone", ev.Phone, "channel", ev.Channel, "error", err)
		p.dispatcher.RecordInbound(ctx, ev, models.MessageStatusDropped, err.Error())
		p.metrics.InboundEvent(string(ev.Channel), ReasonInvalidPhone)
		return Reply{Dropped: true, Reason: ReasonInvalidPhone}, nil
	}
	ev.Phone = phone
	ev.Body = strings.TrimSpace(ev.Body)
	if ev.Locale == "" {
		ev.Locale = p.defaultLocale
	}

	inboundID := p.dispatcher.RecordInbound(ctx, ev, models.MessageStatusReceived, "")

	if ev.MessageID != "" {
		fresh, err := p.store.RecordInbound(ctx, ev.MessageID, phone)
		if err != nil {
			slog.Warn("Pipeline.Handle: dedup check failed, processing anyway", "messageID", ev.MessageID, "error", err)
		} else if !fresh {
			return p.duplicate(ctx, ev, inboundID), nil
		}
	}

	reply := p.process(ctx, ev)

	if ev.MessageID != "" {
		if err := p.store.MarkProcessed(ctx, ev.MessageID); err != nil {
			slog.Warn("Pipeline.Handle: failed to mark message processed", "messageID", ev.MessageID, "error", err)
		}
	}
	p.metrics.InboundEvent(string(ev.Channel), "handled")
	return reply, nil
}

// duplicate answers a redelivered event. SMS duplicates are dropped; USSD duplicates get
// the live session's current node again so the aggregator still receives a response.
func (p *Pipeline) duplicate(ctx context.Context, ev models.InboundEvent, inboundID string) Reply {
	p.metrics.InboundEvent(string(ev.Channel), ReasonDuplicate)
	if ev.Channel == models.ChannelSMS {
		slog.Info("Pipeline.Handle: dropping duplicate message", "messageID", ev.MessageID, "phone", ev.Phone)
		p.dispatcher.MarkInbound(ctx, inboundID, models.MessageStatusDropped, ReasonDuplicate)
		return Reply{Dropped: true, Reason: ReasonDuplicate}
	}

	slog.Info("Pipeline.Handle: re-prompting duplicate USSD request", "messageID", ev.MessageID, "phone", ev.Phone)
	sess, err := p.store.GetLiveSession(ctx, ev.Phone, ev.Channel, p.engine.Now())
	if err != nil || sess == nil {
		return p.unavailable(ctx, ev, err)
	}
	return p.reprompt(ctx, ev, sess)
}

// process runs the session steps, retrying once after a lost create race or a version
// conflict.
func (p *Pipeline) process(ctx context.Context, ev models.InboundEvent) Reply {
	for attempt := 1; ; attempt++ {
		sess, err := p.liveSession(ctx, ev)
		if err != nil {
			return p.unavailable(ctx, ev, err)
		}

		if sess != nil {
			if ev.MessageID != "" && sess.LastMessageID == ev.MessageID {
				slog.Info("Pipeline.process: stale event already applied, re-prompting", "messageID", ev.MessageID, "sessionID", sess.ID)
				return p.reprompt(ctx, ev, sess)
			}
			res, resumed, err := p.resume(ctx, ev, sess)
			if err != nil {
				return p.unavailable(ctx, ev, err)
			}
			if resumed {
				res.Session.LastMessageID = ev.MessageID
				err := p.persist(ctx, res)
				if errors.Is(err, store.ErrVersionConflict) {
					p.metrics.SessionConflict()
					if attempt == 1 {
						slog.Debug("Pipeline.process: version conflict, retrying", "sessionID", sess.ID)
						continue
					}
					return p.repromptLatest(ctx, ev)
				}
				if err != nil {
					return p.unavailable(ctx, ev, err)
				}
				return p.deliverStep(ctx, ev, res, sess)
			}
		}

		res, matched, err := p.start(ctx, ev)
		if err != nil {
			if errors.Is(err, store.ErrSessionExists) && attempt == 1 {
				slog.Debug("Pipeline.process: lost session create race, resuming", "phone", ev.Phone, "channel", ev.Channel)
				continue
			}
			return p.unavailable(ctx, ev, err)
		}
		if !matched {
			return p.notUnderstoodReply(ctx, ev)
		}
		return p.deliverStep(ctx, ev, res, nil)
	}
}

// liveSession loads the live session of the event's (phone, channel). A USSD session
// left over from an earlier dial is closed so the new dial routes afresh.
func (p *Pipeline) liveSession(ctx context.Context, ev models.InboundEvent) (*models.FlowSession, error) {
	sess, err := p.store.GetLiveSession(ctx, ev.Phone, ev.Channel, p.engine.Now())
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || ev.Channel != models.ChannelUSSD || sess.ProviderSessionID == ev.SessionID {
		return sess, nil
	}
	slog.Debug("Pipeline.liveSession: closing session of an earlier USSD dial", "sessionID", sess.ID, "old", sess.ProviderSessionID, "new", ev.SessionID)
	if err := p.store.DeleteSession(ctx, *sess); err != nil && !errors.Is(err, store.ErrVersionConflict) {
		return nil, fmt.Errorf("close previous ussd session: %w", err)
	}
	return nil, nil
}

// resume steps the session with the event input. resumed is false when the session
// expired in the meantime; it is then removed and the caller routes afresh.
func (p *Pipeline) resume(ctx context.Context, ev models.InboundEvent, sess *models.FlowSession) (flow.Result, bool, error) {
	f, err := p.store.GetFlow(ctx, sess.FlowID)
	if err != nil {
		return flow.Result{}, false, fmt.Errorf("load flow %s: %w", sess.FlowID, err)
	}
	res, err := p.engine.Step(ctx, f, sess, ev.Body)
	if errors.Is(err, flow.ErrSessionExpired) {
		slog.Debug("Pipeline.resume: session expired, routing afresh", "sessionID", sess.ID)
		if err := p.store.DeleteSession(ctx, *sess); err != nil && !errors.Is(err, store.ErrVersionConflict) {
			return flow.Result{}, false, fmt.Errorf("expire session: %w", err)
		}
		return flow.Result{}, false, nil
	}
	if err != nil {
		return flow.Result{}, false, err
	}
	return res, true, nil
}

// start resolves the event and creates the session. matched is false on ErrNoMatch.
func (p *Pipeline) start(ctx context.Context, ev models.InboundEvent) (flow.Result, bool, error) {
	m, err := p.resolver.Resolve(ctx, ev.Channel, ev.Phone, ev.RoutingInput(), ev.Locale)
	if errors.Is(err, routing.ErrNoMatch) {
		slog.Info("Pipeline.start: no flow matched", "phone", ev.Phone, "channel", ev.Channel)
		return flow.Result{}, false, nil
	}
	if err != nil {
		return flow.Result{}, false, fmt.Errorf("resolve: %w", err)
	}

	sess := &models.FlowSession{
		ID:                uuid.NewString(),
		Phone:             ev.Phone,
		Channel:           ev.Channel,
		Locale:            ev.Locale,
		ProviderSessionID: ev.SessionID,
	}
	res, err := p.engine.Start(ctx, m.Flow, m.EntryNodeID, sess)
	if err != nil {
		return flow.Result{}, false, err
	}
	res.Session.LastMessageID = ev.MessageID
	if res.Ended {
		return res, true, nil
	}
	if err := p.store.CreateSession(ctx, res.Session); err != nil {
		return flow.Result{}, false, err
	}
	slog.Debug("Pipeline.start: session created", "sessionID", res.Session.ID, "flowID", m.Flow.ID, "via", m.Via)
	return res, true, nil
}

func (p *Pipeline) persist(ctx context.Context, res flow.Result) error {
	if res.Ended {
		return p.store.DeleteSession(ctx, *res.Session)
	}
	return p.store.UpdateSession(ctx, res.Session)
}

// deliverStep sends the reply of a persisted step. When the provider did not take the reply
// the step is undone so that the session waits at the node the user last saw. prev is the
// session before the step, nil for a fresh start.
func (p *Pipeline) deliverStep(ctx context.Context, ev models.InboundEvent, res flow.Result, prev *models.FlowSession) Reply {
	reply := p.deliver(ctx, ev, res)
	if reply.Delivery.Status != models.MessageStatusFailed || reply.Delivery.Suppressed {
		return reply
	}
	if err := p.rollback(ctx, res, prev); err != nil {
		slog.Error("Pipeline.deliverStep: failed to restore session after undelivered reply", "phone", ev.Phone, "channel", ev.Channel, "error", err)
		return reply
	}
	node := ""
	if prev != nil {
		node = prev.CurrentNodeID
	}
	slog.Warn("Pipeline.deliverStep: reply not delivered, session restored", "phone", ev.Phone, "channel", ev.Channel, "nodeID", node, "error", reply.Delivery.Error)
	return reply
}

// rollback restores prev after res was persisted.
func (p *Pipeline) rollback(ctx context.Context, res flow.Result, prev *models.FlowSession) error {
	switch {
	case prev == nil && res.Ended:
		return nil
	case prev == nil:
		return p.store.DeleteSession(ctx, *res.Session)
	case res.Ended:
		return p.store.CreateSession(ctx, prev.Clone())
	default:
		restored := prev.Clone()
		restored.Version = res.Session.Version
		return p.store.UpdateSession(ctx, restored)
	}
}

// notUnderstoodReply answers an event no flow matched. No engine ran, so a USSD session is
// left open; the next request routes afresh.
func (p *Pipeline) notUnderstoodReply(ctx context.Context, ev models.InboundEvent) Reply {
	p.metrics.EngineOutcome(string(OutcomeNotUnderstood))
	return p.send(ctx, ev, p.notUnderstood, false, "", "", OutcomeNotUnderstood)
}

// reprompt answers with the session's current node without changing the session.
func (p *Pipeline) reprompt(ctx context.Context, ev models.InboundEvent, sess *models.FlowSession) Reply {
	f, err := p.store.GetFlow(ctx, sess.FlowID)
	if err != nil {
		return p.unavailable(ctx, ev, err)
	}
	return p.deliver(ctx, ev, p.engine.Reprompt(f, sess))
}

// repromptLatest fails closed after a second version conflict.
func (p *Pipeline) repromptLatest(ctx context.Context, ev models.InboundEvent) Reply {
	slog.Warn("Pipeline.process: repeated version conflict, re-prompting", "phone", ev.Phone, "channel", ev.Channel)
	sess, err := p.store.GetLiveSession(ctx, ev.Phone, ev.Channel, p.engine.Now())
	if err != nil || sess == nil {
		return p.unavailable(ctx, ev, err)
	}
	return p.reprompt(ctx, ev, sess)
}

// unavailable answers a storage or structural failure.
func (p *Pipeline) unavailable(ctx context.Context, ev models.InboundEvent, cause error) Reply {
	if cause != nil {
		slog.Error("Pipeline: failed to process event", "phone", ev.Phone, "channel", ev.Channel, "error", cause)
	}
	p.metrics.EngineOutcome(string(flow.OutcomeUnavailable))
	reply := p.send(ctx, ev, flow.UnavailableMessage, true, "", "", "")
	reply.Outcome = flow.OutcomeUnavailable
	return reply
}

func (p *Pipeline) deliver(ctx context.Context, ev models.InboundEvent, res flow.Result) Reply {
	p.metrics.EngineOutcome(string(res.Outcome))
	var flowID, sessionID string
	if res.Session != nil {
		flowID, sessionID = res.Session.FlowID, res.Session.ID
	}
	return p.send(ctx, ev, res.Reply, res.Ended, flowID, sessionID, res.Outcome)
}

func (p *Pipeline) send(ctx context.Context, ev models.InboundEvent, text string, end bool, flowID, sessionID string, outcome flow.Outcome) Reply {
	out := p.dispatcher.Send(ctx, gateway.SendRequest{
		Channel:           ev.Channel,
		To:                ev.Phone,
		Body:              text,
		ProviderSessionID: ev.SessionID,
		EndSession:        end,
		FlowID:            flowID,
		SessionID:         sessionID,
	})
	return Reply{
		Text:       text,
		Body:       out.Body,
		EndSession: end,
		Outcome:    outcome,
		FlowID:     flowID,
		SessionID:  sessionID,
		Delivery:   out,
	}
}
