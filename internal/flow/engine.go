// Package flow executes flow graphs: given a session and an input it computes the next
// session state and the reply text.
//
// The engine never persists anything itself. Callers write the returned session with the
// store's compare-and-swap and dispatch the returned reply.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Error sentinels reported by the engine.
var (
	// ErrNoSuchNode means the session or a transition references a node the flow lacks.
	ErrNoSuchNode = errors.New("flow node does not exist")
	// ErrInvalidInput means the input did not satisfy the current node; the engine re-prompts.
	ErrInvalidInput = errors.New("invalid input for node")
	// ErrSessionExpired is returned by Step for a session past its ExpiresAt.
	ErrSessionExpired = errors.New("session expired")
	// ErrTerminalReached marks the normal end of a flow.
	ErrTerminalReached = errors.New("terminal node reached")
	// ErrStepLimit means auto-advance exceeded MaxAutoSteps, i.e. a prompt/action cycle.
	ErrStepLimit = errors.New("auto-advance step limit exceeded")
	// ErrFlowUnavailable means the session's flow is missing or inactive.
	ErrFlowUnavailable = errors.New("flow missing or inactive")
)

// Engine defaults and fixed texts.
const (
	// DefaultMaxAutoSteps bounds how many prompt and action nodes are traversed per call.
	DefaultMaxAutoSteps = 32
	// InvalidChoicePrefix is prepended when re-prompting after invalid input.
	InvalidChoicePrefix = "Invalid choice, please try again."
	// UnavailableMessage is the terminal reply for structural errors.
	UnavailableMessage = "Sorry, this service is temporarily unavailable. Please try again later."
	// replySeparator joins the texts of consecutively evaluated nodes.
	replySeparator = "\n"
)

// Outcome classifies an engine result.
type Outcome string

const (
	OutcomeStarted     Outcome = "started"
	OutcomeAdvanced    Outcome = "advanced"
	OutcomeReprompted  Outcome = "reprompted"
	OutcomeTerminal    Outcome = "terminal"
	OutcomeUnavailable Outcome = "unavailable"
)

// Result is the outcome of Start or Step.
type Result struct {
	Outcome Outcome
	Reply   string
	// Ended is true when the session must be closed after the reply is sent.
	Ended bool
	// Session is the next session state. It never aliases the session passed in.
	Session *models.FlowSession
	// Cause carries the sentinel behind a reprompt, terminal or unavailable outcome.
	Cause error
}

// Engine evaluates flows. It is safe for concurrent use.
type Engine struct {
	actions      *ActionRegistry
	now          func() time.Time
	maxAutoSteps int
	ttl          map[models.Channel]time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithActions sets the action registry used by action nodes.
func WithActions(r *ActionRegistry) Option {
	return func(e *Engine) { e.actions = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMaxAutoSteps overrides DefaultMaxAutoSteps.
func WithMaxAutoSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAutoSteps = n
		}
	}
}

// WithSessionTTL sets the session lifetime for a channel. Flows may override it.
func WithSessionTTL(channel models.Channel, ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl[channel] = ttl
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		actions:      NewActionRegistry(),
		now:          time.Now,
		maxAutoSteps: DefaultMaxAutoSteps,
		ttl: map[models.Channel]time.Duration{
			models.ChannelSMS:  models.DefaultSMSSessionTTL,
			models.ChannelUSSD: models.DefaultUSSDSessionTTL,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// SessionTTL returns the lifetime of a session of flow f.
func (e *Engine) SessionTTL(f *models.Flow) time.Duration {
	return f.SessionTTL(e.ttl[f.Channel])
}

// Start binds session to flow at entryNodeID (the flow default when empty) and evaluates
// forward to the first node that awaits input or ends the flow.
func (e *Engine) Start(ctx context.Context, f *models.Flow, entryNodeID string, session *models.FlowSession) (Result, error) {
	if f == nil {
		return Result{}, fmt.Errorf("%w: nil flow", ErrFlowUnavailable)
	}
	sess := session.Clone()
	if entryNodeID == "" {
		entryNodeID = f.DefaultEntryNodeID
	}
	sess.FlowID = f.ID
	sess.FlowVersion = f.Version
	sess.CurrentNodeID = entryNodeID
	sess.State = make(map[string]string)
	sess.InvalidAttempts = 0
	sess.ExpiresAt = e.now().Add(e.SessionTTL(f))
	if sess.Locale == "" {
		sess.Locale = f.Locale
	}

	if !f.Active {
		return e.unavailable(sess, ErrFlowUnavailable), nil
	}
	slog.Debug("Engine.Start: starting flow", "flowID", f.ID, "entry", entryNodeID, "phone", sess.Phone)
	res := e.advance(ctx, f, sess, entryNodeID, nil)
	if res.Outcome == OutcomeAdvanced {
		res.Outcome = OutcomeStarted
	}
	return res, nil
}

// Step applies one user input to the session's current node.
func (e *Engine) Step(ctx context.Context, f *models.Flow, session *models.FlowSession, input string) (Result, error) {
	now := e.now()
	if !session.IsLive(now) {
		return Result{}, ErrSessionExpired
	}
	sess := session.Clone()
	if f == nil || !f.Active {
		return e.unavailable(sess, ErrFlowUnavailable), nil
	}
	sess.ExpiresAt = now.Add(e.SessionTTL(f))

	node := f.Node(sess.CurrentNodeID)
	if node == nil {
		return e.unavailable(sess, fmt.Errorf("%w: %q in flow %s", ErrNoSuchNode, sess.CurrentNodeID, f.ID)), nil
	}
	input = strings.TrimSpace(input)

	switch n := node.(type) {
	case *models.MenuNode:
		opt, ok := matchOption(n, input)
		if !ok {
			return e.invalid(ctx, f, sess, n.ID, n.Else, n.MaxInvalid), nil
		}
		sess.State[n.ID] = opt.Key
		sess.InvalidAttempts = 0
		return e.advance(ctx, f, sess, opt.Next, nil), nil

	case *models.InputNode:
		value, next, ok := evaluateInput(n, input)
		if !ok {
			return e.invalid(ctx, f, sess, n.ID, n.Else, n.MaxInvalid), nil
		}
		sess.State[n.ID] = value
		sess.InvalidAttempts = 0
		return e.advance(ctx, f, sess, next, nil), nil

	case *models.TerminalNode:
		return e.terminal(sess, []string{e.render(n.Text, sess)}), nil

	default:
		// A prompt or action node as the current node only happens after a flow edit; it
		// consumes no input.
		return e.advance(ctx, f, sess, n.NodeID(), nil), nil
	}
}

// Reprompt renders the session's current node again without changing the session, for
// duplicate or stale deliveries.
func (e *Engine) Reprompt(f *models.Flow, session *models.FlowSession) Result {
	sess := session.Clone()
	if f == nil || !f.Active {
		return e.unavailable(sess, ErrFlowUnavailable)
	}
	node := f.Node(sess.CurrentNodeID)
	if node == nil {
		return e.unavailable(sess, fmt.Errorf("%w: %q in flow %s", ErrNoSuchNode, sess.CurrentNodeID, f.ID))
	}
	if t, ok := node.(*models.TerminalNode); ok {
		return e.terminal(sess, []string{e.render(t.Text, sess)})
	}
	return Result{Outcome: OutcomeReprompted, Reply: e.nodeText(node, sess), Session: sess}
}

// invalid handles input that failed validation on a menu or input node.
func (e *Engine) invalid(ctx context.Context, f *models.Flow, sess *models.FlowSession, nodeID, elseID string, maxInvalid int) Result {
	if maxInvalid <= 0 {
		maxInvalid = models.DefaultMaxInvalid
	}
	sess.InvalidAttempts++
	if sess.InvalidAttempts >= maxInvalid {
		slog.Debug("Engine.Step: invalid input limit reached, following else", "flowID", f.ID, "nodeID", nodeID, "attempts", sess.InvalidAttempts)
		sess.InvalidAttempts = 0
		return e.advance(ctx, f, sess, elseID, nil)
	}
	node := f.Node(nodeID)
	reply := InvalidChoicePrefix + replySeparator + e.nodeText(node, sess)
	return Result{Outcome: OutcomeReprompted, Reply: reply, Session: sess, Cause: ErrInvalidInput}
}

// advance evaluates from nodeID until a node awaits input or the flow ends. texts holds
// output already produced in this call.
func (e *Engine) advance(ctx context.Context, f *models.Flow, sess *models.FlowSession, nodeID string, texts []string) Result {
	for step := 0; step < e.maxAutoSteps; step++ {
		node := f.Node(nodeID)
		if node == nil {
			return e.unavailable(sess, fmt.Errorf("%w: %q in flow %s", ErrNoSuchNode, nodeID, f.ID))
		}
		sess.CurrentNodeID = nodeID

		switch n := node.(type) {
		case *models.PromptNode:
			texts = appendText(texts, e.render(n.Text, sess))
			nodeID = n.Next

		case *models.ActionNode:
			out, err := e.runAction(ctx, f, sess, n)
			if err != nil {
				slog.Warn("Engine.advance: action failed, following on_error", "flowID", f.ID, "nodeID", n.ID, "action", n.Action, "error", err)
				nodeID = n.OnError
				continue
			}
			for k, v := range out.State {
				sess.State[k] = v
			}
			if out.Locale != "" {
				sess.Locale = out.Locale
			}
			texts = appendText(texts, e.render(out.Reply, sess))
			nodeID = n.Next

		case *models.MenuNode, *models.InputNode:
			texts = appendText(texts, e.nodeText(node, sess))
			return Result{Outcome: OutcomeAdvanced, Reply: strings.Join(texts, replySeparator), Session: sess}

		case *models.TerminalNode:
			return e.terminal(sess, appendText(texts, e.render(n.Text, sess)))

		default:
			return e.unavailable(sess, fmt.Errorf("%w: unsupported node type %T", ErrNoSuchNode, node))
		}
	}
	slog.Error("Engine.advance: step limit exceeded", "flowID", f.ID, "nodeID", nodeID, "limit", e.maxAutoSteps)
	return e.unavailable(sess, fmt.Errorf("%w: flow %s near node %q", ErrStepLimit, f.ID, nodeID))
}

func (e *Engine) runAction(ctx context.Context, f *models.Flow, sess *models.FlowSession, n *models.ActionNode) (ActionResult, error) {
	handler, ok := e.actions.Get(n.Action)
	if !ok {
		return ActionResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, n.Action)
	}
	return handler.Run(ctx, ActionRequest{Flow: f, Session: sess.Clone(), NodeID: n.ID, Params: n.Params})
}

func (e *Engine) terminal(sess *models.FlowSession, texts []string) Result {
	return Result{
		Outcome: OutcomeTerminal,
		Reply:   strings.Join(texts, replySeparator),
		Ended:   true,
		Session: sess,
		Cause:   ErrTerminalReached,
	}
}

func (e *Engine) unavailable(sess *models.FlowSession, cause error) Result {
	slog.Error("Engine: flow unavailable", "flowID", sess.FlowID, "nodeID", sess.CurrentNodeID, "phone", sess.Phone, "error", cause)
	return Result{
		Outcome: OutcomeUnavailable,
		Reply:   UnavailableMessage,
		Ended:   true,
		Session: sess,
		Cause:   cause,
	}
}

func appendText(texts []string, s string) []string {
	if s == "" {
		return texts
	}
	return append(texts, s)
}
