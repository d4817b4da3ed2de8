package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/mitchellh/mapstructure"
)

// Built-in action names.
const (
	ActionOptIn        = "opt_in"
	ActionOptOut       = "opt_out"
	ActionVerifyNumber = "verify_number"
	ActionSetLocale    = "set_locale"
)

var (
	// ErrUnknownAction is returned for an action node naming an unregistered action.
	ErrUnknownAction = errors.New("unknown action")
	// ErrNumberNotVerified is returned by verify_number when the provider rejects the number.
	ErrNumberNotVerified = errors.New("number could not be verified")
)

// ActionRequest is the input of an action handler. Session is a copy; handlers report
// changes through ActionResult.
type ActionRequest struct {
	Flow    *models.Flow
	Session *models.FlowSession
	NodeID  string
	Params  map[string]string
}

// ActionResult is merged into the session after a successful action.
type ActionResult struct {
	// State entries are merged into the session answers.
	State map[string]string
	// Locale, when set, replaces the session locale.
	Locale string
	// Reply is appended to the outbound text.
	Reply string
}

// ActionHandler performs the side effect of an action node.
type ActionHandler interface {
	Run(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// ActionFunc adapts a function to ActionHandler.
type ActionFunc func(ctx context.Context, req ActionRequest) (ActionResult, error)

// Run calls f.
func (f ActionFunc) Run(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return f(ctx, req)
}

// ActionRegistry maps action names to handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionHandler)}
}

// Register associates an action name with a handler, replacing any previous one.
func (r *ActionRegistry) Register(name string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get retrieves the handler for an action name.
func (r *ActionRegistry) Get(name string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// NumberVerifier checks that a phone number is reachable. Gateway providers implement it.
type NumberVerifier interface {
	VerifyNumber(ctx context.Context, phone string) (bool, error)
}

// RegisterBuiltins registers opt_in, opt_out, verify_number and set_locale. verifier may
// be nil, in which case verify_number only checks the E.164 form.
func RegisterBuiltins(r *ActionRegistry, optIns store.OptInRepo, verifier NumberVerifier) {
	r.Register(ActionOptIn, consentAction(optIns, true))
	r.Register(ActionOptOut, consentAction(optIns, false))
	r.Register(ActionVerifyNumber, verifyNumberAction(verifier))
	r.Register(ActionSetLocale, ActionFunc(setLocale))
}

// actionParams is the decoded form of the params built-in actions understand.
type actionParams struct {
	Channel string `mapstructure:"channel"`
	From    string `mapstructure:"from"`
	Locale  string `mapstructure:"locale"`
	// Rest holds the remaining params, e.g. set_locale's map_<answer> entries.
	Rest map[string]string `mapstructure:",remain"`
}

func decodeParams(raw map[string]string) (actionParams, error) {
	var p actionParams
	if err := mapstructure.Decode(raw, &p); err != nil {
		return p, fmt.Errorf("decode action params: %w", err)
	}
	return p, nil
}

func consentAction(optIns store.OptInRepo, optedIn bool) ActionFunc {
	return func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		params, err := decodeParams(req.Params)
		if err != nil {
			return ActionResult{}, err
		}
		o := models.OptIn{
			Phone:   req.Session.Phone,
			Channel: req.Session.Channel,
			OptedIn: optedIn,
			Source:  "flow:" + req.Flow.ID,
			Locale:  req.Session.Locale,
		}
		if params.Channel != "" {
			o.Channel = models.Channel(params.Channel)
		}
		if err := optIns.SaveOptIn(ctx, o); err != nil {
			return ActionResult{}, fmt.Errorf("save consent: %w", err)
		}
		slog.Info("Action consent recorded", "phone", o.Phone, "channel", o.Channel, "optedIn", optedIn, "flowID", req.Flow.ID)
		return ActionResult{State: map[string]string{req.NodeID: fmt.Sprintf("%t", optedIn)}}, nil
	}
}

// verifyNumberAction checks the number stored under params["from"], or the session phone.
func verifyNumberAction(verifier NumberVerifier) ActionFunc {
	return func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		params, err := decodeParams(req.Params)
		if err != nil {
			return ActionResult{}, err
		}
		raw := req.Session.Phone
		if params.From != "" {
			raw = req.Session.State[params.From]
		}
		phone, err := models.CanonicalizePhone(raw)
		if err != nil {
			return ActionResult{}, fmt.Errorf("%w: %v", ErrNumberNotVerified, err)
		}
		if verifier != nil {
			ok, err := verifier.VerifyNumber(ctx, phone)
			if err != nil {
				return ActionResult{}, fmt.Errorf("verify %s: %w", phone, err)
			}
			if !ok {
				return ActionResult{}, fmt.Errorf("%w: %s", ErrNumberNotVerified, phone)
			}
		}
		return ActionResult{State: map[string]string{req.NodeID: phone}}, nil
	}
}

// setLocale sets the session locale from params["locale"], or from the answer stored
// under params["from"] mapped through params["map_<answer>"] when present.
func setLocale(ctx context.Context, req ActionRequest) (ActionResult, error) {
	params, err := decodeParams(req.Params)
	if err != nil {
		return ActionResult{}, err
	}
	locale := params.Locale
	if locale == "" && params.From != "" {
		answer := req.Session.State[params.From]
		locale = answer
		if mapped, ok := params.Rest["map_"+answer]; ok {
			locale = mapped
		}
	}
	if locale == "" {
		return ActionResult{}, errors.New("set_locale: no locale given")
	}
	return ActionResult{Locale: locale, State: map[string]string{req.NodeID: locale}}, nil
}
