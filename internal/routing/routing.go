// Package routing decides which flow an inbound message without a live session should start.
//
// SMS keywords are consulted first, then the channel's routing rules in priority order.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

var (
	// ErrNoMatch is returned when neither a keyword nor a routing rule matches the input.
	ErrNoMatch = errors.New("no keyword or routing rule matched")
	// ErrAmbiguousDefault reports a channel with more than one active default rule.
	ErrAmbiguousDefault = errors.New("more than one active default rule")
)

// Via records how a match was found.
type Via string

const (
	ViaKeyword Via = "keyword"
	ViaRule    Via = "rule"
)

// Match is a resolved flow binding.
type Match struct {
	Flow        *models.Flow
	EntryNodeID string
	Via         Via
	// RuleID is set when Via is ViaRule.
	RuleID int64
}

// Repo is the storage the resolver reads.
type Repo interface {
	store.FlowRepo
	store.RoutingRepo
}

// Resolver maps inbound input to a flow.
type Resolver struct {
	repo          Repo
	defaultLocale string

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewResolver creates a Resolver. defaultLocale is the keyword locale tried when the inbound
// locale has no binding.
func NewResolver(repo Repo, defaultLocale string) *Resolver {
	return &Resolver{
		repo:          repo,
		defaultLocale: defaultLocale,
		patterns:      make(map[string]*regexp.Regexp),
	}
}

// Resolve returns the flow and entry node the input should start. It returns ErrNoMatch
// when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, channel models.Channel, phone, rawInput, locale string) (Match, error) {
	input := strings.TrimSpace(rawInput)

	if channel == models.ChannelSMS && input != "" && !strings.ContainsAny(input, " \t\n") {
		m, ok, err := r.matchKeyword(ctx, input, locale)
		if err != nil {
			return Match{}, err
		}
		if ok {
			slog.Debug("Resolver.Resolve: keyword matched", "phone", phone, "keyword", input, "flowID", m.Flow.ID)
			return m, nil
		}
	}

	rules, err := r.repo.ListActiveRoutingRules(ctx, channel)
	if err != nil {
		return Match{}, fmt.Errorf("list routing rules: %w", err)
	}
	// Priority ascending, then rule id.
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	for _, rule := range rules {
		ok, err := r.matchRule(rule, input)
		if err != nil {
			slog.Warn("Resolver.Resolve: skipping rule with invalid matcher", "ruleID", rule.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		flow, err := r.activeFlow(ctx, rule.FlowID)
		if err != nil {
			return Match{}, err
		}
		if flow == nil {
			slog.Warn("Resolver.Resolve: rule points at missing or inactive flow", "ruleID", rule.ID, "flowID", rule.FlowID)
			continue
		}
		entry := flow.DefaultEntryNodeID
		if rule.EntryNodeID != "" {
			entry = rule.EntryNodeID
		}
		slog.Debug("Resolver.Resolve: rule matched", "phone", phone, "ruleID", rule.ID, "flowID", flow.ID, "entry", entry)
		return Match{Flow: flow, EntryNodeID: entry, Via: ViaRule, RuleID: rule.ID}, nil
	}

	slog.Debug("Resolver.Resolve: no match", "phone", phone, "channel", channel, "input", input)
	return Match{}, ErrNoMatch
}

func (r *Resolver) matchKeyword(ctx context.Context, input, locale string) (Match, bool, error) {
	locales := []string{locale}
	if r.defaultLocale != "" && r.defaultLocale != locale {
		locales = append(locales, r.defaultLocale)
	}
	for _, loc := range locales {
		if loc == "" {
			continue
		}
		kw, err := r.repo.FindActiveKeyword(ctx, input, loc)
		if err != nil {
			return Match{}, false, fmt.Errorf("find keyword: %w", err)
		}
		if kw == nil || kw.FlowID == "" {
			continue
		}
		flow, err := r.activeFlow(ctx, kw.FlowID)
		if err != nil {
			return Match{}, false, err
		}
		if flow == nil {
			slog.Warn("Resolver.matchKeyword: keyword points at missing or inactive flow", "keyword", kw.Keyword, "flowID", kw.FlowID)
			continue
		}
		return Match{Flow: flow, EntryNodeID: flow.DefaultEntryNodeID, Via: ViaKeyword}, true, nil
	}
	return Match{}, false, nil
}

func (r *Resolver) activeFlow(ctx context.Context, id string) (*models.Flow, error) {
	flow, err := r.repo.GetFlow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", id, err)
	}
	if flow == nil || !flow.Active {
		return nil, nil
	}
	return flow, nil
}

func (r *Resolver) matchRule(rule models.RoutingRule, input string) (bool, error) {
	switch rule.MatcherType {
	case models.MatcherExact:
		return strings.EqualFold(input, strings.TrimSpace(rule.MatcherValue)), nil
	case models.MatcherRegex:
		re, err := r.compile(rule.MatcherValue)
		if err != nil {
			return false, err
		}
		return re.MatchString(input), nil
	case models.MatcherUSSDCode:
		return MatchUSSDCode(rule.MatcherValue, input), nil
	case models.MatcherDefault:
		return true, nil
	default:
		return false, fmt.Errorf("unknown matcher type %q", rule.MatcherType)
	}
}

func (r *Resolver) compile(pattern string) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.patterns[pattern] = re
	return re, nil
}

// NormalizeUSSDCode removes whitespace and ensures a trailing "#".
func NormalizeUSSDCode(code string) string {
	code = strings.Join(strings.Fields(code), "")
	if code != "" && !strings.HasSuffix(code, "#") {
		code += "#"
	}
	return code
}

// MatchUSSDCode reports whether dialed equals code or extends it with further "*" segments,
// so "*384*1*2#" matches "*384*1#".
func MatchUSSDCode(code, dialed string) bool {
	code = NormalizeUSSDCode(code)
	dialed = NormalizeUSSDCode(dialed)
	if code == "" || dialed == "" {
		return false
	}
	if dialed == code {
		return true
	}
	return strings.HasPrefix(strings.TrimSuffix(dialed, "#"), strings.TrimSuffix(code, "#")+"*")
}

// CheckRuleSet reports channels that carry more than one active default rule.
func CheckRuleSet(rules []models.RoutingRule) error {
	defaults := make(map[models.Channel]int)
	for _, r := range rules {
		if r.Active && r.MatcherType == models.MatcherDefault {
			defaults[r.Channel]++
		}
	}
	var bad []string
	for ch, n := range defaults {
		if n > 1 {
			bad = append(bad, fmt.Sprintf("%s (%d)", ch, n))
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("%w: %s", ErrAmbiguousDefault, strings.Join(bad, ", "))
}
