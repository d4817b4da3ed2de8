package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

const languageFlowJSON = `{
	"id": "F1",
	"name": "Language picker",
	"channel": "sms",
	"default_entry_node_id": "N1",
	"active": true,
	"nodes": [
		{"id": "N1", "type": "menu", "text": "Choose a language",
		 "options": [{"key": "1", "label": "English", "next": "N2"}, {"key": "2", "label": "Français", "next": "N3"}],
		 "else": "N1"},
		{"id": "N2", "type": "input", "text": "What is your grade?", "format": "number",
		 "routes": [{"min": 1, "max": 6, "next": "N4"}], "else": "N4"},
		{"id": "N3", "type": "terminal", "text": "Merci"},
		{"id": "N4", "type": "terminal", "text": "Thanks"}
	]
}`

func decodeFlow(t *testing.T, raw string) Flow {
	t.Helper()
	var f Flow
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("failed to decode flow: %v", err)
	}
	return f
}

func TestFlowDecodeTypedNodes(t *testing.T) {
	f := decodeFlow(t, languageFlowJSON)

	menu, ok := f.Node("N1").(*MenuNode)
	if !ok {
		t.Fatalf("expected N1 to decode as *MenuNode, got %T", f.Node("N1"))
	}
	if len(menu.Options) != 2 || menu.Options[1].Next != "N3" {
		t.Errorf("unexpected menu options: %+v", menu.Options)
	}
	input, ok := f.Node("N2").(*InputNode)
	if !ok {
		t.Fatalf("expected N2 to decode as *InputNode, got %T", f.Node("N2"))
	}
	if input.Format != InputFormatNumber || *input.Routes[0].Max != 6 {
		t.Errorf("unexpected input node: %+v", input)
	}
	if f.Node("missing") != nil {
		t.Error("expected nil for unknown node id")
	}
	if err := f.Validate(); err != nil {
		t.Errorf("expected valid flow, got %v", err)
	}
}

func TestFlowDecodeUnknownNodeType(t *testing.T) {
	var f Flow
	err := json.Unmarshal([]byte(`{"id":"x","nodes":[{"id":"a","type":"loop"}]}`), &f)
	if !errors.Is(err, ErrInvalidFlow) {
		t.Fatalf("expected ErrInvalidFlow, got %v", err)
	}
}

func TestFlowEncodePreservesNodeOrder(t *testing.T) {
	f := decodeFlow(t, languageFlowJSON)
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)
	if strings.Index(s, `"id":"N1"`) > strings.Index(s, `"id":"N4"`) {
		t.Errorf("expected node order to be preserved, got %s", s)
	}
	if !strings.Contains(s, `"type":"menu"`) {
		t.Errorf("expected tagged node records, got %s", s)
	}
}

func TestFlowValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *Flow)
		wantErr string
	}{
		{"valid", func(f *Flow) {}, ""},
		{"missing id", func(f *Flow) { f.ID = "" }, "id is required"},
		{"bad channel", func(f *Flow) { f.Channel = "fax" }, "invalid channel"},
		{"missing entry", func(f *Flow) { f.DefaultEntryNodeID = "N9" }, "default entry"},
		{"dangling target", func(f *Flow) {
			f.Nodes.Get("N1").(*MenuNode).Options[0].Next = "gone"
		}, "unknown node \"gone\""},
		{"menu without else", func(f *Flow) {
			f.Nodes.Get("N1").(*MenuNode).Else = ""
		}, "else branch"},
		{"duplicate option", func(f *Flow) {
			m := f.Nodes.Get("N1").(*MenuNode)
			m.Options[1].Key = "1"
		}, "duplicate menu option"},
		{"duplicate node", func(f *Flow) {
			f.Nodes = append(f.Nodes, &TerminalNode{ID: "N3"})
		}, "duplicate node"},
		{"ambiguous route", func(f *Flow) {
			in := f.Nodes.Get("N2").(*InputNode)
			in.Routes[0].Equals = "3"
		}, "exactly one"},
		{"action without on_error", func(f *Flow) {
			f.Nodes = append(f.Nodes, &ActionNode{ID: "A", Action: "opt_in", Next: "N4"})
		}, "on_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := decodeFlow(t, languageFlowJSON)
			tt.mutate(&f)
			err := f.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidFlow) {
				t.Fatalf("expected ErrInvalidFlow, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestFlowDeriveEdges(t *testing.T) {
	f := decodeFlow(t, languageFlowJSON)
	f.DeriveEdges()
	// menu: 2 options + else, input: 1 route + else, terminals: none
	if len(f.Edges) != 5 {
		t.Fatalf("expected 5 edges, got %d: %+v", len(f.Edges), f.Edges)
	}
	if f.Edges[2] != (Edge{From: "N1", To: "N1", Label: "else"}) {
		t.Errorf("unexpected else edge: %+v", f.Edges[2])
	}
	if f.Edges[3].Label != "[1..6]" {
		t.Errorf("expected range label, got %q", f.Edges[3].Label)
	}
}

func TestFlowSessionTTL(t *testing.T) {
	f := Flow{}
	if got := f.SessionTTL(time.Minute); got != time.Minute {
		t.Errorf("expected fallback, got %v", got)
	}
	f.SessionTTLSeconds = 90
	if got := f.SessionTTL(time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
}

func TestRoutingRuleValidate(t *testing.T) {
	tests := []struct {
		name string
		rule RoutingRule
		ok   bool
	}{
		{"default without value", RoutingRule{Channel: ChannelSMS, MatcherType: MatcherDefault, FlowID: "F"}, true},
		{"exact needs value", RoutingRule{Channel: ChannelSMS, MatcherType: MatcherExact, FlowID: "F"}, false},
		{"bad regex", RoutingRule{Channel: ChannelSMS, MatcherType: MatcherRegex, MatcherValue: "(", FlowID: "F"}, false},
		{"ussd code", RoutingRule{Channel: ChannelUSSD, MatcherType: MatcherUSSDCode, MatcherValue: "*384*1#", FlowID: "F"}, true},
		{"missing flow", RoutingRule{Channel: ChannelSMS, MatcherType: MatcherDefault}, false},
		{"bad matcher", RoutingRule{Channel: ChannelSMS, MatcherType: "fuzzy", MatcherValue: "x", FlowID: "F"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRoutingRule) {
				t.Errorf("expected ErrInvalidRoutingRule, got %v", err)
			}
		})
	}
}

func TestSmsKeywordValidate(t *testing.T) {
	k := SmsKeyword{Keyword: " help ", Locale: "en"}
	if err := k.Validate(); err != nil {
		t.Errorf("expected valid keyword, got %v", err)
	}
	k.Keyword = "two words"
	if err := k.Validate(); !errors.Is(err, ErrInvalidKeyword) {
		t.Errorf("expected ErrInvalidKeyword, got %v", err)
	}
	if NormalizeKeyword(" help ") != "HELP" {
		t.Errorf("unexpected normalization %q", NormalizeKeyword(" help "))
	}
}

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"+254 712-345-678", "+254712345678", nil},
		{"00254712345678", "+254712345678", nil},
		{"tel:+14155550100", "+14155550100", nil},
		{"14155550100", "+14155550100", nil},
		{"", "", ErrEmptyPhone},
		{"abc", "", ErrInvalidPhone},
		{"+123", "", ErrInvalidPhone},
		{"+1234567890123456", "", ErrInvalidPhone},
	}
	for _, tt := range tests {
		got, err := CanonicalizePhone(tt.in)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CanonicalizePhone(%q): expected %v, got %v", tt.in, tt.wantErr, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CanonicalizePhone(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestFlowSessionCloneIsDeep(t *testing.T) {
	s := &FlowSession{State: map[string]string{"N1": "1"}, ExpiresAt: time.Now().Add(time.Minute)}
	c := s.Clone()
	c.State["N2"] = "x"
	if _, ok := s.State["N2"]; ok {
		t.Error("clone shares state map with original")
	}
	if !s.IsLive(time.Now()) || s.IsLive(time.Now().Add(2*time.Minute)) {
		t.Error("unexpected IsLive result")
	}
}

func TestInboundRoutingInput(t *testing.T) {
	e := InboundEvent{Channel: ChannelUSSD, USSDCode: "*384*1#"}
	if e.RoutingInput() != "*384*1#" {
		t.Errorf("expected dial code, got %q", e.RoutingInput())
	}
	e.Body = "2"
	if e.RoutingInput() != "2" {
		t.Errorf("expected body, got %q", e.RoutingInput())
	}
}
