package flow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/routing"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBundleYAML = `
flows:
  - id: HELP_SMS
    name: Help
    channel: sms
    locale: en
    version: "1"
    active: true
    default_entry_node_id: N1
    nodes:
      - id: N1
        type: menu
        text: How can we help?
        options:
          - {key: "1", label: Fees, next: N2}
          - {key: "2", label: Exams, next: N3}
        else: N1
      - id: N2
        type: terminal
        text: Fees are due on the 5th.
      - id: N3
        type: input
        text: Enter your index number
        format: regex
        pattern: '^\d{6}$'
        else: N4
      - id: N4
        type: terminal
        text: Results for {{.N3}} will be sent shortly.
  - id: MENU_USSD
    channel: ussd
    active: true
    default_entry_node_id: M1
    session_ttl_seconds: 90
    nodes:
      - {id: M1, type: terminal, text: Bye}
keywords:
  - {keyword: help, locale: en, active: true, flow_id: HELP_SMS}
rules:
  - {channel: ussd, matcher_type: ussd_code, matcher_value: "*123#", flow_id: MENU_USSD, priority: 10, active: true}
  - {channel: sms, matcher_type: default, flow_id: HELP_SMS, priority: 100, active: true}
`

func TestParseBundleYAML(t *testing.T) {
	b, err := ParseBundle([]byte(testBundleYAML), "yaml")
	require.NoError(t, err)
	require.Len(t, b.Flows, 2)

	help := b.Flows[0]
	assert.Equal(t, "HELP_SMS", help.ID)
	assert.Equal(t, models.ChannelSMS, help.Channel)
	require.Len(t, help.Nodes, 4)
	menu, ok := help.Node("N1").(*models.MenuNode)
	require.True(t, ok)
	assert.Equal(t, "Fees", menu.Options[0].Label)
	input, ok := help.Node("N3").(*models.InputNode)
	require.True(t, ok)
	assert.Equal(t, models.InputFormatRegex, input.Format)
	assert.Equal(t, `^\d{6}$`, input.Pattern)
	assert.Equal(t, 90, b.Flows[1].SessionTTLSeconds)

	require.Len(t, b.Keywords, 1)
	require.Len(t, b.Rules, 2)
	assert.Equal(t, models.MatcherUSSDCode, b.Rules[0].MatcherType)
	assert.NoError(t, b.Validate(nil))
}

func TestBundleValidateRejectsUnknownFlow(t *testing.T) {
	b, err := ParseBundle([]byte(testBundleYAML), "yaml")
	require.NoError(t, err)
	b.Rules[0].FlowID = "MISSING"
	assert.ErrorIs(t, b.Validate(nil), models.ErrInvalidRoutingRule)

	assert.NoError(t, b.Validate(map[string]bool{"MISSING": true}))
}

func TestBundleValidateRejectsBrokenFlow(t *testing.T) {
	b, err := ParseBundle([]byte(testBundleYAML), "yaml")
	require.NoError(t, err)
	b.Flows[0].Node("N1").(*models.MenuNode).Else = "NOWHERE"
	assert.ErrorIs(t, b.Validate(nil), models.ErrInvalidFlow)
}

func TestBundleApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	b, err := ParseBundle([]byte(testBundleYAML), "yaml")
	require.NoError(t, err)

	require.NoError(t, b.Apply(ctx, st))
	require.NoError(t, b.Apply(ctx, st))

	flows, err := st.ListFlows(ctx)
	require.NoError(t, err)
	assert.Len(t, flows, 2)
	rules, err := st.ListRoutingRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	f, err := st.GetFlow(ctx, "HELP_SMS")
	require.NoError(t, err)
	assert.NotEmpty(t, f.Edges, "edges are derived on apply")

	r := routing.NewResolver(st, "en")
	m, err := r.Resolve(ctx, models.ChannelSMS, "+254700000001", "HELP", "en")
	require.NoError(t, err)
	assert.Equal(t, "HELP_SMS", m.Flow.ID)
	assert.Equal(t, routing.ViaKeyword, m.Via)

	m, err = r.Resolve(ctx, models.ChannelUSSD, "+254700000001", "*123*1#", "en")
	require.NoError(t, err)
	assert.Equal(t, "MENU_USSD", m.Flow.ID)
}

func TestBundleApplyRejectsSecondDefault(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	b, err := ParseBundle([]byte(testBundleYAML), "yaml")
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, st))

	extra := &Bundle{Rules: []models.RoutingRule{{
		Channel: models.ChannelSMS, MatcherType: models.MatcherDefault, FlowID: "HELP_SMS", EntryNodeID: "N3", Priority: 100, Active: true,
	}}}
	assert.ErrorIs(t, extra.Apply(ctx, st), routing.ErrAmbiguousDefault)
}

func TestLoadBundleFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.json")
	data := `{"flows":[{"id":"T","channel":"sms","active":true,"default_entry_node_id":"E",
		"nodes":[{"id":"E","type":"terminal","text":"done"}]}]}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	b, err := LoadBundleFile(path)
	require.NoError(t, err)
	require.Len(t, b.Flows, 1)
	assert.IsType(t, &models.TerminalNode{}, b.Flows[0].Node("E"))

	_, err = LoadBundleFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBundleFlowRunsThroughEngine(t *testing.T) {
	b, err := ParseBundle([]byte(testBundleYAML), "yaml")
	require.NoError(t, err)
	f := &b.Flows[0]
	e, _ := newTestEngine(t)

	res := start(t, e, f)
	assert.Equal(t, "How can we help?\n1. Fees\n2. Exams", res.Reply)
	res = step(t, e, f, res.Session, "exams")
	res = step(t, e, f, res.Session, "12345")
	assert.Equal(t, OutcomeReprompted, res.Outcome)
	res = step(t, e, f, res.Session, "123456")
	assert.Equal(t, "Results for 123456 will be sent shortly.", res.Reply)
	assert.True(t, res.Ended)
}
