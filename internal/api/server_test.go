package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/gateway"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/routing"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
)

const testPhone = "+254700000001"

const serverBundle = `
flows:
  - id: F1
    channel: sms
    active: true
    default_entry_node_id: N1
    nodes:
      - id: N1
        type: menu
        text: Welcome
        options:
          - {key: "1", label: Fees, next: N2}
          - {key: "2", label: Register, next: N3}
        else: N1
      - {id: N2, type: terminal, text: Fees are due on the 5th.}
      - {id: N3, type: input, text: "Your name?", else: N4}
      - {id: N4, type: terminal, text: "Thanks {{.N3}}"}
  - id: U1
    channel: ussd
    active: true
    default_entry_node_id: M1
    nodes:
      - id: M1
        type: menu
        text: Masomo
        options:
          - {key: "1", label: Exit, next: M2}
          - {key: "2", label: Results, next: M3}
        else: M1
      - {id: M2, type: terminal, text: Bye}
      - {id: M3, type: input, text: Enter index, else: M4}
      - {id: M4, type: terminal, text: "Got {{.M3}}"}
keywords:
  - {keyword: HELP, locale: en, active: true, flow_id: F1}
rules:
  - {channel: ussd, matcher_type: ussd_code, matcher_value: "*123#", flow_id: U1, priority: 10, active: true}
`

type testServer struct {
	server   *Server
	store    *store.InMemoryStore
	provider *gateway.MockProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	testutil.SeedBundle(t, st, serverBundle)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mock := gateway.NewMockProvider()
	actions := flow.NewActionRegistry()
	flow.RegisterBuiltins(actions, st, mock)
	engine := flow.NewEngine(flow.WithActions(actions))
	dispatcher := gateway.NewDispatcher(mock, st, gateway.WithOptIns(st), gateway.WithMetrics(m))
	pipeline := messaging.NewPipeline(st, routing.NewResolver(st, "en"), engine, dispatcher, messaging.WithPipelineMetrics(m))

	return &testServer{
		server:   NewServer(st, pipeline, dispatcher, WithGatherer(reg)),
		store:    st,
		provider: mock,
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) inbound(t *testing.T, body, messageID string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/inbound", models.InboundEvent{
		Channel: models.ChannelSMS, Phone: testPhone, Body: body, MessageID: messageID,
	}))
}

func result(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	r, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no object result: %v", resp)
	}
	return r
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	resp := testutil.AssertJSONResponse(t, rr, "healthy")
	if resp["flows"].(float64) != 2 {
		t.Errorf("expected 2 flows, got %v", resp["flows"])
	}
}

func TestInboundHandler(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.inbound(t, "help", "m1")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "inbound help")
	res := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["reply"] != "Welcome\n1. Fees\n2. Register" || res["outcome"] != "started" || res["flow_id"] != "F1" {
		t.Errorf("unexpected result %v", res)
	}
	if res["delivery_status"] != "sent" || res["provider_message_id"] != "mock-1" {
		t.Errorf("unexpected delivery in %v", res)
	}

	rr = ts.inbound(t, "2", "m2")
	res = result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["reply"] != "Your name?" || res["outcome"] != "advanced" {
		t.Errorf("unexpected result %v", res)
	}

	rr = ts.inbound(t, "Amina", "m3")
	res = result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["reply"] != "Thanks Amina" || res["end_session"] != true {
		t.Errorf("unexpected result %v", res)
	}
	if got := len(ts.provider.SentMessages()); got != 3 {
		t.Errorf("expected 3 SMS sent, got %d", got)
	}
}

func TestInboundHandlerRejections(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantStatus string
	}{
		{"malformed json", `{"channel":`, http.StatusBadRequest, "error"},
		{"unknown field", `{"channel":"sms","phone":"+254700000001","colour":"red"}`, http.StatusBadRequest, "error"},
		{"invalid channel", `{"channel":"fax","phone":"+254700000001","body":"hi"}`, http.StatusBadRequest, "error"},
		{"invalid phone", `{"channel":"sms","phone":"12","body":"hi"}`, http.StatusOK, "dropped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/inbound", tt.body))
			testutil.AssertHTTPStatus(t, tt.wantCode, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, tt.wantStatus)
		})
	}
}

func TestInboundHandlerDuplicateDropped(t *testing.T) {
	ts := newTestServer(t)
	ts.inbound(t, "help", "m1")

	rr := ts.inbound(t, "help", "m1")
	resp := testutil.AssertJSONResponse(t, rr, "dropped")
	if resp["message"] != messaging.ReasonDuplicate {
		t.Errorf("expected duplicate reason, got %v", resp["message"])
	}
	if got := len(ts.provider.SentMessages()); got != 1 {
		t.Errorf("expected a single reply, got %d", got)
	}
}

func TestTwilioSMSWebhook(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/sms", url.Values{
		"From": {testPhone}, "Body": {"HELP"}, "MessageSid": {"SM1"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio sms")
	if rr.Body.String() != emptyTwiML {
		t.Errorf("expected empty TwiML, got %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected text/xml, got %q", ct)
	}
	sent := ts.provider.SentMessages()
	if len(sent) != 1 || sent[0].To != testPhone || !strings.HasPrefix(sent[0].Body, "Welcome") {
		t.Errorf("unexpected sent messages %+v", sent)
	}

	rr = ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/sms", url.Values{"Body": {"HELP"}}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "twilio sms without From")
}

func TestTwilioStatusWebhook(t *testing.T) {
	ts := newTestServer(t)
	ts.inbound(t, "help", "m1")

	rr := ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/status", url.Values{
		"MessageSid": {"mock-1"}, "MessageStatus": {"delivered"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio status")
	res := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["matched"] != true || res["status"] != "delivered" {
		t.Errorf("unexpected result %v", res)
	}

	msgs, err := ts.store.ListGatewayMessages(context.Background(), models.MessageFilter{Phone: testPhone})
	if err != nil {
		t.Fatalf("ListGatewayMessages failed: %v", err)
	}
	var delivered bool
	for _, m := range msgs {
		if m.ProviderMessageID == "mock-1" && m.Direction == models.DirectionOut {
			delivered = m.Status == models.MessageStatusDelivered && m.DeliveredAt != nil
		}
	}
	if !delivered {
		t.Errorf("outbound message not marked delivered: %+v", msgs)
	}

	rr = ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/status", url.Values{
		"MessageSid": {"SMunknown"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30003"},
	}))
	res = result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["matched"] != false || res["status"] != "failed" {
		t.Errorf("unexpected result %v", res)
	}
}

func TestAfricasTalkingSMSAndDelivery(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.CreateFormRequest(t, "/webhooks/africastalking/sms", url.Values{
		"from": {testPhone}, "text": {"help"}, "id": {"at-1"}, "to": {"20880"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "africastalking sms")
	res := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["outcome"] != "started" {
		t.Errorf("unexpected result %v", res)
	}

	rr = ts.do(testutil.CreateFormRequest(t, "/webhooks/africastalking/delivery", url.Values{
		"id": {"mock-1"}, "status": {"Success"},
	}))
	res = result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["matched"] != true || res["status"] != "delivered" {
		t.Errorf("unexpected result %v", res)
	}

	rr = ts.do(testutil.CreateFormRequest(t, "/webhooks/africastalking/delivery", url.Values{"status": {"Success"}}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "delivery without id")
}

func TestAfricasTalkingUSSDSession(t *testing.T) {
	ts := newTestServer(t)
	ussd := func(text string) *httptest.ResponseRecorder {
		return ts.do(testutil.CreateFormRequest(t, "/webhooks/africastalking/ussd", url.Values{
			"sessionId": {"ATUid_1"}, "serviceCode": {"*123#"}, "phoneNumber": {testPhone}, "text": {text},
		}))
	}

	steps := []struct {
		text string
		want string
	}{
		{"", "CON Masomo\n1. Exit\n2. Results"},
		{"2", "CON Enter index"},
		// redelivery of the same request re-prompts instead of advancing
		{"2", "CON Enter index"},
		{"2*12345", "END Got 12345"},
	}
	for _, step := range steps {
		rr := ussd(step.text)
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "ussd "+step.text)
		if rr.Body.String() != step.want {
			t.Errorf("text %q: expected %q, got %q", step.text, step.want, rr.Body.String())
		}
		if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("expected text/plain, got %q", ct)
		}
	}

	sess, err := ts.store.GetLiveSession(context.Background(), testPhone, models.ChannelUSSD, ts.server.now())
	if err != nil || sess != nil {
		t.Errorf("expected no live USSD session, got %+v, %v", sess, err)
	}
}

func TestAfricasTalkingUSSDInvalidPhone(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(testutil.CreateFormRequest(t, "/webhooks/africastalking/ussd", url.Values{
		"sessionId": {"ATUid_2"}, "serviceCode": {"*123#"}, "phoneNumber": {"12"}, "text": {""},
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "ussd invalid phone")
	if !strings.HasPrefix(rr.Body.String(), "END ") {
		t.Errorf("expected an END response, got %q", rr.Body.String())
	}
}

func TestLatestUSSDInput(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"1":         "1",
		"1*2":       "2",
		"2*12345*3": "3",
		"1*":        "",
	}
	for text, want := range tests {
		if got := latestUSSDInput(text); got != want {
			t.Errorf("latestUSSDInput(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestUSSDBody(t *testing.T) {
	tests := []struct {
		name  string
		reply messaging.Reply
		want  string
	}{
		{"provider formatted", messaging.Reply{Text: "Hi", Body: "CON Hi"}, "CON Hi"},
		{"unformatted continue", messaging.Reply{Text: "Hi", Body: "Hi"}, "CON Hi"},
		{"unformatted end", messaging.Reply{Text: "Bye", Body: "Bye", EndSession: true}, "END Bye"},
		{"dropped", messaging.Reply{Dropped: true}, "END " + flow.UnavailableMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ussdBody(tt.reply); got != tt.want {
				t.Errorf("ussdBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.inbound(t, "help", "m1")

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	body := rr.Body.String()
	for _, name := range []string{"flowpipe_inbound_events_total", "flowpipe_outbound_messages_total", "flowpipe_engine_outcomes_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := store.NewInMemoryStore()
	s := NewServer(st, nil, nil, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Errorf("Run returned %v after cancel", err)
	}
}
