package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

const newFlowJSON = `{
  "id": "F2",
  "name": "Fees",
  "channel": "sms",
  "active": true,
  "default_entry_node_id": "A",
  "nodes": [
    {"type": "prompt", "id": "A", "text": "Fees desk", "next": "B"},
    {"type": "terminal", "id": "B", "text": "Pay by the 5th."}
  ]
}`

func TestFlowAdminHandlers(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/flows", nil))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if flows, ok := resp["result"].([]interface{}); !ok || len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %v", resp["result"])
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/flows/F1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get F1")
	if res := result(t, testutil.AssertJSONResponse(t, rr, "ok")); res["default_entry_node_id"] != "N1" {
		t.Errorf("unexpected flow %v", res)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/flows/missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get missing flow")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/flows", newFlowJSON))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create F2")
	res := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if edges, ok := res["edges"].([]interface{}); !ok || len(edges) != 1 {
		t.Errorf("expected derived edges, got %v", res["edges"])
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/flows", newFlowJSON))
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "create F2 twice")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPut, "/flows/F9", newFlowJSON))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "update with mismatched id")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPut, "/flows/F2", newFlowJSON))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update F2")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodDelete, "/flows/F2", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete F2")
	if f, _ := ts.store.GetFlow(context.Background(), "F2"); f != nil {
		t.Error("F2 should be deleted")
	}
}

func TestCreateFlowRejectsInvalidDefinitions(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"menu without else", `{"id":"BAD","channel":"sms","default_entry_node_id":"M","nodes":[
			{"type":"menu","id":"M","text":"Pick","options":[{"key":"1","label":"One","next":"T"}]},
			{"type":"terminal","id":"T","text":"Done"}]}`},
		{"dangling transition", `{"id":"BAD","channel":"sms","default_entry_node_id":"A","nodes":[
			{"type":"prompt","id":"A","text":"Hi","next":"NOWHERE"}]}`},
		{"unknown node type", `{"id":"BAD","channel":"sms","default_entry_node_id":"A","nodes":[
			{"type":"carousel","id":"A"}]}`},
		{"unknown channel", `{"id":"BAD","channel":"fax","default_entry_node_id":"T","nodes":[
			{"type":"terminal","id":"T","text":"Done"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/flows", tt.body))
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, "error")
		})
	}
}

func TestKeywordAdminHandlers(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/keywords",
		`{"keyword":" fees ","locale":"en","active":true,"flow_id":"F1"}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "save keyword")
	if res := result(t, testutil.AssertJSONResponse(t, rr, "ok")); res["keyword"] != "FEES" {
		t.Errorf("expected normalized keyword, got %v", res["keyword"])
	}
	if k, _ := ts.store.FindActiveKeyword(context.Background(), "FEES", "en"); k == nil {
		t.Error("keyword FEES not stored")
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/keywords",
		`{"keyword":"fees","locale":"en","active":true,"flow_id":"NOPE"}`))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "keyword for unknown flow")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/keywords", `{"keyword":"two words","locale":"en"}`))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "multi-token keyword")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/keywords", nil))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list, ok := resp["result"].([]interface{}); !ok || len(list) != 2 {
		t.Errorf("expected 2 keywords, got %v", resp["result"])
	}
}

func TestRuleAdminHandlers(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/rules",
		`{"channel":"sms","matcher_type":"default","flow_id":"F1","priority":100,"active":true}`))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create default rule")
	res := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	id, ok := res["id"].(float64)
	if !ok || id == 0 {
		t.Fatalf("expected assigned rule id, got %v", res["id"])
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/rules",
		`{"channel":"sms","matcher_type":"default","flow_id":"F1","priority":90,"active":true}`))
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "second active default")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/rules", fmt.Sprintf(
		`{"id":%d,"channel":"sms","matcher_type":"default","flow_id":"F1","priority":50,"active":true}`, int64(id))))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update default rule")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/rules",
		`{"id":999,"channel":"sms","matcher_type":"exact","matcher_value":"FEES","flow_id":"F1","priority":10,"active":true}`))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "update missing rule")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/rules",
		`{"channel":"sms","matcher_type":"regex","matcher_value":"(","flow_id":"F1","priority":10,"active":true}`))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid regex")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/rules",
		`{"channel":"sms","matcher_type":"exact","matcher_value":"FEES","flow_id":"NOPE","priority":10,"active":true}`))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "rule for unknown flow")

	rules, err := ts.store.ListRoutingRules(context.Background())
	if err != nil {
		t.Fatalf("ListRoutingRules failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %+v", rules)
	}
	for _, r := range rules {
		if r.MatcherType == models.MatcherDefault && r.Priority != 50 {
			t.Errorf("default rule not updated: %+v", r)
		}
	}

	// The new catch-all now answers unmatched SMS.
	reply := result(t, testutil.AssertJSONResponse(t, ts.inbound(t, "hello", "m1"), "ok"))
	if reply["flow_id"] != "F1" {
		t.Errorf("expected catch-all to route to F1, got %v", reply)
	}
}

func TestSessionAdminHandlers(t *testing.T) {
	ts := newTestServer(t)
	ts.inbound(t, "help", "m1")

	query := "?" + url.Values{"phone": {testPhone}, "channel": {"sms"}}.Encode()
	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions"+query, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get session")
	res := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["flow_id"] != "F1" || res["current_node_id"] != "N1" {
		t.Errorf("unexpected session %v", res)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodDelete, "/sessions"+query, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete session")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions"+query, nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "session after delete")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodDelete, "/sessions"+query, nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "delete missing session")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions?phone=%2B254700000001&channel=fax", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid channel")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions?channel=sms", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing phone")
}

func TestListMessagesHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.inbound(t, "help", "m1")
	ts.inbound(t, "1", "m2")

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/messages?phone=254700000001", nil))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	list, ok := resp["result"].([]interface{})
	if !ok || len(list) != 4 {
		t.Fatalf("expected 4 audit rows, got %v", resp["result"])
	}
	latest := list[0].(map[string]interface{})
	if latest["direction"] != "out" || latest["payload"] != "Fees are due on the 5th." {
		t.Errorf("expected newest row first, got %v", latest)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/messages?limit=1", nil))
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if list, ok := resp["result"].([]interface{}); !ok || len(list) != 1 {
		t.Errorf("expected 1 row, got %v", resp["result"])
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/messages?phone=%2B254711999999", nil))
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if list, ok := resp["result"].([]interface{}); !ok || len(list) != 0 {
		t.Errorf("expected empty list, got %v", resp["result"])
	}

	for _, q := range []string{"?limit=abc", "?limit=0", "?phone=12", "?channel=fax"} {
		rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/messages"+q, nil))
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "messages"+q)
	}
}

func TestSaveOptInHandler(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPut, "/optins",
		`{"phone":"254700000001","channel":"sms","opted_in":false}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "opt out")
	res := result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["phone"] != testPhone || res["source"] != "admin" {
		t.Errorf("unexpected opt-in %v", res)
	}

	o, err := ts.store.GetOptIn(context.Background(), testPhone, models.ChannelSMS)
	if err != nil || o == nil || o.OptedIn {
		t.Fatalf("expected stored opt-out, got %+v, %v", o, err)
	}

	reply := result(t, testutil.AssertJSONResponse(t, ts.inbound(t, "help", "m1"), "ok"))
	if reply["delivery_status"] != "failed" || reply["delivery_error"] != "recipient opted out" {
		t.Errorf("expected reply to opted-out phone to be suppressed, got %v", reply)
	}
	if got := len(ts.provider.SentMessages()); got != 0 {
		t.Errorf("expected no SMS sent, got %d", got)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPut, "/optins", `{"phone":"254700000001","channel":"fax"}`))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid channel")
}
