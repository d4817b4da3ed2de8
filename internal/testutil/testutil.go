// Package testutil provides common test utilities and helpers for FlowPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/flow"
)

// TB is the subset of testing.TB the helpers use, so they can be exercised with a fake.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s' (message %v)", expectedStatus, status, response["message"])
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body. A string or
// []byte body is sent as is.
func CreateHTTPRequest(t TB, method, target string, body interface{}) *http.Request {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	case []byte:
		payload = b
	default:
		payload = MustMarshalJSON(t, b)
	}
	req, err := http.NewRequest(method, target, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateFormRequest creates a form-encoded POST request, the way SMS and USSD providers
// call webhooks.
func CreateFormRequest(t TB, target string, form url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create form request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// SeedBundle parses a YAML flow bundle and applies it to repo.
func SeedBundle(t TB, repo flow.BundleRepo, doc string) *flow.Bundle {
	t.Helper()
	b, err := flow.ParseBundle([]byte(doc), "yaml")
	if err != nil {
		t.Fatalf("failed to parse bundle: %v", err)
		return nil
	}
	if err := b.Apply(context.Background(), repo); err != nil {
		t.Fatalf("failed to apply bundle: %v", err)
		return nil
	}
	return b
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
