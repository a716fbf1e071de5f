package edge

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEvaluateAuth_Rejection(t *testing.T) {
	f := mustFilter(t, VariantDirect())
	out, res, err := EvaluateAuth(f, []byte(`{"request":{"uri":"/trpc/x","headers":{}}}`))
	if err != nil {
		t.Fatalf("EvaluateAuth: %v", err)
	}
	if !res.Rejected() {
		t.Fatal("expected rejection")
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["statusCode"] != float64(401) {
		t.Fatalf("statusCode = %v, want 401", got["statusCode"])
	}
	if got["statusDescription"] != "Unauthorized" {
		t.Fatalf("statusDescription = %v", got["statusDescription"])
	}
	if !strings.Contains(string(out), `"www-authenticate":{"value":"Bearer"}`) {
		t.Fatalf("body = %s, want www-authenticate header", out)
	}
}

func TestEvaluateAuth_Forward(t *testing.T) {
	f := mustFilter(t, VariantRelay())
	out, res, err := EvaluateAuth(f, []byte(`{"request":{"uri":"/trpc/user.query","headers":{"authorization":{"value":"Bearer abc"}}}}`))
	if err != nil {
		t.Fatalf("EvaluateAuth: %v", err)
	}
	if res.Rejected() {
		t.Fatal("unexpected rejection")
	}

	var req Request
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.URI != "/user.query" {
		t.Fatalf("uri = %q, want /user.query", req.URI)
	}
	if req.Headers["auth-token"].Value != "Bearer abc" {
		t.Fatalf("auth-token = %q", req.Headers["auth-token"].Value)
	}
}

func TestEvaluateAuth_MissingHeadersObject(t *testing.T) {
	f := mustFilter(t, VariantDirect())
	_, res, err := EvaluateAuth(f, []byte(`{"request":{"uri":"/trpc/x"}}`))
	if err != nil {
		t.Fatalf("EvaluateAuth: %v", err)
	}
	if !res.Rejected() {
		t.Fatal("expected rejection")
	}
}

func TestEvaluateAuth_MalformedJSON(t *testing.T) {
	f := mustFilter(t, VariantDirect())
	if _, _, err := EvaluateAuth(f, []byte(`{"request":`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEvaluateRUM(t *testing.T) {
	out, err := EvaluateRUM([]byte(`{"request":{"uri":"/rum/rum-events","headers":{}}}`))
	if err != nil {
		t.Fatalf("EvaluateRUM: %v", err)
	}
	if !strings.Contains(string(out), `"uri":"/rum-events"`) {
		t.Fatalf("out = %s", out)
	}
}
