package n8n

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowgate/n8n-mcp-gateway/tenant"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(tenant.Credentials{BaseURL: srv.URL, APIKey: "test-key"})
	return c, srv
}

func TestListWorkflowsSendsAuthAndQuery(t *testing.T) {
	var gotPath, gotKey, gotQuery string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-N8N-API-KEY")
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	active := true
	res, err := c.ListWorkflows(context.Background(), ListWorkflowsOptions{Active: &active, Limit: 10})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if gotPath != "/api/v1/workflows" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotQuery != "active=true&limit=10" {
		t.Errorf("query = %q", gotQuery)
	}
	var payload struct {
		Data []any `json:"data"`
	}
	if err := json.Unmarshal(res, &payload); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func TestNon2xxBecomesUpstreamError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"unauthorized"}`))
	})

	_, err := c.GetWorkflow(context.Background(), "wf-1")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if ue.Status != http.StatusUnauthorized {
		t.Errorf("status = %d", ue.Status)
	}
}

func TestManagementCallTimesOut(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	WithTimeouts(50*time.Millisecond, 50*time.Millisecond)(c)

	start := time.Now()
	_, err := c.GetWorkflow(context.Background(), "wf-1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("call was not bounded by the configured timeout")
	}
}

func TestRunWebhookUsesWebhookPrefix(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	_, err := c.RunWebhook(context.Background(), "", "order-intake", map[string]any{"qty": 3})
	if err != nil {
		t.Fatalf("RunWebhook: %v", err)
	}
	if gotPath != "/webhook/order-intake" {
		t.Errorf("path = %q", gotPath)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q", gotMethod)
	}
	if gotBody["qty"] != float64(3) {
		t.Errorf("body = %v", gotBody)
	}
}

func TestEmptyUpstreamBodyYieldsEmptyObject(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	res, err := c.DeleteWorkflow(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}
	if string(res) != `{}` {
		t.Errorf("result = %s", res)
	}
}
