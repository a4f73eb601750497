package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowgate/n8n-mcp-gateway/internal/jsonrpc"
	"github.com/flowgate/n8n-mcp-gateway/mcp"
	"github.com/flowgate/n8n-mcp-gateway/n8n"
	"github.com/flowgate/n8n-mcp-gateway/tenant"
	"github.com/flowgate/n8n-mcp-gateway/tools"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(srv.Close)
	client := n8n.NewClient(tenant.Credentials{BaseURL: srv.URL, APIKey: "k"})
	return New("sess-1", tools.NewDispatcher(client, nil), nil)
}

func makeRequest(t *testing.T, method string, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.NewRequestID(1)}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = b
	}
	return req
}

func TestHandlePing(t *testing.T) {
	tr := newTestTransport(t)
	res := tr.Handle(context.Background(), makeRequest(t, "ping", nil))
	if res.Error != nil {
		t.Fatalf("ping error: %+v", res.Error)
	}
	if string(res.Result) != "{}" {
		t.Errorf("ping result = %s", res.Result)
	}
}

func TestHandleToolsList(t *testing.T) {
	tr := newTestTransport(t)
	res := tr.Handle(context.Background(), makeRequest(t, "tools/list", nil))
	if res.Error != nil {
		t.Fatalf("tools/list error: %+v", res.Error)
	}
	var lr mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &lr); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(lr.Tools) == 0 {
		t.Fatal("no tools advertised")
	}
}

func TestHandleToolsCall(t *testing.T) {
	tr := newTestTransport(t)
	res := tr.Handle(context.Background(), makeRequest(t, "tools/call", mcp.CallToolRequest{Name: "list_workflows"}))
	if res.Error != nil {
		t.Fatalf("tools/call error: %+v", res.Error)
	}
	var ctr mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &ctr); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if ctr.IsError {
		t.Fatalf("unexpected tool error: %+v", ctr)
	}
}

func TestHandleToolsCallMissingName(t *testing.T) {
	tr := newTestTransport(t)
	res := tr.Handle(context.Background(), makeRequest(t, "tools/call", map[string]any{}))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("error = %+v, want invalid params", res.Error)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	tr := newTestTransport(t)
	res := tr.Handle(context.Background(), makeRequest(t, "resources/list", nil))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("error = %+v, want method not found", res.Error)
	}
}

func TestHandleInitializeOnLiveSession(t *testing.T) {
	tr := newTestTransport(t)
	res := tr.Handle(context.Background(), makeRequest(t, "initialize", nil))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeServerError {
		t.Fatalf("error = %+v, want server error", res.Error)
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	tr := newTestTransport(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !tr.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	res := tr.Handle(context.Background(), makeRequest(t, "ping", nil))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeServerError {
		t.Fatalf("post-close error = %+v, want server error", res.Error)
	}
}
