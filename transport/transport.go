// Package transport implements the per-session protocol engine. A Transport
// is bound to exactly one session id and one tool dispatcher; it owns
// request/response correlation for that session and nothing else. Transports
// are process-local and never serialized: on a replica switch a fresh one is
// rebuilt from the session's durable record.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/flowgate/n8n-mcp-gateway/internal/jsonrpc"
	"github.com/flowgate/n8n-mcp-gateway/mcp"
	"github.com/flowgate/n8n-mcp-gateway/tools"
)

// Transport routes JSON-RPC requests for one session into the tool
// dispatcher. Safe for concurrent use; requests on the same session do not
// serialize each other.
type Transport struct {
	sessionID string
	disp      *tools.Dispatcher
	log       *slog.Logger
	closed    atomic.Bool
}

// New builds a Transport for the given session id. The id is supplied by the
// registry (fresh sessions) or by the reconstruction path (existing id); the
// transport never mints its own.
func New(sessionID string, disp *tools.Dispatcher, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Transport{sessionID: sessionID, disp: disp, log: log}
}

// SessionID reports the session this transport serves.
func (t *Transport) SessionID() string { return t.sessionID }

// Close marks the transport dead. Idempotent; subsequent Handle calls return
// an operational error response.
func (t *Transport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.log.Debug("transport.close", slog.String("session_id", t.sessionID))
	}
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool { return t.closed.Load() }

// Handle executes one JSON-RPC request and returns its response. It never
// returns nil and never panics outward; tool failures are folded into
// successful envelopes by the dispatcher contract.
func (t *Transport) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if t.closed.Load() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, "transport closed", nil)
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, "session already initialized", nil)

	case mcp.PingMethod:
		res, err := jsonrpc.NewResultResponse(req.ID, struct{}{})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		return res

	case mcp.ListToolsMethod:
		res, err := jsonrpc.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: t.disp.List()})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		return res

	case mcp.CallToolMethod:
		var call mcp.CallToolRequest
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &call); err != nil {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params: "+err.Error(), nil)
			}
		}
		if call.Name == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tools/call requires a tool name", nil)
		}
		result := t.disp.Execute(ctx, call.Name, call.Arguments)
		res, err := jsonrpc.NewResultResponse(req.ID, result)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		return res

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}
