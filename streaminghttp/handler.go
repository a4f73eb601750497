package streaminghttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/flowgate/n8n-mcp-gateway/internal/jsonrpc"
	"github.com/flowgate/n8n-mcp-gateway/internal/logctx"
	"github.com/flowgate/n8n-mcp-gateway/mcp"
	"github.com/flowgate/n8n-mcp-gateway/n8n"
	"github.com/flowgate/n8n-mcp-gateway/sessions"
	"github.com/flowgate/n8n-mcp-gateway/tenant"
	"github.com/flowgate/n8n-mcp-gateway/tools"
	"github.com/flowgate/n8n-mcp-gateway/transport"
	"github.com/google/uuid"
)

var _ http.Handler = (*StreamingHTTPHandler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	mcpSessionIDHeader  = "Mcp-Session-Id"
	authorizationHeader = "Authorization"

	// DefaultEndpointPath is where the MCP endpoint is mounted.
	DefaultEndpointPath = "/mcp"
	// DefaultKeepAliveInterval spaces heartbeat frames on the GET stream so
	// intermediary proxies do not cut idle connections.
	DefaultKeepAliveInterval = 15 * time.Second

	sessionNotFoundMsg = "session not found, send initialize first"
)

// TransportFactory builds the per-session transport bound to the given
// session id and credentials. Overridable for tests.
type TransportFactory func(sessionID string, creds tenant.Credentials) sessions.Transport

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	authToken         string
	keepaliveInterval time.Duration
	endpointPath      string
	serverInfo        mcp.ImplementationInfo
	factory           TransportFactory
}

// WithLogger sets the slog logger used by the handler. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithBearerToken gates all protocol traffic behind a static bearer token.
// Empty disables gating. The health probe is never gated.
func WithBearerToken(token string) Option {
	return func(c *newConfig) { c.authToken = strings.TrimSpace(token) }
}

// WithKeepAliveInterval overrides the heartbeat spacing on the GET stream.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.keepaliveInterval = d
		}
	}
}

// WithEndpointPath mounts the MCP endpoint somewhere other than /mcp.
func WithEndpointPath(path string) Option {
	return func(c *newConfig) {
		if path != "" {
			c.endpointPath = path
		}
	}
}

// WithServerInfo sets the implementation info advertised in the handshake.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *newConfig) { c.serverInfo = info }
}

// WithTransportFactory overrides how per-session transports are built (tests).
func WithTransportFactory(f TransportFactory) Option {
	return func(c *newConfig) { c.factory = f }
}

// StreamingHTTPHandler is the HTTP-facing request router. It decides per
// request whether a session starts, continues locally, is reconstructed from
// the metadata store, or is rejected, and forwards protocol messages into
// the session's transport.
type StreamingHTTPHandler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	registry *sessions.Registry
	defaults tenant.Credentials

	authToken         string
	keepaliveInterval time.Duration
	serverInfo        mcp.ImplementationInfo
	buildTransport    TransportFactory
}

// New constructs a StreamingHTTPHandler over the given registry. The
// defaults are the deployment-wide tenant credentials used when a handshake
// carries no per-request credential headers.
func New(registry *sessions.Registry, defaults tenant.Credentials, opts ...Option) (*StreamingHTTPHandler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	cfg := &newConfig{
		keepaliveInterval: DefaultKeepAliveInterval,
		endpointPath:      DefaultEndpointPath,
		serverInfo:        mcp.ImplementationInfo{Name: "n8n-mcp-gateway", Version: "0.1.0"},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	h := &StreamingHTTPHandler{
		log:               slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		registry:          registry,
		defaults:          defaults,
		authToken:         cfg.authToken,
		keepaliveInterval: cfg.keepaliveInterval,
		serverInfo:        cfg.serverInfo,
		buildTransport:    cfg.factory,
	}
	if h.buildTransport == nil {
		h.buildTransport = h.defaultTransportFactory
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.endpointPath), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.endpointPath), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.endpointPath), h.handleDeleteMCP)
	mux.HandleFunc("GET /healthz", h.handleGetHealth)
	h.mux = mux
	return h, nil
}

// defaultTransportFactory wires the real upstream client and tool dispatcher.
func (h *StreamingHTTPHandler) defaultTransportFactory(sessionID string, creds tenant.Credentials) sessions.Transport {
	client := n8n.NewClient(creds)
	disp := tools.NewDispatcher(client, h.log)
	return transport.New(sessionID, disp, h.log)
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	// A failing request must never take the listening process down with it.
	defer func() {
		if rec := recover(); rec != nil {
			h.log.ErrorContext(ctx, "http.handler.panic", slog.Any("panic", rec))
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
		}
	}()

	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC message exchange is possible. This is transport-level, not
// JSON-RPC framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// checkAuthorization enforces the optional gateway bearer token. It writes
// the rejection itself and returns false when the request must not proceed.
func (h *StreamingHTTPHandler) checkAuthorization(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if h.authToken == "" {
		return true
	}

	authHeader := r.Header.Get(authorizationHeader)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if subtle.ConstantTimeCompare([]byte(tok), []byte(h.authToken)) != 1 {
		h.log.InfoContext(ctx, "auth.check.fail")
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "invalid bearer token")
		return false
	}
	return true
}

// handlePostMCP is the protocol entry point: handshakes, session
// continuation, reconstruction, and notifications all arrive here.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	if !h.checkAuthorization(ctx, w, r) {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	// Notifications are acknowledged immediately and never touch the
	// registry; they get an empty 202, not a JSON-RPC envelope.
	if msg.Type() == "notification" {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	// Client-originated responses have no counterpart here: the gateway
	// never issues server-to-client requests. Acknowledge and move on.
	if res := msg.AsResponse(); res != nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ignored", slog.Duration("dur", time.Since(start)))
		return
	}

	req := msg.AsRequest()

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		if req.Method != string(mcp.InitializeMethod) {
			h.respond(ctx, w, r, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, sessionNotFoundMsg, nil))
			h.log.InfoContext(ctx, "session.missing.non_handshake")
			return
		}
		h.handleInitialize(ctx, w, r, req, start)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Mode: h.registry.Mode()})

	sess, ok := h.registry.Get(sessID)
	if !ok {
		rec, found := h.registry.Lookup(ctx, sessID)
		switch {
		case found:
			// Reconstruction: the session lives in the metadata store but its
			// transport died with another process. Rebuild it here under the
			// same id with the originally bound credentials.
			h.log.InfoContext(ctx, "session.reconstruct.start")
			tr := h.buildTransport(sessID, rec.Credentials)
			sess, err = h.registry.Create(ctx, sessID, rec.Credentials, tr)
			if err != nil {
				h.respond(ctx, w, r, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, "failed to reconstruct session", nil))
				h.log.ErrorContext(ctx, "session.reconstruct.fail", slog.String("err", err.Error()))
				return
			}
			h.log.InfoContext(ctx, "session.reconstruct.ok")

		case req.Method == string(mcp.InitializeMethod):
			// Stale id plus a fresh handshake: restart cleanly with a new id.
			h.handleInitialize(ctx, w, r, req, start)
			return

		default:
			h.respond(ctx, w, r, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, sessionNotFoundMsg, nil))
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
	}

	resp := sess.Transport.Handle(ctx, req)
	h.respond(ctx, w, r, resp)
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleInitialize runs the handshake: resolve credentials, mint a session,
// and answer with the server's capabilities.
func (h *StreamingHTTPHandler) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, start time.Time) {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			h.respond(ctx, w, r, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params: "+err.Error(), nil))
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	// Credentials resolve exactly once, before any transport exists. If the
	// request headers and the deployment defaults together cannot produce
	// both values, the handshake fails here.
	creds, err := tenant.Resolve(r.Header.Get(tenant.URLHeader), r.Header.Get(tenant.KeyHeader), h.defaults)
	if err != nil {
		h.respond(ctx, w, r, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, err.Error(), nil))
		h.log.InfoContext(ctx, "session.initialize.credentials.fail")
		return
	}

	id := h.registry.NewID()
	tr := h.buildTransport(id, creds)
	sess, err := h.registry.Create(ctx, id, creds, tr)
	if err != nil {
		h.respond(ctx, w, r, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, "failed to create session", nil))
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, Mode: h.registry.Mode()})

	result := mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    mcp.ServerCapabilities{Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{}},
		ServerInfo: h.serverInfo,
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		h.respond(ctx, w, r, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode initialize response", nil))
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	h.respond(ctx, w, r, resp)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP is the explicit teardown verb: best-effort close of the
// transport, then removal from local and distributed storage.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if !h.checkAuthorization(ctx, w, r) {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Mode: h.registry.Mode()})

	removed, ok := h.registry.Delete(ctx, sessID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	if removed != nil && removed.Transport != nil {
		// Close failures are deliberately ignored; the session is gone.
		_ = removed.Transport.Close()
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP serves the keepalive stream: a long-lived SSE connection that
// emits a heartbeat frame on a fixed interval. It is independent of session
// lifecycle and carries no protocol semantics; its only job is to keep
// intermediary proxies from cutting idle connections.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusUnsupportedMediaType, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if !h.checkAuthorization(ctx, w, r) {
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.keepalive.start")

	ticker := time.NewTicker(h.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnect releases the ticker via the deferred Stop; no
			// resource outlives the connection.
			h.log.InfoContext(ctx, "sse.keepalive.end", slog.Duration("dur", time.Since(start)))
			return
		case <-ticker.C:
			if _, err := io.WriteString(wf, ": keepalive\n\n"); err != nil {
				h.log.InfoContext(ctx, "sse.keepalive.write_end", slog.Duration("dur", time.Since(start)))
				return
			}
			wf.Flush()
		}
	}
}

// handleGetHealth reports process liveness, the number of transports held
// locally, and which backing mode the registry runs in.
func (h *StreamingHTTPHandler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": h.registry.Count(),
		"mode":     h.registry.Mode(),
	})
}

// respond delivers a JSON-RPC response either as a plain JSON body or, when
// the client advertises streaming support via Accept, as a single SSE event.
func (h *StreamingHTTPHandler) respond(ctx context.Context, w http.ResponseWriter, r *http.Request, resp *jsonrpc.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}

	if wantsEventStream(r) {
		f, ok := w.(http.Flusher)
		if ok {
			wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
			w.Header().Set("Content-Type", eventStreamMediaType.String())
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			if err := writeSSEEvent(wf, "message", body); err != nil {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			}
			return
		}
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
	}
}

// wantsEventStream reports whether the client explicitly prefers SSE
// delivery for this request.
func wantsEventStream(r *http.Request) bool {
	acc := r.Header.Get("Accept")
	if acc == "" || !strings.Contains(acc, "text/event-stream") {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
