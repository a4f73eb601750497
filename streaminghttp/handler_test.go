package streaminghttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowgate/n8n-mcp-gateway/internal/jsonrpc"
	"github.com/flowgate/n8n-mcp-gateway/mcp"
	"github.com/flowgate/n8n-mcp-gateway/sessions"
	"github.com/flowgate/n8n-mcp-gateway/sessions/memorystore"
	"github.com/flowgate/n8n-mcp-gateway/tenant"
)

var testDefaults = tenant.Credentials{BaseURL: "https://n8n.example.com", APIKey: "default-key"}

// echoTransport answers every request with a canned result and records
// lifecycle events for assertions.
type echoTransport struct {
	sessionID string
	handled   atomic.Int32
	closed    atomic.Int32
}

func (e *echoTransport) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	e.handled.Add(1)
	resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]string{"echo": req.Method})
	return resp
}

func (e *echoTransport) Close() error {
	e.closed.Add(1)
	return nil
}

// captureFactory records every factory invocation so tests can assert on
// credential binding and reconstruction.
type captureFactory struct {
	calls      atomic.Int32
	lastCreds  atomic.Value // tenant.Credentials
	transports []*echoTransport
}

func (f *captureFactory) build(sessionID string, creds tenant.Credentials) sessions.Transport {
	f.calls.Add(1)
	f.lastCreds.Store(creds)
	tr := &echoTransport{sessionID: sessionID}
	f.transports = append(f.transports, tr)
	return tr
}

func newTestHandler(t *testing.T, store sessions.MetadataStore, opts ...Option) (*StreamingHTTPHandler, *captureFactory) {
	t.Helper()
	factory := &captureFactory{}
	reg := sessions.NewRegistry(store)
	t.Cleanup(func() { _ = reg.Close() })

	opts = append([]Option{WithTransportFactory(factory.build)}, opts...)
	h, err := New(reg, testDefaults, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, factory
}

func postJSON(t *testing.T, h http.Handler, sessID, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessID != "" {
		req.Header.Set(mcpSessionIDHeader, sessID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeRPC(t *testing.T, w *httptest.ResponseRecorder) rpcEnvelope {
	t.Helper()
	var env rpcEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return env
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"0"}}}`

func initializeSession(t *testing.T, h http.Handler, headers map[string]string) string {
	t.Helper()
	w := postJSON(t, h, "", initializeBody, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body %s", w.Code, w.Body.String())
	}
	sessID := w.Header().Get(mcpSessionIDHeader)
	if sessID == "" {
		t.Fatal("initialize response missing session id header")
	}
	env := decodeRPC(t, w)
	if env.Error != nil {
		t.Fatalf("initialize error: %+v", env.Error)
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if result.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, mcp.LatestProtocolVersion)
	}
	return sessID
}

func TestInitializeMintsSessionAndForwardsLaterRequests(t *testing.T) {
	h, factory := newTestHandler(t, memorystore.New())

	sessID := initializeSession(t, h, nil)

	if factory.calls.Load() != 1 {
		t.Fatalf("factory called %d times, want 1", factory.calls.Load())
	}
	if got := factory.lastCreds.Load().(tenant.Credentials); got != testDefaults {
		t.Errorf("bound credentials = %+v, want defaults", got)
	}

	w := postJSON(t, h, sessID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tools/list status = %d", w.Code)
	}
	env := decodeRPC(t, w)
	if env.Error != nil {
		t.Fatalf("tools/list error: %+v", env.Error)
	}
	if factory.transports[0].handled.Load() != 1 {
		t.Fatal("request was not forwarded into the session transport")
	}
}

func TestHeaderCredentialsWinOverDefaults(t *testing.T) {
	h, factory := newTestHandler(t, memorystore.New())

	initializeSession(t, h, map[string]string{
		tenant.URLHeader: "https://tenant.example.com",
		tenant.KeyHeader: "tenant-key",
	})

	want := tenant.Credentials{BaseURL: "https://tenant.example.com", APIKey: "tenant-key"}
	if got := factory.lastCreds.Load().(tenant.Credentials); got != want {
		t.Errorf("bound credentials = %+v, want %+v", got, want)
	}
}

func TestCredentialsAreImmutableAfterHandshake(t *testing.T) {
	h, factory := newTestHandler(t, memorystore.New())

	sessID := initializeSession(t, h, nil)

	// Different headers on a later request must not rebind the session.
	w := postJSON(t, h, sessID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, map[string]string{
		tenant.URLHeader: "https://other.example.com",
		tenant.KeyHeader: "other-key",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if factory.calls.Load() != 1 {
		t.Fatalf("factory re-invoked after handshake: %d calls", factory.calls.Load())
	}
	if got := factory.lastCreds.Load().(tenant.Credentials); got != testDefaults {
		t.Errorf("credentials changed after handshake: %+v", got)
	}
}

func TestInitializeWithoutAnyCredentialsFails(t *testing.T) {
	factory := &captureFactory{}
	reg := sessions.NewRegistry(memorystore.New())
	t.Cleanup(func() { _ = reg.Close() })
	h, err := New(reg, tenant.Credentials{}, WithTransportFactory(factory.build))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w := postJSON(t, h, "", initializeBody, nil)
	env := decodeRPC(t, w)
	if env.Error == nil || env.Error.Code != int(jsonrpc.ErrorCodeServerError) {
		t.Fatalf("want -32000 error, got %+v", env.Error)
	}
	if factory.calls.Load() != 0 {
		t.Fatal("transport built despite failed credential resolution")
	}
	if reg.Count() != 0 {
		t.Fatal("session created despite failed handshake")
	}
}

func TestNonHandshakeWithoutSessionIsRejected(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	w := postJSON(t, h, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	env := decodeRPC(t, w)
	if env.Error == nil || env.Error.Code != int(jsonrpc.ErrorCodeServerError) {
		t.Fatalf("want -32000 error, got %+v", env.Error)
	}
	if !strings.Contains(env.Error.Message, "initialize") {
		t.Errorf("error message %q does not steer toward initialize", env.Error.Message)
	}
}

func TestUnknownSessionIDIsRejected(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	w := postJSON(t, h, "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	env := decodeRPC(t, w)
	if env.Error == nil || env.Error.Code != int(jsonrpc.ErrorCodeServerError) {
		t.Fatalf("want -32000 error, got %+v", env.Error)
	}
}

func TestInitializeWithStaleSessionIDStartsFresh(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	w := postJSON(t, h, "stale-id", initializeBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	newID := w.Header().Get(mcpSessionIDHeader)
	if newID == "" || newID == "stale-id" {
		t.Fatalf("want a freshly minted id, got %q", newID)
	}
}

func TestNotificationIsAcceptedWithoutSession(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	w := postJSON(t, h, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("notification ack carried a body: %q", w.Body.String())
	}
}

func TestClientResponseIsAcknowledged(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	w := postJSON(t, h, "", `{"jsonrpc":"2.0","id":9,"result":{}}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
}

func TestBatchRequestsAreRejected(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	w := postJSON(t, h, "", `[`+initializeBody+`]`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestUnsupportedContentTypeIsRejected(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(initializeBody))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", w.Code)
	}
}

func TestDeleteTearsDownSession(t *testing.T) {
	h, factory := newTestHandler(t, memorystore.New())
	sessID := initializeSession(t, h, nil)

	del := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	del.Header.Set(mcpSessionIDHeader, sessID)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, del)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}
	if factory.transports[0].closed.Load() == 0 {
		t.Fatal("transport not closed on delete")
	}

	// Teardown is terminal: the id must not resolve afterwards.
	res := postJSON(t, h, sessID, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, nil)
	env := decodeRPC(t, res)
	if env.Error == nil || env.Error.Code != int(jsonrpc.ErrorCodeServerError) {
		t.Fatalf("deleted session still routable: %+v", env.Error)
	}

	// Repeated delete reports absence rather than failing.
	del2 := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	del2.Header.Set(mcpSessionIDHeader, sessID)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, del2)
	if w2.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w2.Code)
	}
}

func TestDeleteWithoutSessionHeaderIsBadRequest(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestReconstructionAcrossReplicasSharingAStore(t *testing.T) {
	store := memorystore.New()
	replicaA, _ := newTestHandler(t, store)
	replicaB, factoryB := newTestHandler(t, store)

	sessID := initializeSession(t, replicaA, map[string]string{
		tenant.URLHeader: "https://tenant.example.com",
		tenant.KeyHeader: "tenant-key",
	})

	// Replica B has no transport for this id; it must rebuild one from the
	// shared record with the originally bound credentials.
	w := postJSON(t, replicaB, sessID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	env := decodeRPC(t, w)
	if env.Error != nil {
		t.Fatalf("reconstruction failed: %+v", env.Error)
	}
	if factoryB.calls.Load() != 1 {
		t.Fatalf("replica B factory calls = %d, want 1", factoryB.calls.Load())
	}
	want := tenant.Credentials{BaseURL: "https://tenant.example.com", APIKey: "tenant-key"}
	if got := factoryB.lastCreds.Load().(tenant.Credentials); got != want {
		t.Errorf("reconstructed credentials = %+v, want %+v", got, want)
	}

	// The rebuilt transport now serves later requests without another build.
	w2 := postJSON(t, replicaB, sessID, `{"jsonrpc":"2.0","id":3,"method":"ping"}`, nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("follow-up status = %d", w2.Code)
	}
	if factoryB.calls.Load() != 1 {
		t.Fatalf("transport rebuilt twice: %d factory calls", factoryB.calls.Load())
	}
}

func TestLocalOnlyReplicasDoNotShareSessions(t *testing.T) {
	replicaA, _ := newTestHandler(t, memorystore.New())
	replicaB, _ := newTestHandler(t, memorystore.New())

	sessID := initializeSession(t, replicaA, nil)

	w := postJSON(t, replicaB, sessID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	env := decodeRPC(t, w)
	if env.Error == nil || env.Error.Code != int(jsonrpc.ErrorCodeServerError) {
		t.Fatalf("session leaked across local-only replicas: %+v", env.Error)
	}
}

func TestBearerTokenGatesProtocolTraffic(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New(), WithBearerToken("sekrit"))

	w := postJSON(t, h, "", initializeBody, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", w.Code)
	}

	w = postJSON(t, h, "", initializeBody, map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", w.Code)
	}

	w = postJSON(t, h, "", initializeBody, map[string]string{"Authorization": "Bearer sekrit"})
	if w.Code != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", w.Code)
	}

	// The health probe stays open even when the endpoint is gated.
	probe := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, probe)
	if pw.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", pw.Code)
	}
}

func TestHealthReportsSessionsAndMode(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())
	initializeSession(t, h, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body struct {
		Status   string `json:"status"`
		Sessions int64  `json:"sessions"`
		Mode     string `json:"mode"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || body.Sessions != 1 || body.Mode != "local" {
		t.Fatalf("health = %+v", body)
	}
}

func TestResponseDeliveredAsSSEWhenAccepted(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	w := postJSON(t, h, "", initializeBody, map[string]string{"Accept": "text/event-stream"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: message") || !strings.Contains(body, "data: ") {
		t.Fatalf("response is not a well-formed SSE frame: %q", body)
	}
	dataLine, _, _ := strings.Cut(strings.TrimPrefix(body[strings.Index(body, "data: "):], "data: "), "\n")
	var env rpcEnvelope
	if err := json.Unmarshal([]byte(dataLine), &env); err != nil {
		t.Fatalf("decode SSE payload: %v", err)
	}
	if env.Error != nil {
		t.Fatalf("SSE payload carried an error: %+v", env.Error)
	}
}

func TestKeepaliveStreamEmitsHeartbeats(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New(), WithKeepAliveInterval(10*time.Millisecond))

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	scanner := bufio.NewScanner(res.Body)
	beats := 0
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), ": keepalive") {
			beats++
			if beats >= 2 {
				break
			}
		}
	}
	if beats < 2 {
		t.Fatalf("saw %d heartbeat frames, want at least 2", beats)
	}
}

func TestKeepaliveStreamRequiresEventStreamAccept(t *testing.T) {
	h, _ := newTestHandler(t, memorystore.New())

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", w.Code)
	}
}

func TestPanicInHandlerBecomes500(t *testing.T) {
	reg := sessions.NewRegistry(memorystore.New())
	t.Cleanup(func() { _ = reg.Close() })
	h, err := New(reg, testDefaults, WithTransportFactory(func(sessionID string, creds tenant.Credentials) sessions.Transport {
		panic(fmt.Sprintf("factory blew up for %s", sessionID))
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w := postJSON(t, h, "", initializeBody, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}
