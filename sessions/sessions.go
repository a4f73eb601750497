package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/flowgate/n8n-mcp-gateway/internal/jsonrpc"
	"github.com/flowgate/n8n-mcp-gateway/tenant"
)

// ErrSessionNotFound indicates the session id is known neither locally nor
// in the metadata store. Clients must restart with a new handshake.
var ErrSessionNotFound = errors.New("session not found")

// Transport is the per-session protocol engine the registry holds. It is
// process-local and excluded from metadata records.
type Transport interface {
	// Handle executes one JSON-RPC request for the session.
	Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
	// Close releases the transport. Must be idempotent.
	Close() error
}

// Session is one identified, persistent conversational context. Credentials
// are resolved once at creation and never change for the session's lifetime.
type Session struct {
	ID          string
	Credentials tenant.Credentials
	Transport   Transport
	CreatedAt   time.Time
}

// Record is the serializable projection of a Session shared through the
// metadata store. The Transport is deliberately absent: it cannot survive a
// process boundary.
type Record struct {
	SessionID   string             `json:"sid"`
	Credentials tenant.Credentials `json:"credentials"`
	ExpiresAt   time.Time          `json:"expiresAt"`
}

// MetadataStore is the capability interface over session records. Two
// implementations exist: memorystore (process-local) and redisstore
// (deployment-wide). The choice is fixed at startup.
type MetadataStore interface {
	// Put writes a record with the given time-to-live.
	Put(ctx context.Context, rec Record, ttl time.Duration) error
	// Get returns the non-expired record for id, reporting whether one exists.
	Get(ctx context.Context, id string) (Record, bool, error)
	// Delete removes the record, reporting whether one existed. Idempotent.
	Delete(ctx context.Context, id string) (bool, error)
	// Mode names the backing mode for observability ("local" or "redis").
	Mode() string
	// Close releases backing resources.
	Close() error
}
