package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowgate/n8n-mcp-gateway/tenant"
	"github.com/google/uuid"
)

// DefaultTTL is the fixed lifetime written on a session's metadata record at
// creation. It is never refreshed by later activity: a session has a bounded
// absolute lifetime from the moment it is created.
const DefaultTTL = 2 * time.Hour

// Registry tracks live sessions. The local map holds the transports this
// process owns; the metadata store decides deployment-wide existence.
// Creation races on the same id are serialized per id; unrelated sessions
// never contend on a shared lock.
type Registry struct {
	store MetadataStore
	ttl   time.Duration
	log   *slog.Logger

	local sync.Map // session id -> *Session
	count atomic.Int64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL overrides the record lifetime written at session creation.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger sets the registry's logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry builds a registry over the given metadata store.
func NewRegistry(store MetadataStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store: store,
		ttl:   DefaultTTL,
		log:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewID mints a globally unique session id. Ids are opaque and never reused.
func (r *Registry) NewID() string {
	return uuid.NewString()
}

// Create registers a session under id with the given bound credentials and
// transport. When multiple callers race on the same id, exactly one
// transport wins; losers have their transport closed and receive the
// winner's session. The winner also writes the metadata record, unless a
// live record already exists (the reconstruction path must not extend the
// lease fixed at original creation).
func (r *Registry) Create(ctx context.Context, id string, creds tenant.Credentials, t Transport) (*Session, error) {
	s := &Session{ID: id, Credentials: creds, Transport: t, CreatedAt: time.Now().UTC()}
	actual, loaded := r.local.LoadOrStore(id, s)
	if loaded {
		if t != nil {
			_ = t.Close()
		}
		return actual.(*Session), nil
	}
	r.count.Add(1)

	_, exists, err := r.store.Get(ctx, id)
	if err == nil && !exists {
		rec := Record{
			SessionID:   id,
			Credentials: s.Credentials,
			ExpiresAt:   time.Now().UTC().Add(r.ttl),
		}
		err = r.store.Put(ctx, rec, r.ttl)
	}
	if err != nil {
		// A session invisible to other replicas is worse than a failed
		// handshake: roll back the local insert.
		r.local.Delete(id)
		r.count.Add(-1)
		if t != nil {
			_ = t.Close()
		}
		return nil, fmt.Errorf("persist session record: %w", err)
	}

	r.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", id))
	return s, nil
}

// Get returns the locally held session, if this process owns its transport.
// It never consults the store and never reconstructs.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.local.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Exists reports whether the session exists anywhere in the deployment:
// locally, or as a non-expired record in the metadata store.
func (r *Registry) Exists(ctx context.Context, id string) bool {
	if _, ok := r.local.Load(id); ok {
		return true
	}
	_, ok, err := r.store.Get(ctx, id)
	if err != nil {
		r.log.WarnContext(ctx, "session.exists.store_err", slog.String("session_id", id), slog.String("err", err.Error()))
		return false
	}
	return ok
}

// Lookup fetches the metadata record for id from the store. Used by the
// reconstruction path to recover the bound credentials on a fresh replica.
func (r *Registry) Lookup(ctx context.Context, id string) (Record, bool) {
	rec, ok, err := r.store.Get(ctx, id)
	if err != nil {
		r.log.WarnContext(ctx, "session.lookup.store_err", slog.String("session_id", id), slog.String("err", err.Error()))
		return Record{}, false
	}
	return rec, ok
}

// Delete removes the session locally and from the store. Idempotent: the
// second return is false when the id was unknown everywhere. The removed
// local session, if any, is returned so the caller can close its transport.
func (r *Registry) Delete(ctx context.Context, id string) (*Session, bool) {
	var removed *Session
	if v, ok := r.local.LoadAndDelete(id); ok {
		removed = v.(*Session)
		r.count.Add(-1)
	}

	existed, err := r.store.Delete(ctx, id)
	if err != nil {
		r.log.WarnContext(ctx, "session.delete.store_err", slog.String("session_id", id), slog.String("err", err.Error()))
	}

	if removed == nil && !existed {
		return nil, false
	}
	r.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", id))
	return removed, true
}

// Count reports how many transports this process currently holds. Local
// observability only; it says nothing about deployment-wide session count.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Mode names the backing mode of the metadata store.
func (r *Registry) Mode() string {
	return r.store.Mode()
}

// Close tears down every locally held transport and closes the store. Used
// at process shutdown.
func (r *Registry) Close() error {
	r.local.Range(func(key, value any) bool {
		s := value.(*Session)
		if s.Transport != nil {
			_ = s.Transport.Close()
		}
		r.local.Delete(key)
		r.count.Add(-1)
		return true
	})
	return r.store.Close()
}
