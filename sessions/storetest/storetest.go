// Package storetest runs a common conformance suite against any
// MetadataStore implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/flowgate/n8n-mcp-gateway/sessions"
	"github.com/flowgate/n8n-mcp-gateway/tenant"
)

// Factory builds a fresh store for one test.
type Factory func(t *testing.T) sessions.MetadataStore

// RunMetadataStoreTests exercises the MetadataStore contract.
func RunMetadataStoreTests(t *testing.T, factory Factory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		rec := sessions.Record{
			SessionID:   "sess-roundtrip",
			Credentials: tenant.Credentials{BaseURL: "https://n8n.example.com", APIKey: "key-1"},
			ExpiresAt:   time.Now().UTC().Add(time.Hour),
		}
		if err := store.Put(ctx, rec, time.Hour); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, ok, err := store.Get(ctx, "sess-roundtrip")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !ok {
			t.Fatal("record not found after Put")
		}
		if got.Credentials != rec.Credentials {
			t.Errorf("credentials = %+v, want %+v", got.Credentials, rec.Credentials)
		}
	})

	t.Run("GetMissingIsNotAnError", func(t *testing.T) {
		store := factory(t)

		_, ok, err := store.Get(context.Background(), "sess-unknown")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			t.Fatal("unexpected hit for unknown id")
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		rec := sessions.Record{
			SessionID:   "sess-delete",
			Credentials: tenant.Credentials{BaseURL: "https://n8n.example.com", APIKey: "key-1"},
			ExpiresAt:   time.Now().UTC().Add(time.Hour),
		}
		if err := store.Put(ctx, rec, time.Hour); err != nil {
			t.Fatalf("Put: %v", err)
		}

		existed, err := store.Delete(ctx, "sess-delete")
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if !existed {
			t.Fatal("first Delete reported no record")
		}

		existed, err = store.Delete(ctx, "sess-delete")
		if err != nil {
			t.Fatalf("second Delete: %v", err)
		}
		if existed {
			t.Fatal("second Delete reported a record")
		}

		_, ok, err := store.Get(ctx, "sess-delete")
		if err != nil {
			t.Fatalf("Get after delete: %v", err)
		}
		if ok {
			t.Fatal("record visible after delete")
		}
	})

	t.Run("TTLExpiryHidesRecord", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		rec := sessions.Record{
			SessionID:   "sess-expiring",
			Credentials: tenant.Credentials{BaseURL: "https://n8n.example.com", APIKey: "key-1"},
			ExpiresAt:   time.Now().UTC().Add(50 * time.Millisecond),
		}
		if err := store.Put(ctx, rec, 50*time.Millisecond); err != nil {
			t.Fatalf("Put: %v", err)
		}

		time.Sleep(150 * time.Millisecond)

		_, ok, err := store.Get(ctx, "sess-expiring")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			t.Fatal("expired record still visible")
		}
	})
}
