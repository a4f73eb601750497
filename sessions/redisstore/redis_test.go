package redisstore

import (
	"testing"

	"github.com/flowgate/n8n-mcp-gateway/sessions"
	"github.com/flowgate/n8n-mcp-gateway/sessions/storetest"
)

func TestRedisMetadataStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis metadata store tests: %v", err)
		return
	}
	_ = s.Close()

	storetest.RunMetadataStoreTests(t, func(t *testing.T) sessions.MetadataStore {
		ss, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		t.Cleanup(func() { _ = ss.Close() })
		return ss
	})
}
