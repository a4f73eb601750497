// Command n8n-mcp-gateway runs the HTTP gateway that exposes n8n workflow
// automation as a tool-calling protocol endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowgate/n8n-mcp-gateway/internal/config"
	"github.com/flowgate/n8n-mcp-gateway/internal/logctx"
	"github.com/flowgate/n8n-mcp-gateway/sessions"
	"github.com/flowgate/n8n-mcp-gateway/sessions/memorystore"
	"github.com/flowgate/n8n-mcp-gateway/sessions/redisstore"
	"github.com/flowgate/n8n-mcp-gateway/streaminghttp"
	"github.com/flowgate/n8n-mcp-gateway/tenant"
	"github.com/rs/cors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The backing mode is fixed at startup. A Redis URL selects the
	// distributed store; a failed connection falls back to local-only rather
	// than refusing to boot.
	store := newMetadataStore(ctx, cfg, log)

	registry := sessions.NewRegistry(store,
		sessions.WithTTL(cfg.SessionTTL),
		sessions.WithLogger(log),
	)
	defer func() {
		if err := registry.Close(); err != nil {
			log.Error("registry.close.fail", slog.String("err", err.Error()))
		}
	}()

	handler, err := streaminghttp.New(registry,
		tenant.Credentials{BaseURL: cfg.N8nAPIURL, APIKey: cfg.N8nAPIKey},
		streaminghttp.WithLogger(log),
		streaminghttp.WithBearerToken(cfg.AuthToken),
	)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{
			"Authorization", "Content-Type", "Accept",
			"Mcp-Session-Id", tenant.URLHeader, tenant.KeyHeader,
		},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           c.Handler(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "server.listen.start",
			slog.Int("port", cfg.Port),
			slog.String("mode", registry.Mode()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}

// newMetadataStore selects the session metadata store for this process.
func newMetadataStore(ctx context.Context, cfg *config.Config, log *slog.Logger) sessions.MetadataStore {
	if cfg.RedisURL == "" {
		log.InfoContext(ctx, "sessions.store.local")
		return memorystore.New()
	}
	store, err := redisstore.New(redisstore.Config{URL: cfg.RedisURL})
	if err != nil {
		log.WarnContext(ctx, "sessions.store.redis_unavailable", slog.String("err", err.Error()))
		return memorystore.New()
	}
	log.InfoContext(ctx, "sessions.store.redis")
	return store
}
