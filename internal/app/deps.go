package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatexport/backend/internal/auth"
	"github.com/chatexport/backend/internal/config"
	"github.com/chatexport/backend/internal/cryptox"
	"github.com/chatexport/backend/internal/db"
	"github.com/chatexport/backend/internal/export"
	"github.com/chatexport/backend/internal/handlers"
	"github.com/chatexport/backend/internal/initdata"
	"github.com/chatexport/backend/internal/metrics"
	"github.com/chatexport/backend/internal/middleware"
	"github.com/chatexport/backend/internal/repositories"
	"github.com/chatexport/backend/internal/storage"
	"github.com/chatexport/backend/internal/telegram"
)

// buildAuthDependencies wires the auth service: signed-payload verification,
// the handshake state machine, and its stores.
func buildAuthDependencies(pool db.Pool, cfg config.Config) (handlers.AuthDependencies, error) {
	cipher, err := newCipher(cfg)
	if err != nil {
		return handlers.AuthDependencies{}, err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	verifier := initdata.NewVerifier(cfg.BotToken, cfg.InitDataMaxAge)
	gateway := telegram.NewGateway(cfg.GatewayURL, cfg.GatewayTimeout).
		WithLatencyObserver(collector.RecordGatewayLatency)

	handshake := auth.NewHandshake(
		verifier,
		cipher,
		gateway,
		repositories.NewPostgresCredentialStore(pool),
		repositories.NewPostgresPendingLoginStore(pool),
		repositories.NewPostgresAccountStore(pool),
		cfg.PendingLoginTTL,
	)

	limiter := middleware.NewIPRateLimiter(int(cfg.RateLimitRPS), time.Second, cfg.RateLimitBurst, 5*time.Minute)

	return handlers.AuthDependencies{
		Handshake: handshake,
		Limiter:   limiter,
		Metrics:   collector,
		Gatherer:  metrics.Handler(registry),
	}, nil
}

// buildExportDependencies wires the worker service: credential access, the
// remote gateway, artifact storage, and the export workflow.
func buildExportDependencies(ctx context.Context, pool db.Pool, cfg config.Config) (handlers.ExportDependencies, error) {
	cipher, err := newCipher(cfg)
	if err != nil {
		return handlers.ExportDependencies{}, err
	}

	artifacts, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
	if err != nil {
		return handlers.ExportDependencies{}, err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	gateway := telegram.NewGateway(cfg.GatewayURL, cfg.GatewayTimeout).
		WithLatencyObserver(collector.RecordGatewayLatency)

	service := export.NewService(
		cipher,
		gateway,
		repositories.NewPostgresCredentialStore(pool),
		repositories.NewPostgresProgressStore(pool),
		artifacts,
		cfg.ExportLimit,
		cfg.ExportMaxLimit,
	)

	return handlers.ExportDependencies{
		Exports:  service,
		Metrics:  collector,
		Gatherer: metrics.Handler(registry),
	}, nil
}

func newCipher(cfg config.Config) (*cryptox.Cipher, error) {
	key, err := cryptox.ParseKey(cfg.EncryptionKeyB64)
	if err != nil {
		return nil, err
	}
	return cryptox.NewCipher(key)
}
