package main

import (
	"context"
	"fmt"

	"github.com/resumai/resumai/internal/config"
	"github.com/resumai/resumai/internal/generation"
	"go.uber.org/zap"
)

// newBackend connects the configured generation provider.
func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (generation.Backend, error) {
	switch cfg.Generation.Provider {
	case config.ProviderGemini:
		backend, err := generation.NewGeminiBackend(ctx, cfg.Generation.APIKey, cfg.Generation.Model, logger)
		if err != nil {
			return nil, fmt.Errorf("connect gemini: %w", err)
		}
		return backend, nil
	case config.ProviderGRPC:
		backend, err := generation.NewGRPCBackend(generation.DefaultGRPCConfig(cfg.Generation.GRPCAddr), logger)
		if err != nil {
			return nil, fmt.Errorf("connect generation service at %s: %w", cfg.Generation.GRPCAddr, err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Generation.Provider)
	}
}
