package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/oauth1-provider/internal/config"
	"github.com/alexjbarnes/oauth1-provider/internal/provider"
	"github.com/alexjbarnes/oauth1-provider/internal/random"
	"github.com/spf13/cobra"
)

// adminEnv is the store and service the administrative subcommands
// operate on.
type adminEnv struct {
	backend *backend
	service *provider.Service
	gen     *random.Generator
	logger  *slog.Logger
}

// openAdmin loads the configuration and opens its backend. The caller
// closes the backend. Only warnings are logged, to stderr, so command
// output stays clean.
func openAdmin(cmd *cobra.Command) (*adminEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cfg.StoreBackend == config.BackendMemory {
		return nil, errors.New("the memory store backend is only reachable from a running server")
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

	b, err := openBackend(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	gen := random.New()

	return &adminEnv{
		backend: b,
		service: provider.NewService(b.tokens, gen, provider.Config{}, logger),
		gen:     gen,
		logger:  logger,
	}, nil
}
