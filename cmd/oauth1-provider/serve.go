package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/oauth1-provider/internal/auth"
	"github.com/alexjbarnes/oauth1-provider/internal/config"
	"github.com/alexjbarnes/oauth1-provider/internal/consumer"
	"github.com/alexjbarnes/oauth1-provider/internal/identity"
	"github.com/alexjbarnes/oauth1-provider/internal/logging"
	"github.com/alexjbarnes/oauth1-provider/internal/metrics"
	"github.com/alexjbarnes/oauth1-provider/internal/oauth1"
	"github.com/alexjbarnes/oauth1-provider/internal/provider"
	"github.com/alexjbarnes/oauth1-provider/internal/random"
	"github.com/alexjbarnes/oauth1-provider/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the OAuth endpoints",
		Long: `Starts the request-token, authorize and access-token endpoints, the
/whoami protected resource, /metrics and /healthz.

Expired tokens are swept every SWEEP_INTERVAL and CONSUMERS_FILE, when
set, is synced into the registry at startup and whenever it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logging.NewLogger(cfg.Environment, cfg.LogLevel))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer b.Close()

	hashes, err := cfg.ParseAuthUsers()
	if err != nil {
		return fmt.Errorf("parsing auth users: %w", err)
	}

	users, err := identity.NewUsers(hashes)
	if err != nil {
		return fmt.Errorf("loading auth users: %w", err)
	}

	if cfg.ConsumersFile != "" {
		consumers, err := consumer.LoadFile(cfg.ConsumersFile)
		if err != nil {
			return err
		}

		if err := consumer.Sync(ctx, b.consumers, consumers, logger); err != nil {
			return err
		}
	}

	m := metrics.New()

	validatorOpts := []oauth1.ValidatorOption{oauth1.WithTimestampWindow(cfg.TimestampWindow)}
	if b.nonces != nil {
		validatorOpts = append(validatorOpts, oauth1.WithNonceStore(b.nonces))
	}
	validator := oauth1.NewValidator(validatorOpts...)

	svc := provider.NewService(b.tokens, random.New(), provider.Config{
		RequestTokenTTL: cfg.RequestTokenTTL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		Metrics:         m,
	}, logger)

	endpoints := auth.NewEndpoints(cfg.BasePath)

	authenticator := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Security:  identity.Static(cfg.SecurityEnabled),
		Tokens:    b.tokens,
		Consumers: b.consumers,
		Validator: validator,
		Directory: users,
		Endpoints: endpoints,
		ServerURL: cfg.ServerURL,
		Logger:    logger,
		Metrics:   m,
	})

	handlers := auth.NewHandlers(auth.HandlersConfig{
		Service:   svc,
		Consumers: b.consumers,
		Validator: validator,
		Users:     users,
		ServerURL: cfg.ServerURL,
		Realm:     cfg.Realm,
		Logger:    logger,
		Metrics:   m,
	})

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Handlers:      handlers,
			Authenticator: authenticator,
			Endpoints:     endpoints,
			Realm:         cfg.Realm,
			Metrics:       m,
			Logger:        logger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("server_url", cfg.ServerURL),
			slog.String("base_path", cfg.BasePath),
			slog.String("store", cfg.StoreBackend),
			slog.Bool("security_enabled", cfg.SecurityEnabled),
			slog.Int("users", len(hashes)),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			return ignoreCanceled(svc.RunSweeper(gctx, cfg.SweepInterval))
		})
	}

	if cfg.ConsumersFile != "" {
		g.Go(func() error {
			return ignoreCanceled(consumer.Watch(gctx, cfg.ConsumersFile, b.consumers, logger))
		})
	}

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
