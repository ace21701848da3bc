package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcpgate/pkg/auth"
	"github.com/vikashloomba/mcpgate/pkg/config"
	"github.com/vikashloomba/mcpgate/pkg/dispatch"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
	mcpgateway "github.com/vikashloomba/mcpgate/pkg/mcp-gateway"
	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
	"github.com/vikashloomba/mcpgate/pkg/ratelimit"
	"github.com/vikashloomba/mcpgate/pkg/registry"
	"github.com/vikashloomba/mcpgate/pkg/session"
	"github.com/vikashloomba/mcpgate/pkg/telemetry"
)

const bootstrapAccount = "demo"

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect every backend and serve the gateway endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	store, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("ledger close", "error", err)
		}
	}()
	if err := releaseStrandedHolds(ctx, store, logger); err != nil {
		return err
	}
	if err := bootstrap(ctx, store, cfg, logger); err != nil {
		return err
	}

	manager := mcpmgr.NewManager(cfg.ServerConfigs(), &mcpmgr.ManagerOptions{
		DefaultClientName:    cfg.Platform.Name,
		DefaultClientVersion: version,
		Dialer:               a.dialer,
		Logger:               logger,
	})
	defer manager.Shutdown(context.WithoutCancel(ctx))
	for _, out := range manager.ConnectAll(ctx) {
		if out.Err != nil {
			logger.Warn("backend unavailable", "server", out.Server, "error", out.Err)
		}
	}

	reg := registry.Build(manager, registry.WithLogger(logger))
	binder := session.NewBinder()
	limiter := ratelimit.NewWindowLimiter(store, cfg.RateLimit)
	defer limiter.Close()

	disp, err := dispatch.New(dispatch.Deps{
		Tools:    reg,
		Sessions: binder,
		Backends: manager,
		Ledger:   store,
		Limiter:  limiter,
		Pricing:  cfg.Pricing(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	authn, closeAuth, err := newAuthenticator(cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeAuth()

	gateway, err := mcpgateway.NewGateway(mcpgateway.Deps{
		Manager:       manager,
		Registry:      reg,
		Dispatcher:    disp,
		Binder:        binder,
		Ledger:        store,
		Authenticator: authn,
	}, &mcpgateway.Options{
		Implementation:  &mcp.Implementation{Name: cfg.Platform.Name, Version: version},
		Addr:            cfg.Platform.Addr,
		Path:            cfg.Platform.Path,
		Logger:          logger,
		ShutdownTimeout: cfg.Platform.ShutdownTimeout.Std(),
		Currency:        cfg.Billing.Currency,
		AllowSelfCredit: cfg.Billing.AllowSelfCredit,
		AdminToken:      cfg.Admin.Token,
		CORSOrigins:     cfg.Admin.CORSOrigins,
	})
	if err != nil {
		return err
	}
	// Runs before the manager and the ledger close so in-flight calls can
	// finish their ledger writes.
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gateway.Options().ShutdownTimeout)
		defer cancel()
		if err := disp.Drain(drainCtx); err != nil {
			logger.Warn("dispatcher drain incomplete; holds are released on next start", "error", err)
		}
	}()

	logger.Info("listening", "addr", cfg.Platform.Addr, "path", cfg.Platform.Path)
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// releaseStrandedHolds drops reservations left behind by a previous process
// that stopped between reserving and settling a call.
func releaseStrandedHolds(ctx context.Context, store ledger.Store, logger *slog.Logger) error {
	n, err := store.ReleaseAllHolds(ctx)
	if err != nil {
		return fmt.Errorf("release stranded holds: %w", err)
	}
	if n > 0 {
		logger.Warn("released stranded reservations", "accounts", n)
	}
	return nil
}

// bootstrap seeds an empty ledger with one account and key so a fresh
// install can be called immediately.
func bootstrap(ctx context.Context, store ledger.Store, cfg *config.Config, logger *slog.Logger) error {
	n, err := store.CountAccounts(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if n > 0 {
		return nil
	}
	acct, err := store.CreateAccount(ctx, bootstrapAccount, cfg.DefaultCredits())
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	key, _, err := auth.IssueAPIKey(ctx, store, acct.ID, "bootstrap")
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	logger.Warn("created bootstrap account; the key is not shown again",
		"account", acct.ID,
		"name", acct.Name,
		"credits", cfg.DefaultCredits(),
		"api_key", key)
	return nil
}

// newAuthenticator builds the verifier chain for auth.type. The returned func
// releases the API key cache.
func newAuthenticator(cfg *config.Config, store ledger.Store, logger *slog.Logger) (auth.Authenticator, func(), error) {
	var (
		chain   []auth.Authenticator
		closeFn = func() {}
	)
	if cfg.Auth.Type == config.AuthAPIKey || cfg.Auth.Type == config.AuthBoth {
		keys := auth.NewAPIKeyAuthenticator(store, &auth.APIKeyOptions{
			CacheTTL: cfg.Auth.CacheTTL.Std(),
			Logger:   logger,
		})
		chain = append(chain, keys)
		closeFn = keys.Close
	}
	if cfg.Auth.Type == config.AuthJWT || cfg.Auth.Type == config.AuthBoth {
		jwtMgr, err := auth.NewJWTManager(cfg.Auth.JWTPrivateKey, cfg.Auth.JWTPublicKey, cfg.Auth.JWTTTL.Std())
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		chain = append(chain, jwtMgr)
	}
	return auth.Chain(chain...), closeFn, nil
}
