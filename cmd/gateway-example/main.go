// Command gateway-example embeds the gateway as a library: one stdio backend,
// an in-memory ledger, and a fixed bearer token, without a config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpgate/pkg/auth"
	"github.com/vikashloomba/mcpgate/pkg/dispatch"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
	mcpgateway "github.com/vikashloomba/mcpgate/pkg/mcp-gateway"
	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
	"github.com/vikashloomba/mcpgate/pkg/registry"
	"github.com/vikashloomba/mcpgate/pkg/session"
)

func main() {
	token := os.Getenv("GATEWAY_EXAMPLE_TOKEN")
	if token == "" {
		token = "example-token"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	manager := mcpmgr.NewManager(map[string]mcpmgr.ServerConfig{
		"everything": &mcpmgr.StdioServerConfig{
			BaseServerConfig: mcpmgr.BaseServerConfig{Timeout: 15 * time.Second},
			Command:          "npx",
			Args:             []string{"@modelcontextprotocol/server-everything"},
		},
	}, &mcpmgr.ManagerOptions{DefaultClientName: "gateway-example", Logger: logger})
	defer manager.Shutdown(context.Background())
	for _, out := range manager.ConnectAll(ctx) {
		if out.Err != nil {
			log.Fatalf("connect %s: %v", out.Server, out.Err)
		}
	}

	store := ledger.NewMemoryStore()
	acct, err := store.CreateAccount(ctx, "example", ledger.FromCredits(5))
	if err != nil {
		log.Fatalf("create account: %v", err)
	}
	authn := auth.AuthenticatorFunc(func(_ context.Context, got string) (auth.Identity, error) {
		if got != token {
			return auth.Identity{}, auth.ErrUnauthenticated
		}
		return auth.Identity{AccountID: acct.ID, Name: acct.Name, Method: auth.MethodAPIKey}, nil
	})

	reg := registry.Build(manager, registry.WithLogger(logger))
	binder := session.NewBinder()
	disp, err := dispatch.New(dispatch.Deps{
		Tools:    reg,
		Sessions: binder,
		Backends: manager,
		Ledger:   store,
		Pricing:  dispatch.PriceTable{"everything": {dispatch.DefaultPriceKey: ledger.FromCredits(0.01)}},
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("build dispatcher: %v", err)
	}

	gateway, err := mcpgateway.NewGateway(mcpgateway.Deps{
		Manager:       manager,
		Registry:      reg,
		Dispatcher:    disp,
		Binder:        binder,
		Ledger:        store,
		Authenticator: authn,
	}, &mcpgateway.Options{
		Implementation:  &mcp.Implementation{Name: "gateway-example", Version: "v0.0.1"},
		Addr:            ":8787",
		Logger:          logger,
		AllowSelfCredit: true,
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	opts := gateway.Options()
	fmt.Printf("serving %d tools on http://localhost%s%s (Authorization: Bearer %s)\n", reg.Len(), opts.Addr, opts.Path, token)
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway server stopped: %v", err)
	}
}
