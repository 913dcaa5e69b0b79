package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"openid2d/openid"
)

// App bundles the configuration, the protocol engine, and whichever
// auth handlers are active, and builds the HTTP router mounting them.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Engine    *openid.Engine
	DevAuth   *DevAuthHandler
	Federated map[string]*FederatedAuthHandler
}

// NewApp wires an App from cfg. The engine's CheckAuth callback is the
// dev login form when cfg.Server.DevMode is set, and the first
// configured federated provider otherwise. The federated handlers need
// a live *openid.Engine to encode/decode Contexts, and the engine needs
// a CheckAuth function before it exists — broken via one level of
// indirection: checkAuth starts out pointing at the dev handler and is
// repointed at the chosen federated handler once it's built.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if !cfg.Server.DevMode && len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("production mode requires at least one configured provider")
	}

	devAuth := &DevAuthHandler{}
	var checkAuth openid.AuthHandlerFunc = devAuth.ServeSetup
	dispatch := func(w http.ResponseWriter, r *http.Request, interactive bool, c openid.Context) {
		checkAuth(w, r, interactive, c)
	}

	engine, err := openid.NewEngine(openid.Options{
		ProviderEndpoint:      cfg.Server.PublicURL,
		CheckAuth:             dispatch,
		AssociationExpirySecs: cfg.Server.AssociationExpirySecs,
		NonceExpirySecs:       cfg.Server.NonceExpirySecs,
	})
	if err != nil {
		return nil, fmt.Errorf("construct engine: %w", err)
	}
	devAuth.Engine = engine

	a := &App{Config: cfg, Logger: logger, Engine: engine, DevAuth: devAuth, Federated: make(map[string]*FederatedAuthHandler)}

	for _, p := range cfg.Providers {
		redirect := strings.TrimSuffix(cfg.Server.PublicURL, "/openid") + "/callback/" + p.Name
		fed, err := NewFederatedAuthHandler(ctx, engine, p, redirect, logger)
		if err != nil {
			if cfg.Server.DevMode {
				logger.Warn("federated provider init failed", "provider", p.Name, "error", err)
				continue
			}
			return nil, err
		}
		a.Federated[p.Name] = fed
	}

	if !cfg.Server.DevMode {
		var primary *FederatedAuthHandler
		for _, p := range cfg.Providers {
			if fed, ok := a.Federated[p.Name]; ok {
				primary = fed
				break
			}
		}
		if primary == nil {
			return nil, fmt.Errorf("no usable federated provider configured")
		}
		checkAuth = primary.ServeSetup
	}

	return a, nil
}
