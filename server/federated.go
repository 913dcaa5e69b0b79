package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"openid2d/openid"
)

// FederatedAuthHandler authenticates the end user against a single
// upstream OIDC identity provider before resolving the pending OpenID
// 2.0 checkid_setup/checkid_immediate request: it is the reference
// implementation of the pluggable auth-handler contract for deployments
// that want to delegate login rather than prompt locally.
type FederatedAuthHandler struct {
	Engine      *openid.Engine
	Name        string
	OAuthConfig *oauth2.Config
	Verifier    *oidc.IDTokenVerifier
	Logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingFederatedLogin
}

type pendingFederatedLogin struct {
	contextToken string
	oidcNonce    string
}

// NewFederatedAuthHandler discovers upstream via cfg.Issuer and builds
// the OAuth2 config needed to run an authorization-code flow against it.
func NewFederatedAuthHandler(ctx context.Context, engine *openid.Engine, cfg ProviderConfig, redirectURL string, logger *slog.Logger) (*FederatedAuthHandler, error) {
	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", cfg.Name, err)
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     op.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
	verifier := op.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return &FederatedAuthHandler{
		Engine:      engine,
		Name:        cfg.Name,
		OAuthConfig: oauthCfg,
		Verifier:    verifier,
		Logger:      logger,
		pending:     make(map[string]pendingFederatedLogin),
	}, nil
}

// ServeSetup implements openid.AuthHandlerFunc: it redirects the browser
// to the upstream provider, parking the engine's Context under a random
// state token until Callback resumes it. A parked entry has no expiry; it
// is removed only when Callback consumes its state.
func (h *FederatedAuthHandler) ServeSetup(w http.ResponseWriter, r *http.Request, interactive bool, ctx openid.Context) {
	contextToken, err := h.Engine.EncodeContext(ctx)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	state, err := randomToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	nonce, err := randomToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	h.pending[state] = pendingFederatedLogin{contextToken: contextToken, oidcNonce: nonce}
	h.mu.Unlock()

	dest := h.OAuthConfig.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
	http.Redirect(w, r, dest, http.StatusFound)
}

// Callback is the upstream provider's redirect target: it completes the
// code exchange, verifies the ID token, and resumes the parked OpenID
// 2.0 flow via CompleteAuth.
func (h *FederatedAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	h.mu.Lock()
	pending, ok := h.pending[state]
	if ok {
		delete(h.pending, state)
	}
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown or expired login state", http.StatusBadRequest)
		return
	}

	ctx, err := h.Engine.DecodeContext(pending.contextToken)
	if err != nil {
		http.Error(w, "expired login context", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.Engine.RejectAuth(w, r, ctx)
		return
	}

	tok, err := h.OAuthConfig.Exchange(r.Context(), code)
	if err != nil {
		h.Logger.Warn("federated code exchange failed", "provider", h.Name, "error", err)
		h.Engine.RejectAuth(w, r, ctx)
		return
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		h.Engine.RejectAuth(w, r, ctx)
		return
	}
	idToken, err := h.Verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		h.Logger.Warn("federated id_token verification failed", "provider", h.Name, "error", err)
		h.Engine.RejectAuth(w, r, ctx)
		return
	}
	if idToken.Nonce != pending.oidcNonce {
		h.Engine.RejectAuth(w, r, ctx)
		return
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		h.Engine.RejectAuth(w, r, ctx)
		return
	}

	auth := openid.AuthResponse{Context: ctx, Identity: idToken.Subject}
	if ctx.AX != nil {
		auth.AX = claimsToAX(claims)
	}
	h.Engine.CompleteAuth(w, r, auth)
}

// claimsToAX maps the handful of upstream claims this reference handler
// knows how to translate into AX attribute type URIs.
func claimsToAX(claims map[string]any) map[string]any {
	ax := make(map[string]any)
	if v, ok := claims["email"].(string); ok {
		ax["http://axschema.org/contact/email"] = v
	}
	if v, ok := claims["given_name"].(string); ok {
		ax["http://axschema.org/namePerson/first"] = v
	}
	if v, ok := claims["family_name"].(string); ok {
		ax["http://axschema.org/namePerson/last"] = v
	}
	return ax
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
