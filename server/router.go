package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router mounting the OpenID 2.0 engine at
// /openid plus whatever auth-handler routes are active.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.InferCORSOrigins()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(31536000))
	}

	// The engine expects r.URL.Path relative to its mount point, so the
	// /openid prefix is stripped before control reaches it.
	r.Mount("/openid", http.StripPrefix("/openid", http.HandlerFunc(a.handleEngine)))

	if a.Config.Server.DevMode {
		r.Post("/dev/login", a.DevAuth.HandleLogin)
	}
	for name, fed := range a.Federated {
		r.Get("/callback/"+name, fed.Callback)
	}

	return r
}

func (a *App) handleEngine(w http.ResponseWriter, r *http.Request) {
	a.Engine.Handle(w, r, http.NotFoundHandler())
}
