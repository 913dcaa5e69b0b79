package server

import (
	"html/template"
	"net/http"

	"openid2d/openid"
)

// DevAuthHandler is a bare-bones interactive auth handler for local
// development: it renders a form letting a developer pick the identity
// and AX attribute values to assert for the pending request, then
// resolves the flow against the engine directly. It is the concrete
// stand-in for the login UI a real deployment supplies externally.
type DevAuthHandler struct {
	Engine *openid.Engine
}

var devLoginTemplate = template.Must(template.New("devlogin").Parse(`<!DOCTYPE html>
<html>
<head><title>opidp dev login</title></head>
<body>
<h1>Who would you like to be today?</h1>
<p>{{.RPSummary}}</p>
<form action="/dev/login" method="post">
<input type="hidden" name="context" value="{{.ContextToken}}">
<label>Identity <input name="identity" value="alice" required></label>
{{range .AXTypes}}
<label>{{.}} <input name="ax_{{.}}"></label>
{{end}}
<button type="submit" name="decision" value="accept">Sign in</button>
<button type="submit" name="decision" value="reject">Cancel</button>
</form>
</body>
</html>
`))

type devLoginView struct {
	RPSummary    string
	ContextToken string
	AXTypes      []string
}

// ServeSetup implements openid.AuthHandlerFunc: it is registered as the
// engine's CheckAuth callback.
func (h *DevAuthHandler) ServeSetup(w http.ResponseWriter, r *http.Request, interactive bool, ctx openid.Context) {
	token, err := h.Engine.EncodeContext(ctx)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	view := devLoginView{
		RPSummary:    ctx.Request.Get("realm") + " wants to sign you in",
		ContextToken: token,
	}
	if ctx.AX != nil {
		for k, v := range ctx.AX.Fields {
			const prefix = "type."
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				view.AXTypes = append(view.AXTypes, v)
			}
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	devLoginTemplate.Execute(w, view)
}

// HandleLogin is the POST target of the dev login form: it decodes the
// carried Context and calls CompleteAuth or RejectAuth against it.
func (h *DevAuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	ctx, err := h.Engine.DecodeContext(r.FormValue("context"))
	if err != nil {
		http.Error(w, "expired or invalid login context", http.StatusBadRequest)
		return
	}

	if r.FormValue("decision") != "accept" {
		h.Engine.RejectAuth(w, r, ctx)
		return
	}

	identity := r.FormValue("identity")
	if identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	auth := openid.AuthResponse{Context: ctx, Identity: identity}
	if ctx.AX != nil {
		ax := make(map[string]any)
		for k, v := range ctx.AX.Fields {
			const prefix = "type."
			if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
				continue
			}
			if val := r.FormValue("ax_" + v); val != "" {
				ax[v] = val
			}
		}
		auth.AX = ax
	}
	h.Engine.CompleteAuth(w, r, auth)
}
