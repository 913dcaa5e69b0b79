package openid

import (
	"net/http"
	"time"
)

// Namespace is the OpenID Authentication 2.0 namespace URI required on
// every conforming request.
const Namespace = "http://specs.openid.net/auth/2.0"

// AXNamespace is the Attribute Exchange 1.0 fetch extension namespace URI.
const AXNamespace = "http://openid.net/srv/ax/1.0"

const (
	AlgHMACSHA1   = "HMAC-SHA1"
	AlgHMACSHA256 = "HMAC-SHA256"
)

// Association is a shared MAC key negotiated (or unilaterally minted) by
// the provider, identified by an opaque handle.
type Association struct {
	Handle    string
	Algorithm string
	Secret    []byte
	Expiry    time.Time
	Private   bool
}

// Expired reports whether the association is no longer usable at t.
func (a Association) Expired(t time.Time) bool {
	return !a.Expiry.After(t)
}

// Nonce is a single-use response-nonce issued alongside a positive
// assertion and consumed at most once by check_authentication.
type Nonce struct {
	ID     string
	Expiry time.Time
}

// Expired reports whether the nonce should be treated as invalid at t.
func (n Nonce) Expired(t time.Time) bool {
	return !n.Expiry.After(t)
}

// ProtocolRequest is a parsed OpenID message: bare parameter names (the
// "openid." prefix stripped) mapped to their string values. Extension
// fields retain their dotted sub-keys, e.g. "ax2.type.email".
type ProtocolRequest map[string]string

// Get returns the value for key, or "" if absent.
func (p ProtocolRequest) Get(key string) string {
	return p[key]
}

// Has reports whether key is present with a non-empty value.
func (p ProtocolRequest) Has(key string) bool {
	return p[key] != ""
}

// NS returns the declared openid.ns value.
func (p ProtocolRequest) NS() string {
	return p["ns"]
}

// Mode returns the declared openid.mode value.
func (p ProtocolRequest) Mode() string {
	return p["mode"]
}

// Extension is an AX 1.0 fetch extension parsed out of a request or
// destined for a response, keyed by the RP-chosen namespace alias.
type Extension struct {
	Alias  string
	Fields map[string]string
}

// Context is the opaque handle threaded through an auth-handler round
// trip. The engine builds it before invoking the auth handler and expects
// it back, unchanged, at CompleteAuth/RejectAuth time. The engine itself
// never persists a Context; see Engine.EncodeContext for a way to carry
// one across requests without server-side state.
type Context struct {
	Interactive bool
	Request     ProtocolRequest
	AX          *Extension
}

// AuthResponse is what an auth handler supplies to CompleteAuth once it
// has authenticated the end user.
type AuthResponse struct {
	Context  Context
	Identity string
	AX       map[string]any
}

// AuthHandlerFunc authenticates the end user for a checkid_setup or
// checkid_immediate request. It is responsible for eventually calling
// Engine.CompleteAuth or Engine.RejectAuth with the supplied Context; the
// engine does not time it out and writes nothing to w itself once control
// has transferred here.
type AuthHandlerFunc func(w http.ResponseWriter, r *http.Request, interactive bool, ctx Context)
