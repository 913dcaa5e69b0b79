package openid

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Engine is the OpenID Authentication 2.0 Provider protocol engine. It
// owns no listener; a host mounts Handle behind an HTTP route and later
// resumes a suspended checkid_setup/checkid_immediate flow by calling
// CompleteAuth or RejectAuth once the end user has been authenticated.
type Engine struct {
	endpoint      string
	assocStore    AssociationStore
	nonceStore    NonceStore
	checkAuth     AuthHandlerFunc
	assocExpiry   time.Duration
	nonceExpiry   time.Duration
	contextSecret []byte
}

// NewEngine constructs an Engine from Options, applying defaults for
// anything the caller left zero.
func NewEngine(opts Options) (*Engine, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Engine{
		endpoint:      opts.ProviderEndpoint,
		assocStore:    opts.AssociationStore,
		nonceStore:    opts.NonceStore,
		checkAuth:     opts.CheckAuth,
		assocExpiry:   time.Duration(opts.AssociationExpirySecs) * time.Second,
		nonceExpiry:   time.Duration(opts.NonceExpirySecs) * time.Second,
		contextSecret: opts.ContextSecret,
	}, nil
}

// Handle is the engine's main HTTP entry point. r is expected to already
// be relative to the engine's mount point (the host strips its mount
// prefix before calling in, the way a chi sub-router or http.StripPrefix
// would). next is invoked for any request the engine declines: a
// non-root path, a root request whose method is neither GET nor POST, or
// a root POST carrying no recognized openid.ns. A root GET without a
// recognized openid.ns is answered as a discovery request.
func (e *Engine) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if p := r.URL.Path; p != "" && p != "/" {
		next.ServeHTTP(w, r)
		return
	}

	var req ProtocolRequest
	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeInternalError(w, fmt.Errorf("openid: read request body: %w", err))
			return
		}
		req = FromBody(body, r.Header.Get("Content-Type"))
	case http.MethodGet:
		req = FromQuery(r.URL.Query())
	default:
		next.ServeHTTP(w, r)
		return
	}

	if req.NS() != Namespace {
		if r.Method == http.MethodGet {
			e.handleDiscovery(w, r, req)
			return
		}
		next.ServeHTTP(w, r)
		return
	}

	switch req.Mode() {
	case "associate":
		e.handleAssociate(w, r, req)
	case "check_authentication":
		e.handleCheckAuthentication(w, r, req)
	case "checkid_setup":
		e.handleCheckID(w, r, req, true)
	case "checkid_immediate":
		e.handleCheckID(w, r, req, false)
	default:
		writeDirectError(w, &protocolError{kind: "protocol-format", msg: "missing or unsupported openid.mode"})
	}
}

func (e *Engine) handleDiscovery(w http.ResponseWriter, r *http.Request, _ ProtocolRequest) {
	writeDiscovery(w, r, e.endpoint, r.URL.Query().Get("u"))
}

// handleAssociate implements §4.6.2: establish a shared association via
// either a plaintext (TLS-only) exchange or Diffie-Hellman key agreement.
func (e *Engine) handleAssociate(w http.ResponseWriter, r *http.Request, req ProtocolRequest) {
	sessionType := req.Get("session_type")
	if sessionType == "" {
		sessionType = "no-encryption"
	}
	assocType := req.Get("assoc_type")
	if assocType == "" {
		assocType = AlgHMACSHA1
	}

	switch sessionType {
	case "no-encryption":
		e.associateNoEncryption(w, r, assocType)
	case "DH-SHA1", "DH-SHA256":
		wantAlg := AlgHMACSHA1
		if sessionType == "DH-SHA256" {
			wantAlg = AlgHMACSHA256
		}
		if assocType != wantAlg {
			writeDirectError(w, unsupportedTypeError(
				fmt.Sprintf("assoc_type %q incompatible with session_type %q", assocType, sessionType),
				"DH-SHA256", AlgHMACSHA256))
			return
		}
		e.associateDH(w, r, req, wantAlg)
	default:
		writeDirectError(w, unsupportedTypeError(
			fmt.Sprintf("unsupported session_type %q", sessionType), "DH-SHA256", AlgHMACSHA256))
	}
}

func (e *Engine) associateNoEncryption(w http.ResponseWriter, r *http.Request, assocType string) {
	if assocType != AlgHMACSHA1 && assocType != AlgHMACSHA256 {
		writeDirectError(w, unsupportedTypeError(
			fmt.Sprintf("unsupported assoc_type %q", assocType), "DH-SHA256", AlgHMACSHA256))
		return
	}
	if r.TLS == nil {
		writeDirectError(w, unsupportedTypeError(
			"no-encryption session_type requires TLS", "DH-SHA256", AlgHMACSHA256))
		return
	}
	macKey, err := randomMACKey(assocType)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	handle, err := NewHandle()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	assoc := Association{
		Handle:    handle,
		Algorithm: assocType,
		Secret:    macKey,
		Expiry:    time.Now().Add(e.assocExpiry),
	}
	if err := e.assocStore.Put(r.Context(), assoc); err != nil {
		writeInternalError(w, err)
		return
	}
	e.writeAssociateResponse(w, map[string]string{
		"ns":           Namespace,
		"assoc_handle": handle,
		"session_type": "no-encryption",
		"assoc_type":   assocType,
		"expires_in":   fmt.Sprintf("%d", int(e.assocExpiry.Seconds())),
		"mac_key":      base64.StdEncoding.EncodeToString(macKey),
	})
}

func (e *Engine) associateDH(w http.ResponseWriter, r *http.Request, req ProtocolRequest, assocType string) {
	modulus := defaultDHModulus
	if m := req.Get("dh_modulus"); m != "" {
		parsed, err := decodeBase64BigInt(m)
		if err != nil {
			writeDirectError(w, unsupportedTypeError(err.Error(), "DH-SHA256", AlgHMACSHA256))
			return
		}
		modulus = parsed
	}
	generator := defaultDHGenerator
	if g := req.Get("dh_gen"); g != "" {
		parsed, err := decodeBase64BigInt(g)
		if err != nil {
			writeDirectError(w, unsupportedTypeError(err.Error(), "DH-SHA256", AlgHMACSHA256))
			return
		}
		generator = parsed
	}
	pubStr := req.Get("dh_consumer_public")
	if pubStr == "" {
		writeDirectError(w, unsupportedTypeError("missing dh_consumer_public", "DH-SHA256", AlgHMACSHA256))
		return
	}
	theirPublic, err := decodeBase64BigInt(pubStr)
	if err != nil {
		writeDirectError(w, unsupportedTypeError(err.Error(), "DH-SHA256", AlgHMACSHA256))
		return
	}

	kp, err := generateDHKeyPair(modulus, generator)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	shared := dhSharedSecret(theirPublic, kp.private, modulus)

	macKey, err := randomMACKey(assocType)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	encMacKey, err := sealMACKey(assocType, shared, macKey)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	handle, err := NewHandle()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	assoc := Association{
		Handle:    handle,
		Algorithm: assocType,
		Secret:    macKey,
		Expiry:    time.Now().Add(e.assocExpiry),
	}
	if err := e.assocStore.Put(r.Context(), assoc); err != nil {
		writeInternalError(w, err)
		return
	}

	sessionType := "DH-SHA1"
	if assocType == AlgHMACSHA256 {
		sessionType = "DH-SHA256"
	}
	e.writeAssociateResponse(w, map[string]string{
		"ns":               Namespace,
		"assoc_handle":     handle,
		"session_type":     sessionType,
		"assoc_type":       assocType,
		"expires_in":       fmt.Sprintf("%d", int(e.assocExpiry.Seconds())),
		"dh_server_public": base64.StdEncoding.EncodeToString(btwocInt(kp.public)),
		"enc_mac_key":      base64.StdEncoding.EncodeToString(encMacKey),
	})
}

func (e *Engine) writeAssociateResponse(w http.ResponseWriter, fields map[string]string) {
	body, _ := ToForm(fields, nil)
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(body))
}

// handleCheckID implements §4.6.3: validate realm/return_to and the AX
// request, then transfer control to the configured auth handler.
func (e *Engine) handleCheckID(w http.ResponseWriter, r *http.Request, req ProtocolRequest, interactive bool) {
	returnTo := req.Get("return_to")
	realm := req.Get("realm")
	if returnTo == "" && realm == "" {
		writeDirectError(w, &protocolError{kind: "protocol-format", msg: "checkid request requires return_to or realm"})
		return
	}
	effectiveRealm := realm
	if effectiveRealm == "" {
		effectiveRealm = returnTo
	}
	if err := ValidateRealm(effectiveRealm, returnTo); err != nil {
		writeIndirectError(w, r, returnTo, err.Error())
		return
	}

	ext, err := ParseAXFetchRequest(req)
	if err != nil {
		writeIndirectError(w, r, returnTo, err.Error())
		return
	}

	ctx := Context{Interactive: interactive, Request: req, AX: ext}
	e.checkAuth(w, r, interactive, ctx)
}

// RejectAuth implements §4.6.4's cancellation path: the end user
// declined, or an immediate request needs an interactive setup.
func (e *Engine) RejectAuth(w http.ResponseWriter, r *http.Request, ctx Context) error {
	returnTo := ctx.Request.Get("return_to")
	if returnTo == "" {
		err := &protocolError{kind: "validation", msg: "checkid context has no return_to"}
		writeDirectError(w, err)
		return err
	}
	mode := "setup_needed"
	if ctx.Interactive {
		mode = "cancel"
	}
	dest, err := ToQuery(returnTo, map[string]string{"ns": Namespace, "mode": mode})
	if err != nil {
		writeInternalError(w, err)
		return err
	}
	http.Redirect(w, r, dest, http.StatusFound)
	return nil
}

// CompleteAuth implements §4.6.4's success path: assemble, sign, and
// redirect a positive assertion back to return_to.
func (e *Engine) CompleteAuth(w http.ResponseWriter, r *http.Request, auth AuthResponse) error {
	req := auth.Context.Request
	returnTo := req.Get("return_to")
	if returnTo == "" {
		err := &protocolError{kind: "validation", msg: "checkid context has no return_to"}
		writeDirectError(w, err)
		return err
	}

	identityURL := e.endpoint + "?u=" + url.QueryEscape(auth.Identity)
	nonceID, err := NewResponseNonce(time.Now())
	if err != nil {
		writeInternalError(w, err)
		return err
	}

	fields := map[string]string{
		"ns":             Namespace,
		"mode":           "id_res",
		"op_endpoint":    e.endpoint,
		"claimed_id":     identityURL,
		"identity":       identityURL,
		"return_to":      returnTo,
		"response_nonce": nonceID,
	}

	var axFields map[string]string
	if auth.Context.AX != nil && auth.AX != nil {
		axFields = BuildAXResponse(auth.Context.AX, auth.AX)
		for k, v := range axFields {
			fields[k] = v
		}
	}

	assoc, invalidateHandle, err := e.resolveAssociation(r.Context(), req.Get("assoc_handle"))
	if err != nil {
		writeInternalError(w, err)
		return err
	}
	fields["assoc_handle"] = assoc.Handle
	if invalidateHandle != "" {
		fields["invalidate_handle"] = invalidateHandle
	}

	signedFields := assertionSignedFields(fields, axFields)
	body, signedFields := ToForm(fields, signedFields)
	sig, err := hmacSign(assoc.Algorithm, assoc.Secret, []byte(body))
	if err != nil {
		writeInternalError(w, err)
		return err
	}
	fields["sig"] = base64.StdEncoding.EncodeToString(sig)
	fields["signed"] = strings.Join(signedFields, ",")

	if err := e.nonceStore.Put(r.Context(), Nonce{ID: nonceID, Expiry: time.Now().Add(e.nonceExpiry)}); err != nil {
		writeInternalError(w, err)
		return err
	}

	dest, err := ToQuery(returnTo, fields)
	if err != nil {
		writeInternalError(w, err)
		return err
	}
	http.Redirect(w, r, dest, http.StatusFound)
	return nil
}

// assertionSignedFields returns the canonical, deterministic ordered
// list of fields to sign: the fixed base assertion fields present in
// fields, followed by any AX fields in sorted order. ns, sig, signed,
// and invalidate_handle are never signed.
func assertionSignedFields(fields map[string]string, axFields map[string]string) []string {
	base := []string{"assoc_handle", "claimed_id", "identity", "mode", "op_endpoint", "response_nonce", "return_to"}
	out := make([]string, 0, len(base)+len(axFields))
	for _, k := range base {
		if _, ok := fields[k]; ok {
			out = append(out, k)
		}
	}
	axKeys := make([]string, 0, len(axFields))
	for k := range axFields {
		axKeys = append(axKeys, k)
	}
	sort.Strings(axKeys)
	return append(out, axKeys...)
}

// resolveAssociation implements §4.6.4.1.
func (e *Engine) resolveAssociation(ctx context.Context, handle string) (Association, string, error) {
	var invalidateHandle string
	if handle != "" {
		existing, err := e.assocStore.Get(ctx, handle)
		if err != nil {
			return Association{}, "", err
		}
		if existing != nil {
			if !existing.Expired(time.Now()) {
				return *existing, "", nil
			}
			if err := e.assocStore.Delete(ctx, handle); err != nil {
				return Association{}, "", err
			}
		}
		invalidateHandle = handle
	}

	newHandle, err := NewHandle()
	if err != nil {
		return Association{}, "", err
	}
	macKey, err := randomMACKey(AlgHMACSHA256)
	if err != nil {
		return Association{}, "", err
	}
	priv := Association{
		Handle:    newHandle,
		Algorithm: AlgHMACSHA256,
		Secret:    macKey,
		Expiry:    time.Now().Add(e.assocExpiry),
		Private:   true,
	}
	if err := e.assocStore.Put(ctx, priv); err != nil {
		return Association{}, "", err
	}
	return priv, invalidateHandle, nil
}

// handleCheckAuthentication implements §4.6.5.
func (e *Engine) handleCheckAuthentication(w http.ResponseWriter, r *http.Request, req ProtocolRequest) {
	assocHandle := req.Get("assoc_handle")
	nonceID := req.Get("response_nonce")
	if assocHandle == "" || nonceID == "" {
		writeCheckAuthResult(w, false)
		return
	}

	n, err := e.nonceStore.GetAndDelete(r.Context(), nonceID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if n == nil || n.Expired(time.Now()) {
		writeCheckAuthResult(w, false)
		return
	}

	assoc, err := e.assocStore.Get(r.Context(), assocHandle)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if assoc == nil || !assoc.Private {
		writeCheckAuthResult(w, false)
		return
	}
	if assoc.Expired(time.Now()) {
		if err := e.assocStore.Delete(r.Context(), assocHandle); err != nil {
			writeInternalError(w, err)
			return
		}
		writeCheckAuthResult(w, false)
		return
	}

	signedCSV := req.Get("signed")
	if signedCSV == "" {
		writeCheckAuthResult(w, false)
		return
	}
	signedFields := strings.Split(signedCSV, ",")
	fields := make(map[string]string, len(signedFields))
	for _, k := range signedFields {
		if k == "mode" {
			fields[k] = "id_res"
		} else {
			fields[k] = req.Get(k)
		}
	}
	body, _ := ToForm(fields, signedFields)

	sig, err := base64.StdEncoding.DecodeString(req.Get("sig"))
	if err != nil {
		writeCheckAuthResult(w, false)
		return
	}
	ok, err := hmacVerify(assoc.Algorithm, assoc.Secret, []byte(body), sig)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeCheckAuthResult(w, ok)
}

func writeCheckAuthResult(w http.ResponseWriter, valid bool) {
	v := "false"
	if valid {
		v = "true"
	}
	body, _ := ToForm(map[string]string{"ns": Namespace, "is_valid": v}, nil)
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(body))
}

// contextClaims is the JWT payload carrying a Context across the
// handoff to an external auth handler and back, so the engine itself
// never has to hold the Context in server-side state.
type contextClaims struct {
	Interactive bool              `json:"interactive"`
	Request     ProtocolRequest   `json:"request"`
	AXAlias     string            `json:"ax_alias,omitempty"`
	AXFields    map[string]string `json:"ax_fields,omitempty"`
	jwt.RegisteredClaims
}

// EncodeContext signs ctx into a compact, opaque token a host can carry
// in a query parameter, hidden form field, or cookie across whatever
// request sequence its interactive login flow needs.
func (e *Engine) EncodeContext(ctx Context) (string, error) {
	claims := contextClaims{Interactive: ctx.Interactive, Request: ctx.Request}
	if ctx.AX != nil {
		claims.AXAlias = ctx.AX.Alias
		claims.AXFields = ctx.AX.Fields
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(e.contextSecret)
}

// DecodeContext reverses EncodeContext, verifying the token's signature.
func (e *Engine) DecodeContext(token string) (Context, error) {
	claims := &contextClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return e.contextSecret, nil
	})
	if err != nil {
		return Context{}, fmt.Errorf("openid: decode context: %w", err)
	}
	ctx := Context{Interactive: claims.Interactive, Request: claims.Request}
	if claims.AXAlias != "" {
		ctx.AX = &Extension{Alias: claims.AXAlias, Fields: claims.AXFields}
	}
	return ctx, nil
}
