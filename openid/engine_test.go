package openid

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

const testEndpoint = "http://op.example/openid"

// newTestEngine builds an Engine for testEndpoint. NewEngine requires a
// CheckAuth handler, so a nil checkAuth is replaced with a no-op handler
// for tests that never reach the auth-handler path.
func newTestEngine(t *testing.T, checkAuth AuthHandlerFunc) *Engine {
	t.Helper()
	if checkAuth == nil {
		checkAuth = func(w http.ResponseWriter, r *http.Request, interactive bool, ctx Context) {}
	}
	e, err := NewEngine(Options{
		ProviderEndpoint: testEndpoint,
		CheckAuth:        checkAuth,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// TestServerDiscoveryXRDS checks discovery with no claimed identifier
// in the request URL returns the server-level discovery document.
func TestServerDiscoveryXRDS(t *testing.T) {
	e := newTestEngine(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/xrds+xml")
	rec := httptest.NewRecorder()

	e.Handle(rec, req, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Type>http://specs.openid.net/auth/2.0/server</Type>") {
		t.Fatalf("missing server discovery Type in body: %s", body)
	}
	if !strings.Contains(body, "<URI>"+testEndpoint+"</URI>") {
		t.Fatalf("missing endpoint URI in body: %s", body)
	}
}

// TestSignonDiscoveryXRDS checks discovery with a claimed identifier
// in the request URL returns the signon-level discovery document.
func TestSignonDiscoveryXRDS(t *testing.T) {
	e := newTestEngine(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/?u=charlie", nil)
	req.Header.Set("Accept", "application/xrds+xml")
	rec := httptest.NewRecorder()

	e.Handle(rec, req, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Type>http://specs.openid.net/auth/2.0/signon</Type>") {
		t.Fatalf("missing signon discovery Type in body: %s", rec.Body.String())
	}
}

func TestDiscoveryHTML(t *testing.T) {
	e := newTestEngine(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()

	e.Handle(rec, req, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `<link rel="openid2.provider" href="`+testEndpoint+`">`) {
		t.Fatalf("missing provider link in body: %s", rec.Body.String())
	}
}

func TestDiscoveryNotAcceptable(t *testing.T) {
	e := newTestEngine(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	e.Handle(rec, req, nil)

	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", rec.Code)
	}
}

// TestCheckIDSetupInvokesAuthHandler checks that checkid_setup hands
// off to the configured auth handler without writing a response first.
func TestCheckIDSetupInvokesAuthHandler(t *testing.T) {
	var gotInteractive bool
	var gotReturnTo string
	called := false
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request, interactive bool, ctx Context) {
		called = true
		gotInteractive = interactive
		gotReturnTo = ctx.Request.Get("return_to")
	})

	q := url.Values{
		"openid.ns":        {Namespace},
		"openid.mode":      {"checkid_setup"},
		"openid.realm":     {"http://localhost/"},
		"openid.return_to": {"http://localhost/here"},
	}
	req := httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil)
	rec := httptest.NewRecorder()

	e.Handle(rec, req, nil)

	if !called {
		t.Fatalf("expected auth handler to be invoked")
	}
	if !gotInteractive {
		t.Fatalf("expected interactive=true for checkid_setup")
	}
	if gotReturnTo != "http://localhost/here" {
		t.Fatalf("return_to = %q, want http://localhost/here", gotReturnTo)
	}
	// The engine must not have written a response on this path.
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("engine wrote to response before auth handler resumed: code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestCheckIDImmediateIsNotInteractive(t *testing.T) {
	var gotInteractive bool
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request, interactive bool, ctx Context) {
		gotInteractive = interactive
	})
	q := url.Values{
		"openid.ns":        {Namespace},
		"openid.mode":      {"checkid_immediate"},
		"openid.realm":     {"http://localhost/"},
		"openid.return_to": {"http://localhost/here"},
	}
	req := httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil)
	e.Handle(httptest.NewRecorder(), req, nil)
	if gotInteractive {
		t.Fatalf("expected interactive=false for checkid_immediate")
	}
}

func TestCheckIDRejectsMissingRealmAndReturnTo(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request, interactive bool, ctx Context) {
		t.Fatalf("auth handler should not be invoked")
	})
	q := url.Values{"openid.ns": {Namespace}, "openid.mode": {"checkid_setup"}}
	req := httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	e.Handle(rec, req, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCheckIDInvalidRealmRedirectsIndirectError(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request, interactive bool, ctx Context) {
		t.Fatalf("auth handler should not be invoked")
	})
	q := url.Values{
		"openid.ns":        {Namespace},
		"openid.mode":      {"checkid_setup"},
		"openid.realm":     {"http://example.com/app"},
		"openid.return_to": {"http://evil.com/app/cb"},
	}
	req := httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	e.Handle(rec, req, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if loc.Query().Get("openid.mode") != "error" {
		t.Fatalf("expected openid.mode=error, got %s", rec.Header().Get("Location"))
	}
}

// completeAuthFixture drives a checkid_setup through to CompleteAuth and
// returns the parsed redirect destination, used by several assertions
// below.
func completeAuthFixture(t *testing.T, identity string, axTypes map[string]string, axValues map[string]any) (*Engine, url.Values) {
	t.Helper()
	var engine *Engine
	var capturedCtx Context
	engine = newTestEngine(t, func(w http.ResponseWriter, r *http.Request, interactive bool, ctx Context) {
		capturedCtx = ctx
	})

	q := url.Values{
		"openid.ns":        {Namespace},
		"openid.mode":      {"checkid_setup"},
		"openid.realm":     {"http://localhost/"},
		"openid.return_to": {"http://localhost/here"},
	}
	if len(axTypes) > 0 {
		q.Set("openid.ns.ax2", AXNamespace)
		q.Set("openid.ax2.mode", "fetch_request")
		for attrAlias, typeURI := range axTypes {
			q.Set("openid.ax2.type."+attrAlias, typeURI)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil)
	engine.Handle(httptest.NewRecorder(), req, nil)

	rec := httptest.NewRecorder()
	err := engine.CompleteAuth(rec, req, AuthResponse{Context: capturedCtx, Identity: identity, AX: axValues})
	if err != nil {
		t.Fatalf("CompleteAuth: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	return engine, loc.Query()
}

// TestCompleteAuthPositiveAssertion checks that CompleteAuth's redirect
// carries a correctly-signed positive assertion.
func TestCompleteAuthPositiveAssertion(t *testing.T) {
	_, q := completeAuthFixture(t, "bob@example.com", nil, nil)

	if q.Get("openid.ns") != Namespace {
		t.Fatalf("openid.ns = %q", q.Get("openid.ns"))
	}
	if q.Get("openid.mode") != "id_res" {
		t.Fatalf("openid.mode = %q, want id_res", q.Get("openid.mode"))
	}
	wantIdentity := testEndpoint + "?u=" + url.QueryEscape("bob@example.com")
	if q.Get("openid.claimed_id") != wantIdentity {
		t.Fatalf("claimed_id = %q, want %q", q.Get("openid.claimed_id"), wantIdentity)
	}
	if q.Get("openid.identity") != wantIdentity {
		t.Fatalf("identity = %q, want %q", q.Get("openid.identity"), wantIdentity)
	}
	if q.Get("openid.sig") == "" || q.Get("openid.signed") == "" {
		t.Fatalf("expected sig and signed to be present")
	}
}

// TestAssertionSignatureVerifiesAgainstPrivateAssociation checks the
// HMAC round-trip invariant: recomputing HMAC over the fields named in
// signed, in order, using the association's secret reproduces sig
// byte-for-byte.
func TestAssertionSignatureVerifiesAgainstPrivateAssociation(t *testing.T) {
	engine, q := completeAuthFixture(t, "bob@example.com", nil, nil)

	handle := q.Get("openid.assoc_handle")
	assoc, err := engine.assocStore.Get(nil, handle)
	if err != nil || assoc == nil {
		t.Fatalf("expected private association %q to be stored: %v", handle, err)
	}
	if !assoc.Private {
		t.Fatalf("expected association minted for CompleteAuth to be private")
	}

	signedCSV := q.Get("openid.signed")
	signedFields := strings.Split(signedCSV, ",")
	fields := make(map[string]string, len(signedFields))
	for _, k := range signedFields {
		fields[k] = q.Get("openid." + k)
	}
	body, _ := ToForm(fields, signedFields)

	sig, err := base64.StdEncoding.DecodeString(q.Get("openid.sig"))
	if err != nil {
		t.Fatalf("decode sig: %v", err)
	}
	ok, err := hmacVerify(assoc.Algorithm, assoc.Secret, []byte(body), sig)
	if err != nil {
		t.Fatalf("hmacVerify: %v", err)
	}
	if !ok {
		t.Fatalf("recomputed HMAC does not match sig")
	}
}

func TestCompleteAuthAXAliasPreservation(t *testing.T) {
	_, q := completeAuthFixture(t, "bob@example.com",
		map[string]string{"email": "http://axschema.org/contact/email"},
		map[string]any{"http://axschema.org/contact/email": "bob@example.com"})

	if q.Get("openid.ns.ax2") != AXNamespace {
		t.Fatalf("openid.ns.ax2 = %q", q.Get("openid.ns.ax2"))
	}
	if q.Get("openid.ax2.mode") != "fetch_response" {
		t.Fatalf("openid.ax2.mode = %q, want fetch_response", q.Get("openid.ax2.mode"))
	}
	if q.Get("openid.ax2.value.email") != "bob@example.com" {
		t.Fatalf("openid.ax2.value.email = %q", q.Get("openid.ax2.value.email"))
	}
	signed := q.Get("openid.signed")
	if !strings.Contains(signed, "ax2.value.email") {
		t.Fatalf("expected AX field to be included in signed list, got %q", signed)
	}
}

func TestRejectAuthInteractiveSendsCancel(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := Context{Interactive: true, Request: ProtocolRequest{"return_to": "http://localhost/here"}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := e.RejectAuth(rec, req, ctx); err != nil {
		t.Fatalf("RejectAuth: %v", err)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("openid.mode") != "cancel" {
		t.Fatalf("mode = %q, want cancel", loc.Query().Get("openid.mode"))
	}
}

func TestRejectAuthNonInteractiveSendsSetupNeeded(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := Context{Interactive: false, Request: ProtocolRequest{"return_to": "http://localhost/here"}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := e.RejectAuth(rec, req, ctx); err != nil {
		t.Fatalf("RejectAuth: %v", err)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("openid.mode") != "setup_needed" {
		t.Fatalf("mode = %q, want setup_needed", loc.Query().Get("openid.mode"))
	}
}

// checkAuthentication drives a direct check_authentication POST and
// returns the parsed is_valid value.
func checkAuthentication(t *testing.T, e *Engine, q url.Values) string {
	t.Helper()
	q.Set("openid.ns", Namespace)
	q.Set("openid.mode", "check_authentication")
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(q.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.Handle(rec, req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "is_valid:") {
			return strings.TrimPrefix(line, "is_valid:")
		}
	}
	t.Fatalf("is_valid not found in response: %s", body)
	return ""
}

func TestCheckAuthenticationValidatesRealAssertion(t *testing.T) {
	engine, q := completeAuthFixture(t, "bob@example.com", nil, nil)

	got := checkAuthentication(t, engine, cloneValues(q))
	if got != "true" {
		t.Fatalf("is_valid = %q, want true", got)
	}
}

// TestCheckAuthenticationReplayRejection checks that replaying a
// check_authentication with an already-consumed nonce must return
// is_valid:false.
func TestCheckAuthenticationReplayRejection(t *testing.T) {
	engine, q := completeAuthFixture(t, "bob@example.com", nil, nil)

	first := checkAuthentication(t, engine, cloneValues(q))
	if first != "true" {
		t.Fatalf("first check_authentication = %q, want true", first)
	}
	second := checkAuthentication(t, engine, cloneValues(q))
	if second != "false" {
		t.Fatalf("replayed check_authentication = %q, want false", second)
	}
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vs := range v {
		out[k] = append([]string{}, vs...)
	}
	return out
}

func TestCheckAuthenticationMissingFieldsIsInvalid(t *testing.T) {
	e := newTestEngine(t, nil)
	got := checkAuthentication(t, e, url.Values{})
	if got != "false" {
		t.Fatalf("is_valid = %q, want false", got)
	}
}

func TestAssociateNoEncryptionRequiresTLS(t *testing.T) {
	e := newTestEngine(t, nil)
	q := url.Values{
		"openid.ns":           {Namespace},
		"openid.mode":         {"associate"},
		"openid.session_type": {"no-encryption"},
		"openid.assoc_type":   {AlgHMACSHA1},
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(q.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.Handle(rec, req, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (no-encryption over non-TLS)", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unsupported-type") {
		t.Fatalf("expected unsupported-type error, got %s", rec.Body.String())
	}
}

func TestAssociateDHSHA256Succeeds(t *testing.T) {
	e := newTestEngine(t, nil)

	clientKP, err := generateDHKeyPair(defaultDHModulus, defaultDHGenerator)
	if err != nil {
		t.Fatalf("generateDHKeyPair: %v", err)
	}
	q := url.Values{
		"openid.ns":                 {Namespace},
		"openid.mode":               {"associate"},
		"openid.session_type":       {"DH-SHA256"},
		"openid.assoc_type":         {AlgHMACSHA256},
		"openid.dh_consumer_public": {base64.StdEncoding.EncodeToString(btwocInt(clientKP.public))},
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(q.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.Handle(rec, req, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := parseKeyValueForm(rec.Body.String())
	if resp["assoc_handle"] == "" {
		t.Fatalf("missing assoc_handle in response: %v", resp)
	}
	if resp["session_type"] != "DH-SHA256" {
		t.Fatalf("session_type = %q, want DH-SHA256", resp["session_type"])
	}

	serverPubBytes, err := base64.StdEncoding.DecodeString(resp["dh_server_public"])
	if err != nil {
		t.Fatalf("decode dh_server_public: %v", err)
	}
	serverPub := decodeUnsignedBigInt(serverPubBytes)
	shared := dhSharedSecret(serverPub, clientKP.private, defaultDHModulus)

	encMacKey, err := base64.StdEncoding.DecodeString(resp["enc_mac_key"])
	if err != nil {
		t.Fatalf("decode enc_mac_key: %v", err)
	}
	macKey, err := openMACKey(AlgHMACSHA256, shared, encMacKey)
	if err != nil {
		t.Fatalf("openMACKey: %v", err)
	}
	if len(macKey) != 32 {
		t.Fatalf("recovered mac key length = %d, want 32", len(macKey))
	}
}

func TestAssociateUnsupportedSessionType(t *testing.T) {
	e := newTestEngine(t, nil)
	q := url.Values{
		"openid.ns":           {Namespace},
		"openid.mode":         {"associate"},
		"openid.session_type": {"bogus"},
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(q.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.Handle(rec, req, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := parseKeyValueForm(rec.Body.String())
	if resp["error_code"] != "unsupported-type" {
		t.Fatalf("error_code = %q, want unsupported-type", resp["error_code"])
	}
	if resp["session_type"] != "DH-SHA256" || resp["assoc_type"] != AlgHMACSHA256 {
		t.Fatalf("missing fallback hints: %v", resp)
	}
}

func TestHandleDeclinesNonOpenIDRequestsToNext(t *testing.T) {
	e := newTestEngine(t, nil)
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { nextCalled = true })

	req := httptest.NewRequest(http.MethodGet, "/other/path", nil)
	e.Handle(httptest.NewRecorder(), req, next)
	if !nextCalled {
		t.Fatalf("expected next handler to be called for a non-root path")
	}
}

func TestHandleDeclinesMissingNamespacePOST(t *testing.T) {
	e := newTestEngine(t, nil)
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { nextCalled = true })
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("foo=bar"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	e.Handle(httptest.NewRecorder(), req, next)
	if !nextCalled {
		t.Fatalf("expected next handler for a POST lacking openid.ns")
	}
}

func TestEncodeDecodeContextRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := Context{
		Interactive: true,
		Request:     ProtocolRequest{"return_to": "http://localhost/here", "realm": "http://localhost/"},
		AX:          &Extension{Alias: "ax2", Fields: map[string]string{"mode": "fetch_request"}},
	}
	token, err := e.EncodeContext(ctx)
	if err != nil {
		t.Fatalf("EncodeContext: %v", err)
	}
	decoded, err := e.DecodeContext(token)
	if err != nil {
		t.Fatalf("DecodeContext: %v", err)
	}
	if decoded.Interactive != ctx.Interactive {
		t.Fatalf("Interactive mismatch after round trip")
	}
	if decoded.Request.Get("return_to") != "http://localhost/here" {
		t.Fatalf("Request not preserved: %+v", decoded.Request)
	}
	if decoded.AX == nil || decoded.AX.Alias != "ax2" {
		t.Fatalf("AX extension not preserved: %+v", decoded.AX)
	}
}

func TestDecodeContextRejectsTamperedToken(t *testing.T) {
	e := newTestEngine(t, nil)
	token, err := e.EncodeContext(Context{Request: ProtocolRequest{"return_to": "http://localhost/"}})
	if err != nil {
		t.Fatalf("EncodeContext: %v", err)
	}
	tampered := token[:len(token)-1] + "x"
	if _, err := e.DecodeContext(tampered); err == nil {
		t.Fatalf("expected tampered context token to fail verification")
	}
}

// parseKeyValueForm is a small test helper mirroring fromKeyValueForm
// for asserting against direct-response bodies.
func parseKeyValueForm(body string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if ok {
			out[k] = v
		}
	}
	return out
}
