package openid

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateRealm checks returnTo against realm per the realm/return_to
// compatibility rules: scheme and port must match, return_to's path must
// be the realm's path or a subpath of it, and the host must match
// exactly unless realm is wildcarded ("*.example.com"), in which case
// return_to's host must be a subdomain of the wildcarded host.
//
// returnTo may be empty, in which case only the realm itself is
// validated.
func ValidateRealm(realm, returnTo string) error {
	ru, wildcard, rawHost, strippedHost, err := parseRealm(realm)
	if err != nil {
		return err
	}
	if returnTo == "" {
		return nil
	}
	rtu, err := url.Parse(returnTo)
	if err != nil {
		return fmt.Errorf("openid: parse return_to: %w", err)
	}
	if rtu.Scheme != ru.Scheme {
		return fmt.Errorf("openid: return_to scheme %q does not match realm scheme %q", rtu.Scheme, ru.Scheme)
	}
	if portOf(rtu) != portOf(ru) {
		return fmt.Errorf("openid: return_to port does not match realm port")
	}
	if !pathAllowed(ru.Path, rtu.Path) {
		return fmt.Errorf("openid: return_to path %q is not under realm path %q", rtu.Path, ru.Path)
	}
	if !hostAllowed(rawHost, strippedHost, rtu.Hostname(), wildcard) {
		return fmt.Errorf("openid: return_to host %q is not allowed by realm host %q", rtu.Hostname(), rawHost)
	}
	return nil
}

// parseRealm parses realm, rejecting a fragment, and reports whether the
// host was wildcarded ("*.host" -> host, wildcard=true). rawHost is the
// host exactly as declared (including a literal "*." prefix, if any);
// strippedHost has that prefix removed and is what a wildcard subdomain
// match is judged against.
func parseRealm(realm string) (u *url.URL, wildcard bool, rawHost, strippedHost string, err error) {
	u, err = url.Parse(realm)
	if err != nil {
		return nil, false, "", "", fmt.Errorf("openid: parse realm: %w", err)
	}
	if u.Fragment != "" {
		return nil, false, "", "", fmt.Errorf("openid: realm must not contain a fragment")
	}
	rawHost = u.Hostname()
	strippedHost = rawHost
	if strings.HasPrefix(rawHost, "*.") {
		wildcard = true
		strippedHost = strings.TrimPrefix(rawHost, "*.")
		if port := u.Port(); port != "" {
			u.Host = strippedHost + ":" + port
		} else {
			u.Host = strippedHost
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false, "", "", fmt.Errorf("openid: realm scheme %q is not http/https", u.Scheme)
	}
	return u, wildcard, rawHost, strippedHost, nil
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

func pathAllowed(realmPath, returnToPath string) bool {
	if realmPath == "" {
		realmPath = "/"
	}
	if returnToPath == "" {
		returnToPath = "/"
	}
	if returnToPath == realmPath {
		return true
	}
	prefix := strings.TrimSuffix(realmPath, "/") + "/"
	return strings.HasPrefix(returnToPath, prefix)
}

// hostAllowed implements the host half of §4.5 step 4: an exact match
// against the realm's raw declared host (never true for a wildcarded
// realm, since rawHost still carries its literal "*." prefix), or, when
// wildcarded, a subdomain match against the stripped host. This means a
// wildcard realm "*.example.com" never matches the bare "example.com"
// itself — only a proper subdomain of it.
func hostAllowed(rawHost, strippedHost, returnToHost string, wildcard bool) bool {
	if returnToHost == rawHost {
		return true
	}
	if wildcard && strings.HasSuffix(returnToHost, "."+strippedHost) {
		return true
	}
	return false
}
