package openid

import (
	"fmt"
	"net/http"
	"net/url"
)

const xrdsTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<xrds:XRDS xmlns:xrds="xri://$xrds" xmlns="xri://$xrd*($v*2.0)">
  <XRD>
    <Service priority="0">
      <Type>%s</Type>
      <Type>http://openid.net/srv/ax/1.0</Type>
      <URI>%s</URI>%s
    </Service>
  </XRD>
</xrds:XRDS>
`

const htmlTemplate = `<!DOCTYPE html>
<html>
<head>
<link rel="openid2.provider" href="%s">%s
</head>
<body></body>
</html>
`

// writeDiscovery responds to an unauthenticated discovery GET on the
// mount root, content-negotiating between XRDS and HTML per the Accept
// header. identity is the "u" query parameter; empty for a bare server
// discovery document.
func writeDiscovery(w http.ResponseWriter, r *http.Request, endpoint, identity string) {
	accept := r.Header.Get("Accept")
	switch {
	case acceptsType(accept, "application/xrds+xml"):
		writeXRDS(w, endpoint, identity)
	case acceptsType(accept, "text/html") || accept == "" || acceptsType(accept, "*/*"):
		writeDiscoveryHTML(w, endpoint, identity)
	default:
		http.Error(w, "406 not acceptable", http.StatusNotAcceptable)
	}
}

func writeXRDS(w http.ResponseWriter, endpoint, identity string) {
	typ := "http://specs.openid.net/auth/2.0/server"
	var localID string
	uri := endpoint
	if identity != "" {
		typ = "http://specs.openid.net/auth/2.0/signon"
		uri = endpoint + "?u=" + url.QueryEscape(identity)
		localID = fmt.Sprintf("\n      <LocalID>%s</LocalID>", uri)
	}
	w.Header().Set("Content-Type", "application/xrds+xml")
	fmt.Fprintf(w, xrdsTemplate, typ, uri, localID)
}

func writeDiscoveryHTML(w http.ResponseWriter, endpoint, identity string) {
	var localLink string
	if identity != "" {
		localLink = fmt.Sprintf(`
<link rel="openid2.local_id" href="%s?u=%s">`, endpoint, url.QueryEscape(identity))
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, htmlTemplate, endpoint, localLink)
}

// acceptsType reports whether header (an HTTP Accept value) names typ
// among its media ranges. This is a deliberately simple substring check,
// sufficient for the small set of values real OpenID relying parties send.
func acceptsType(header, typ string) bool {
	return containsToken(header, typ)
}

func containsToken(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
