package openid

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// FromBody parses a direct request body. RPs normally POST
// application/x-www-form-urlencoded bodies (ordinary openid.foo=bar
// pairs); this engine also accepts a raw key-value-form body
// ("<key>:<value>\n" lines) under text/plain, for RPs that build their
// POST body by hand. Either way the "openid." prefix is stripped. An
// unrecognized content type yields an empty ProtocolRequest, which the
// engine rejects for lacking openid.ns.
func FromBody(body []byte, contentType string) ProtocolRequest {
	mediaType := contentType
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		mediaType = contentType[:i]
	}
	switch strings.TrimSpace(mediaType) {
	case "text/plain":
		return fromKeyValueForm(body)
	case "", "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return make(ProtocolRequest)
		}
		return FromQuery(values)
	default:
		return make(ProtocolRequest)
	}
}

func fromKeyValueForm(body []byte) ProtocolRequest {
	req := make(ProtocolRequest)
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req[strings.TrimPrefix(k, "openid.")] = v
	}
	return req
}

// FromQuery parses an indirect request's openid.* query parameters,
// stripping the "openid." prefix the same way FromBody does.
func FromQuery(q url.Values) ProtocolRequest {
	req := make(ProtocolRequest)
	for k, vs := range q {
		if !strings.HasPrefix(k, "openid.") || len(vs) == 0 {
			continue
		}
		req[strings.TrimPrefix(k, "openid.")] = vs[0]
	}
	return req
}

// ToForm serializes a response to key-value form. Without fieldOrder the
// fields are emitted in sorted key order (response bodies are not
// signed, so any stable order is fine). With fieldOrder, the body lists
// exactly those fields in exactly that order; any field fieldOrder names
// but resp lacks is emitted with an empty value. ToForm returns the
// serialized body and the list of field names actually emitted, which
// callers use as the signed fields list.
func ToForm(resp map[string]string, fieldOrder []string) (body string, fields []string) {
	fields = fieldOrder
	if fields == nil {
		fields = make([]string, 0, len(resp))
		for k := range resp {
			fields = append(fields, k)
		}
		sort.Strings(fields)
	}
	var b strings.Builder
	for _, k := range fields {
		fmt.Fprintf(&b, "%s:%s\n", k, resp[k])
	}
	return b.String(), fields
}

// ToQuery appends a response to base as openid.<key> query parameters,
// returning the resulting URL string for an indirect redirect.
func ToQuery(base string, resp map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("openid: parse return_to: %w", err)
	}
	q := u.Query()
	for k, v := range resp {
		q.Set("openid."+k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// GetExtension finds the alias under which req declares the extension
// namespace nsURI (via "ns.<alias>=<nsURI>") and collects every
// "<alias>.<rest>" key into Fields keyed by <rest>. Returns nil if the
// namespace was not declared.
func GetExtension(req ProtocolRequest, nsURI string) *Extension {
	var alias string
	found := false
	for k, v := range req {
		if strings.HasPrefix(k, "ns.") && v == nsURI {
			alias = strings.TrimPrefix(k, "ns.")
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	prefix := alias + "."
	ext := &Extension{Alias: alias, Fields: make(map[string]string)}
	for k, v := range req {
		if strings.HasPrefix(k, prefix) {
			ext.Fields[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return ext
}
