package openid

import "strconv"

// ParseAXFetchRequest extracts the AX 1.0 fetch extension from req, if
// present. It returns nil, nil if the RP declared no AX namespace.
// It returns an error if the RP declared the namespace but mode is not
// "fetch_request" — the only AX operation this engine supports.
func ParseAXFetchRequest(req ProtocolRequest) (*Extension, error) {
	ext := GetExtension(req, AXNamespace)
	if ext == nil {
		return nil, nil
	}
	if mode := ext.Fields["mode"]; mode != "fetch_request" {
		return nil, errAXUnsupportedMode(mode)
	}
	return ext, nil
}

func errAXUnsupportedMode(mode string) error {
	return &protocolError{kind: "ax", msg: "unsupported AX mode: " + mode}
}

// axRequestedAttrs maps each requested attribute alias to its type URI,
// reading "<alias>.type.<attrAlias>" entries out of a parsed AX fetch
// request extension.
func axRequestedAttrs(ext *Extension) map[string]string {
	out := make(map[string]string)
	for k, v := range ext.Fields {
		const prefix = "type."
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out
}

// BuildAXResponse assembles the response.* fields for an AX fetch
// response, preserving the RP's namespace alias and per-attribute
// aliases exactly, per the alias-preservation requirement known RP
// implementations rely on. values maps AX type URI to either a single
// value or an ordered []string of values; types the RP did not request
// are silently dropped.
func BuildAXResponse(ext *Extension, values map[string]any) map[string]string {
	out := make(map[string]string)
	if ext == nil {
		return out
	}
	out["ns."+ext.Alias] = AXNamespace
	out[ext.Alias+".mode"] = "fetch_response"

	requested := axRequestedAttrs(ext)
	for attrAlias, typeURI := range requested {
		v, ok := values[typeURI]
		if !ok {
			continue
		}
		out[ext.Alias+".type."+attrAlias] = typeURI
		switch vv := v.(type) {
		case []string:
			out[ext.Alias+".count."+attrAlias] = strconv.Itoa(len(vv))
			for i, item := range vv {
				out[ext.Alias+".value."+attrAlias+"."+strconv.Itoa(i+1)] = item
			}
		case string:
			out[ext.Alias+".value."+attrAlias] = vv
		default:
			out[ext.Alias+".value."+attrAlias] = ""
		}
	}
	return out
}
