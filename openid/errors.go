package openid

import (
	"fmt"
	"net/http"
)

// protocolError is a message-level failure the engine knows how to
// surface to the RP itself, as opposed to an internal failure that
// belongs on the host's error channel.
type protocolError struct {
	kind string
	msg  string
	// associate-only hints
	errorCode   string
	sessionType string
	assocType   string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("openid: %s: %s", e.kind, e.msg)
}

// unsupportedTypeError builds the associate "unsupported-type" error,
// advertising the fallback session/assoc type per §4.6.2.
func unsupportedTypeError(msg, fallbackSession, fallbackAssoc string) *protocolError {
	return &protocolError{
		kind:        "associate",
		msg:         msg,
		errorCode:   "unsupported-type",
		sessionType: fallbackSession,
		assocType:   fallbackAssoc,
	}
}

// writeDirectError writes a direct (HTTP 400) key-value-form error
// response, including associate fallback hints when present.
func writeDirectError(w http.ResponseWriter, err error) {
	msg := err.Error()
	fields := map[string]string{"error": msg}
	if pe, ok := err.(*protocolError); ok {
		if pe.errorCode != "" {
			fields["error_code"] = pe.errorCode
		}
		if pe.sessionType != "" {
			fields["session_type"] = pe.sessionType
		}
		if pe.assocType != "" {
			fields["assoc_type"] = pe.assocType
		}
	}
	body, _ := ToForm(fields, nil)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(body))
}

// writeIndirectError redirects to returnTo with openid.mode=error, or
// responds 400 directly if returnTo is missing or unparsable.
func writeIndirectError(w http.ResponseWriter, r *http.Request, returnTo, message string) {
	if returnTo == "" {
		writeDirectError(w, &protocolError{kind: "validation", msg: message})
		return
	}
	dest, err := ToQuery(returnTo, map[string]string{
		"ns":    Namespace,
		"mode":  "error",
		"error": message,
	})
	if err != nil {
		writeDirectError(w, &protocolError{kind: "validation", msg: message})
		return
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// writeInternalError writes a bare HTTP 500 carrying the error text.
// CompleteAuth and RejectAuth also return the error to their caller;
// Handle returns nothing, so on its paths the 500 response is the only
// report of the error.
func writeInternalError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
