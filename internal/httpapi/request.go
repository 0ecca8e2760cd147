package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kestrelsoft/browserplane/internal/core"
)

func authError(msg string) error { return core.NewAuthError(msg) }

// decodeJSON parses the request body into v, tolerating an empty body as a
// zero-value v (several endpoints accept an optional JSON body).
func decodeJSON(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return core.NewValidationError("malformed JSON body", err)
	}
	return nil
}

// userIdFrom reads userId from the query string, falling back to a field
// already decoded from the JSON body (bodyUserId), per the contract that
// every /tabs/:tabId/* route accepts userId in body or query.
func userIdFrom(r *http.Request, bodyUserId string) core.UserId {
	if q := r.URL.Query().Get("userId"); q != "" {
		return core.UserId(q)
	}
	return core.UserId(bodyUserId)
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

func queryIntDefault(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
