package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"modelkeeper/internal/errs"
	"modelkeeper/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusOf maps err to a response status. Unclassified errors are 500.
func statusOf(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		if code := he.StatusCode(); code > 0 {
			return code
		}
	}
	return http.StatusInternalServerError
}

// writeError writes err as a JSON error payload and returns the status used.
func writeError(w http.ResponseWriter, err error) int {
	status := statusOf(err)
	kind := ""
	if k := errs.KindOf(err); k != errs.Unknown {
		kind = k.String()
	}
	writeJSON(w, status, types.ErrorResponse{Error: err.Error(), Kind: kind, Code: status})
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
