package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// apiError is the body of every non-2xx response.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		requestLogf("encode response: %v", err)
	}
}

// fail writes an error response; 5xx causes are logged, not returned.
func fail(w http.ResponseWriter, status int, cause error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if status >= http.StatusInternalServerError && cause != nil {
		requestLogf("%s: %v", msg, cause)
	}
	writeJSON(w, status, apiError{Error: msg})
}
