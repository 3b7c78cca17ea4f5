package pgguard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// UnavailableResponse is the body written by WriteUnavailable.
type UnavailableResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// WriteUnavailable maps a degraded error to 503 Service Unavailable with a
// Retry-After header. It reports false, writing nothing, for any other error.
//
//	rows, err := sup.Query(r.Context(), q)
//	if pgguard.WriteUnavailable(w, err) {
//		return
//	}
func WriteUnavailable(w http.ResponseWriter, err error) bool {
	var dErr *DegradedError
	if !errors.As(err, &dErr) {
		return false
	}

	secs := dErr.RetryAfterSeconds()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(UnavailableResponse{
		Error:             "service_degraded",
		RetryAfterSeconds: secs,
	})
	return true
}
