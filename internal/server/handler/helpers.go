// Package handler implements the control API endpoints.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt parses a non-negative integer parameter, returning def when absent
// or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrPositionActive),
		errors.Is(err, domain.ErrNoPosition),
		errors.Is(err, domain.ErrCloseInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientCapital):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownInstrument):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
