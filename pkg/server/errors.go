package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/chazu/brickforge/pkg/regen"
	"github.com/chazu/brickforge/pkg/script"
)

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error   string        `json:"error"`
	Kind    string        `json:"kind,omitempty"`
	Field   string        `json:"field,omitempty"`
	Details []errorDetail `json:"details,omitempty"`
}

type errorDetail struct {
	Line     int    `json:"line,omitempty"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, regen.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, regen.ErrNoCandidate):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, brick.ErrInvalidParameters):
		return http.StatusUnprocessableEntity
	case errors.Is(err, script.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, script.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var be *brick.BuildError
	if errors.As(err, &be) {
		resp.Kind = be.Kind.String()
		resp.Field = be.Field
	}
	writeJSON(w, statusFor(err), resp)
}

func writeBadRequest(w http.ResponseWriter, msg string, details ...errorDetail) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Details: details})
}
