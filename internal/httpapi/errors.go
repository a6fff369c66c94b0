package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openskelo/openskelo/internal/model"
)

// errorResponse is the uniform {error: string} body spec §6.1 requires.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the domain error taxonomy (spec §7) to an HTTP status
// and writes the uniform error body. Unrecognized errors are InternalError:
// surfaced as 500 and never crash the process; neither writeError nor the
// handlers log them.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		validation *model.ValidationError
		transition *model.TransitionError
		notFound   *model.NotFoundError
		exhaustion *model.GateExhaustionError
	)
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &transition):
		status = http.StatusConflict
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &exhaustion):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
