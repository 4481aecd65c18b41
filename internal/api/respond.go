package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/resilience"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

// writeError maps the failure taxonomy onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := resilience.Kind(err)
	status := http.StatusInternalServerError
	switch {
	case kind == resilience.KindNotFound:
		status = http.StatusNotFound
	case kind == resilience.KindConflict:
		status = http.StatusConflict
	case kind == resilience.KindContent:
		status = http.StatusUnprocessableEntity
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case kind == resilience.KindTransient:
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(dst)
}
