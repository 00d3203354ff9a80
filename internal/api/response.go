package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/safar/storefront-orders/internal/apperror"
	"github.com/safar/storefront-orders/internal/logging"
	"go.uber.org/zap"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperror.KindOf(err)
	status := apperror.HTTPStatus(kind)

	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request_failed", zap.String("kind", kind.String()), zap.Error(err))
	}

	writeEnvelope(w, status, envelope{Success: false, Message: apperror.PublicMessage(err)})
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("response_encode_failed", zap.Error(err))
	}
}

// decodeJSON reads a JSON body bounded by the middleware's size limit.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.Validation("Request body too large")
		}
		return apperror.Validation("Invalid request body")
	}
	return nil
}
