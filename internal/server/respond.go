package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aarogyalink/companion/internal/domain"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// WriteError renders err as {"error": message} with the status of its
// APIError form. err is recorded on the request log line unless a handler
// already recorded a more specific cause.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	apiErr := domain.AsAPIError(err)
	if logField(ctx, "error") == "" {
		AddError(ctx, err)
	}
	WriteJSON(w, apiErr.HTTPStatusCode(), ErrorBody{Error: apiErr.Message})
}
