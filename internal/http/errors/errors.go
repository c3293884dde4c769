// Package errors logs failures with the chi request ID attached.
package errors

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/slog"
)

func withRequestID(ctx context.Context, log *slog.Logger) *slog.Logger {
	if requestID := middleware.GetReqID(ctx); requestID != "" {
		return log.With(slog.String("request_id", requestID))
	}
	return log
}

// Unavailable logs err and answers 503 without exposing it.
func Unavailable(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, message string) {
	withRequestID(r.Context(), log).Warn(message, slog.Any("error", err))
	http.Error(w, "unready", http.StatusServiceUnavailable)
}

func LogError(ctx context.Context, log *slog.Logger, message string, err error) {
	withRequestID(ctx, log).Error(message, slog.Any("error", err))
}
