package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"github.com/jw6ventures/calsync/internal/auth"
)

// UserHeader is set by the upstream gateway after it authenticates the user.
const UserHeader = "X-User-ID"

type UserAuth struct {
	log *slog.Logger
}

func NewUserAuth(log *slog.Logger) *UserAuth {
	return &UserAuth{log: log.With(slog.String("component", "user_auth"))}
}

// Middleware rejects requests without a positive numeric user header.
func (a *UserAuth) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		raw := strings.TrimSpace(ctx.Header(UserHeader))
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			a.log.Warn("missing or invalid user header", slog.String("path", ctx.URL().Path))
			ctx.SetStatus(http.StatusUnauthorized)
			ctx.SetHeader("Content-Type", "application/json")
			if err := json.NewEncoder(ctx.BodyWriter()).Encode(map[string]string{
				"error": "Unauthorized",
			}); err != nil {
				a.log.Error("encode unauthorized response", slog.Any("error", err))
			}
			return
		}
		next(huma.WithContext(ctx, auth.WithUserID(ctx.Context(), userID)))
	}
}

// Logger logs every API request after it completes.
type Logger struct {
	log *slog.Logger
}

func NewLogger(log *slog.Logger) *Logger {
	return &Logger{log: log.With(slog.String("component", "http_logger"))}
}

func (l *Logger) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()
		method := ctx.Method()
		path := ctx.URL().Path

		next(ctx)

		l.log.Info("HTTP request",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", ctx.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", ctx.RemoteAddr()),
		)
	}
}
