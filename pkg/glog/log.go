// Package glog carries a zerolog logger through contexts. Most packages in
// this module log through glog.Log(ctx) so callers control the destination.
package glog

import (
	"context"
	"net/http"

	"github.com/aidarkhanov/nanoid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type logKey struct{}

// WithLogger attaches the given logger to the context.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// Log returns the logger stored in the context, falling back to the global
// logger so library code never has to nil-check.
func Log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logKey{})
	if logger == nil {
		return &log.Logger
	}

	return logger.(*zerolog.Logger)
}

// MakeLogMiddleware assigns each request a short ID and stores a derived
// logger in the request context.
func MakeLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqID := nanoid.New()
		logger := log.With().Str("req", reqID).Logger()

		ctx := WithLogger(r.Context(), &logger)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}
