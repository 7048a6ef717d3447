package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	headerActor     = "X-Actor-Id"
	headerAutomated = "X-Automated"
)

// Principal is who a request acts for. Members are trusted by header; the
// household app in front of this API owns authentication.
type Principal struct {
	ActorID   string
	Automated bool
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}

func actorIDFromContext(ctx context.Context) string {
	return principalFromContext(ctx).ActorID
}

// memberFromContext is the acting member for operations that need one.
func memberFromContext(ctx context.Context) (string, huma.StatusError) {
	if id := actorIDFromContext(ctx); id != "" {
		return id, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", headerActor+" header required", nil)
}

func actorMiddleware(basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			p := Principal{ActorID: strings.TrimSpace(req.Header.Get(headerActor))}
			if raw := strings.TrimSpace(req.Header.Get(headerAutomated)); raw != "" {
				automated, err := strconv.ParseBool(raw)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", headerAutomated+" must be a boolean", map[string]any{"value": raw}))
					return
				}
				p.Automated = automated
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req)
			log.Debug("request",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("actor_id", strings.TrimSpace(req.Header.Get(headerActor))))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
