package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"kyc-service/internal/config"
	"kyc-service/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const healthCheckTimeout = 3 * time.Second

// HealthFunc reports whether the service's dependencies are usable.
type HealthFunc func(ctx context.Context) error

// requireHTTPS rejects any request that wasn’t made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.URL.Path != "/health" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"success":false,"error":"https_required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg *config.Config, documentHandler *DocumentHandler, health HealthFunc, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Plain HTTP is only refused when the server terminates TLS itself
	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	router.Use(cors.Handler(corsOptions(cfg)))

	router.Get("/health", healthHandler(health, logger))

	// API routes
	router.Route("/api", func(r chi.Router) {
		documentHandler.RegisterRoutes(r)
	})

	// 404 handler
	notFound := func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, Response{Success: false, Error: "not_found", Message: "endpoint not found"}, logger)
	}
	router.NotFound(notFound)

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Error: "method_not_allowed", Message: "method not allowed"}, logger)
	})

	if cfg.Server.StaticDir != "" {
		files := http.FileServer(http.Dir(cfg.Server.StaticDir))
		router.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
				notFound(w, r)
				return
			}
			files.ServeHTTP(w, r)
		})
	}

	return router
}

func corsOptions(cfg *config.Config) cors.Options {
	origins := []string{"*"}
	if cfg.IsProduction() {
		origins = []string{"https://*"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}
}

func healthHandler(health HealthFunc, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := health(ctx); err != nil {
				logger.Warn("Health check failed", util.ErrorField(err))
				respondWithJSON(w, http.StatusServiceUnavailable, Response{
					Success: false,
					Error:   "unhealthy",
					Message: "kyc-service dependencies unavailable",
				}, logger)
				return
			}
		}
		respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "kyc-service healthy"}, logger)
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
