// Package server provides the HTTP API and its lifecycle: plan execution,
// mention resolution, pending entity management, retrieval and the
// clarification websocket feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/config"
	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/transport"
)

// Deps are the components the API exposes. Hub and Retriever may be nil; the
// corresponding routes then answer 404 and 501.
type Deps struct {
	Resolver     *engine.Resolver
	Retriever    *engine.Retriever
	Orchestrator *orchestrator.Orchestrator
	Pool         *orchestrator.WorkerPool
	Hub          *transport.WebSocketHub
	Embedder     llm.EmbeddingGenerator
	Logger       *zap.Logger
}

// Handler builds the full HTTP handler: routes, auth, rate limiting and
// security headers.
func Handler(cfg *config.Config, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{deps: deps, logger: logger}

	// API routes (require auth when a token is configured)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/plans", h.executePlan)
	apiMux.HandleFunc("POST /v1/resolve", h.resolve)
	apiMux.HandleFunc("GET /v1/pending", h.listPending)
	apiMux.HandleFunc("GET /v1/pending/{id}", h.getPending)
	apiMux.HandleFunc("POST /v1/pending/{id}/info", h.supplyInfo)
	apiMux.HandleFunc("POST /v1/pending/{id}/complete", h.completePending)
	apiMux.HandleFunc("POST /v1/pending/{id}/abandon", h.abandonPending)
	apiMux.HandleFunc("POST /v1/conversations/{id}/close", h.closeConversation)
	apiMux.HandleFunc("POST /v1/search", h.search)

	mux := http.NewServeMux()
	mux.Handle("/v1/", RequireAuth(apiMux, cfg.Server.APIToken))

	// Health endpoint, no auth required, used by monitoring
	mux.HandleFunc("GET /v1/health", h.health)

	// WebSocket endpoint (no auth required - origin validation handles security)
	if deps.Hub != nil {
		mux.Handle("GET /v1/ws", deps.Hub)
	}

	limiter := NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	return chain(mux, accessLog(logger), securityHeaders, limiter.Wrap)
}

// Start initializes and starts the HTTP server. It returns the actual address
// being listened on (useful for testing with port 0). The server shuts down
// gracefully when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (string, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Create server with security timeouts. Plans can run for the whole plan
	// timeout, so the write timeout follows it.
	writeTimeout := 30 * time.Second
	if pt := cfg.Orchestrator.PlanTimeout + 10*time.Second; pt > writeTimeout {
		writeTimeout = pt
	}
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      Handler(cfg, deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}
	actualAddr := listener.Addr().String()
	logger.Info("http server listening", zap.String("addr", actualAddr))

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}()

	return actualAddr, nil
}
