// Package httpserver exposes the trust and recovery engines over HTTP. It
// is a thin surface: request parsing, taxonomy-to-status mapping and
// delegation; all invariants live in the engines.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/custodia/wallet-recovery-backend/common"
	"github.com/custodia/wallet-recovery-backend/metrics"
)

// HTTPServerConfig configures the API server.
type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server serves the trust and recovery API plus health and metrics
// endpoints.
type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

// New creates an HTTP server around the given handler.
func New(cfg *HTTPServerConfig, handler *Handler) (*Server, error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	srv.isReady.Store(true)
	srv.handler.metrics = metricsSrv

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Route("/api/recovery", func(r chi.Router) {
		r.Post("/{wallet_id}/setup", srv.handler.HandleSetupRecovery)
		r.Get("/{wallet_id}/config", srv.handler.HandleGetConfig)
		r.Post("/{wallet_id}/guardians", srv.handler.HandleAddGuardian)
		r.Delete("/{wallet_id}/guardians/{address}", srv.handler.HandleRemoveGuardian)
		r.Post("/{wallet_id}/initiate", srv.handler.HandleInitiateRecovery)
		r.Get("/{wallet_id}/requests", srv.handler.HandleListRequests)
		r.Put("/{wallet_id}/backup", srv.handler.HandleStoreBackup)
		r.Get("/{wallet_id}/backup", srv.handler.HandleFetchBackup)
		r.Post("/requests/{request_id}/approve", srv.handler.HandleApproveRecovery)
		r.Post("/requests/{request_id}/cancel", srv.handler.HandleCancelRecovery)
		r.Post("/requests/{request_id}/execute", srv.handler.HandleExecuteRecovery)
		r.Get("/requests/{request_id}", srv.handler.HandleGetRequest)
	})

	mux.With(srv.httpLogger).Route("/api/signer", func(r chi.Router) {
		r.Post("/{wallet_id}/keys", srv.handler.HandleGenerateKey)
		r.Get("/{wallet_id}/identity", srv.handler.HandleGetIdentity)
		r.Post("/{wallet_id}/sign", srv.handler.HandleSign)
	})

	mux.With(srv.httpLogger).Route("/api/mfa", func(r chi.Router) {
		r.Post("/enroll/totp", srv.handler.HandleEnrollTOTP)
		r.Post("/enroll/hardware-key", srv.handler.HandleEnrollHardwareKey)
		r.Post("/enroll/biometric", srv.handler.HandleEnrollBiometric)
		r.Post("/sessions", srv.handler.HandleStartSession)
		r.Post("/sessions/{token}/verify", srv.handler.HandleVerifyFactor)
		r.Get("/sessions/{token}", srv.handler.HandleSessionStatus)
		r.Post("/sessions/{token}/finalize", srv.handler.HandleFinalizeSession)
	})

	mux.With(srv.httpLogger).Route("/api/anomaly", func(r chi.Router) {
		r.Post("/events", srv.handler.HandleRecordEvent)
		r.Get("/{principal}/score", srv.handler.HandleScore)
		r.Post("/{principal}/unlock", srv.handler.HandleUnlock)
		r.Post("/{principal}/reset-score", srv.handler.HandleResetScore)
		r.Get("/denylist", srv.handler.HandleDenylist)
	})

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")
	go func() {
		// Let load balancers observe the readiness change.
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground starts the API and metrics listeners.
func (srv *Server) RunInBackground() {
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown gracefully stops the API and metrics listeners.
func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if len(srv.cfg.MetricsAddr) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
