package handlers

import (
	"net/http"

	"github.com/chatexport/backend/internal/metrics"
)

// AuthDependencies aggregates collaborators required by the auth service.
type AuthDependencies struct {
	Handshake HandshakeService
	Limiter   RateLimiter
	Metrics   metrics.Recorder
	Gatherer  http.Handler
}

// ExportDependencies aggregates collaborators required by the worker service.
type ExportDependencies struct {
	Exports  Exporter
	Metrics  metrics.Recorder
	Gatherer http.Handler
}

// RegisterAuthRoutes wires the auth service handlers into the provided mux.
func RegisterAuthRoutes(mux *http.ServeMux, deps AuthDependencies) {
	health := HealthHandler{Service: "auth"}
	auth := AuthHandler{Handshake: deps.Handshake, Limiter: deps.Limiter, Metrics: deps.Metrics}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/auth/send_code", auth.SendCode)
	mux.HandleFunc("/auth/confirm_code", auth.ConfirmCode)
	mux.HandleFunc("/auth/confirm_password", auth.ConfirmPassword)
	mux.HandleFunc("/auth/cancel", auth.Cancel)
	mux.HandleFunc("/auth/logout", auth.Logout)
	mux.HandleFunc("/auth/status", auth.Status)
	if deps.Gatherer != nil {
		mux.Handle("/metrics", deps.Gatherer)
	}
}

// RegisterExportRoutes wires the worker service handlers into the provided mux.
func RegisterExportRoutes(mux *http.ServeMux, deps ExportDependencies) {
	health := HealthHandler{Service: "worker"}
	exports := ExportHandler{Exports: deps.Exports, Metrics: deps.Metrics}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/export/run", exports.Run)
	if deps.Gatherer != nil {
		mux.Handle("/metrics", deps.Gatherer)
	}
}
