package api

import (
	"practice-sync/internal/metrics"
	"practice-sync/internal/middleware"

	"github.com/gorilla/mux"
)

// SetupRoutes builds the relay router.
func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/identities/{identity}/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/identities/{identity}/entities", h.ListEntities).Methods("GET")
	api.HandleFunc("/identities/{identity}/events", h.ListEvents).Methods("GET")

	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// WebSocket route
	r.HandleFunc("/ws", h.HandleSyncWebSocket)

	return r
}

// SetupStatusRoutes builds the sync daemon's local status router.
func SetupStatusRoutes(h *StatusHandler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)

	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/api/health", h.Health).Methods("GET")
	r.HandleFunc("/api/entities/{kind}", h.ListEntities).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	return r
}
