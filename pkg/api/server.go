package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/batbern/identity-reconciler/pkg/observability"
	"github.com/batbern/identity-reconciler/pkg/reconcile"
	"github.com/batbern/identity-reconciler/pkg/storage"
	usersync "github.com/batbern/identity-reconciler/pkg/sync"
)

// Server assembles the internal API router.
type Server struct {
	router *mux.Router
}

// NewServer creates the API server and registers all routes behind the
// internal auth and logging middleware.
func NewServer(registration *usersync.RegistrationHandler, enricher *usersync.ClaimEnricher, saga *usersync.RoleSyncSaga, scheduler *reconcile.Scheduler, users storage.UserRepository, comp storage.CompensationLogStore, reports storage.ReportStore, internalKey string, logger *observability.Logger) *Server {
	s := &Server{router: mux.NewRouter()}

	handlers := NewHandlers(registration, enricher, saga, scheduler, users, comp, reports, logger)
	internal := s.router.PathPrefix("/api/v1/internal").Subrouter()
	handlers.RegisterRoutes(internal)
	internal.Use(func(next http.Handler) http.Handler {
		return InternalAuth(internalKey, next)
	})
	s.router.Use(func(next http.Handler) http.Handler {
		return RequestLogging(logger, next)
	})

	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}
