package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/observability"
	"github.com/batbern/identity-reconciler/pkg/reconcile"
	"github.com/batbern/identity-reconciler/pkg/storage"
	usersync "github.com/batbern/identity-reconciler/pkg/sync"
)

// Handlers handles internal API requests.
type Handlers struct {
	registration *usersync.RegistrationHandler
	enricher     *usersync.ClaimEnricher
	saga         *usersync.RoleSyncSaga
	scheduler    *reconcile.Scheduler
	users        storage.UserRepository
	comp         storage.CompensationLogStore
	reports      storage.ReportStore
	logger       *observability.Logger
}

// NewHandlers creates the internal API handlers.
func NewHandlers(registration *usersync.RegistrationHandler, enricher *usersync.ClaimEnricher, saga *usersync.RoleSyncSaga, scheduler *reconcile.Scheduler, users storage.UserRepository, comp storage.CompensationLogStore, reports storage.ReportStore, logger *observability.Logger) *Handlers {
	return &Handlers{
		registration: registration,
		enricher:     enricher,
		saga:         saga,
		scheduler:    scheduler,
		users:        users,
		comp:         comp,
		reports:      reports,
		logger:       logger,
	}
}

// RegisterRoutes registers all internal routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/hooks/identity-confirmed", h.IdentityConfirmed).Methods("POST")
	router.HandleFunc("/hooks/pre-token-issuance", h.PreTokenIssuance).Methods("POST")

	router.HandleFunc("/users/by-email/{email}", h.GetUserByEmail).Methods("GET")
	router.HandleFunc("/users/{id}/roles", h.ChangeRole).Methods("POST")
	router.HandleFunc("/users/{id}/roles/history", h.GetRoleHistory).Methods("GET")
	router.HandleFunc("/users/{id}/compensation-logs", h.GetCompensationLogs).Methods("GET")

	router.HandleFunc("/reconciliation/trigger", h.TriggerReconciliation).Methods("POST")
	router.HandleFunc("/reconciliation/status", h.GetReconciliationStatus).Methods("GET")
	router.HandleFunc("/reconciliation/latest-report", h.GetLatestReport).Methods("GET")
}

type identityConfirmedRequest struct {
	IdentityID    string `json:"idpIdentityId"`
	Email         string `json:"email"`
	RequestedRole string `json:"requestedRole,omitempty"`
}

// IdentityConfirmed handles a provider sign-up confirmation event.
func (h *Handlers) IdentityConfirmed(w http.ResponseWriter, r *http.Request) {
	var req identityConfirmedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var role identity.Role
	if req.RequestedRole != "" {
		parsed, err := identity.ParseRole(req.RequestedRole)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		role = parsed
	}

	user, err := h.registration.OnIdentityConfirmed(r.Context(), usersync.ConfirmedIdentity{
		IdentityID:    req.IdentityID,
		Email:         req.Email,
		RequestedRole: role,
	})
	if err != nil {
		if errors.Is(err, identity.ErrIdentityConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

type preTokenIssuanceRequest struct {
	IdentityID string `json:"idpIdentityId"`
}

// PreTokenIssuance returns the claims for a token about to be issued.
func (h *Handlers) PreTokenIssuance(w http.ResponseWriter, r *http.Request) {
	var req preTokenIssuanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IdentityID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	claims, err := h.enricher.OnPreTokenIssuance(r.Context(), req.IdentityID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			http.Error(w, "Unknown identity", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(claims)
}

type changeRoleRequest struct {
	OldRole string  `json:"oldRole,omitempty"`
	NewRole string  `json:"newRole,omitempty"`
	EventID *string `json:"eventId,omitempty"`
}

// ChangeRole runs the role sync saga for a user.
func (h *Handlers) ChangeRole(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var req changeRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OldRole == "" && req.NewRole == "" {
		http.Error(w, "At least one of oldRole and newRole is required", http.StatusBadRequest)
		return
	}

	var change storage.RoleChange
	change.EventID = req.EventID
	if req.OldRole != "" {
		role, err := identity.ParseRole(req.OldRole)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		change.Old = &role
	}
	if req.NewRole != "" {
		role, err := identity.ParseRole(req.NewRole)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		change.New = &role
	}

	user, err := h.saga.ChangeRole(r.Context(), userID, change)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserNotFound):
			http.Error(w, "User not found", http.StatusNotFound)
		case errors.Is(err, identity.ErrVersionConflict):
			http.Error(w, "User changed concurrently, retry", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// GetUserByEmail looks up a user by email.
func (h *Handlers) GetUserByEmail(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]

	user, err := h.users.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// GetRoleHistory returns the full role assignment history for a user.
func (h *Handlers) GetRoleHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	if _, err := h.users.GetByID(r.Context(), userID); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	history, err := h.users.RoleHistory(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}

// GetCompensationLogs returns the compensation log entries for a user.
func (h *Handlers) GetCompensationLogs(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	entries, err := h.comp.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []identity.CompensationLogEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// TriggerReconciliation starts a reconciliation run and waits for its report.
func (h *Handlers) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.RunOnce(r.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrRunInProgress) {
			http.Error(w, "Reconciliation run already in progress", http.StatusConflict)
			return
		}
		// A FAILED run still produces a report worth returning.
		if report != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(report)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// GetReconciliationStatus reports whether a run is currently in flight.
func (h *Handlers) GetReconciliationStatus(w http.ResponseWriter, r *http.Request) {
	running, err := h.scheduler.Running(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"running": running})
}

// GetLatestReport returns the most recent reconciliation report.
func (h *Handlers) GetLatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.LatestReport(r.Context())
	if err != nil {
		if errors.Is(err, identity.ErrNoReport) {
			http.Error(w, "No reconciliation run recorded yet", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
