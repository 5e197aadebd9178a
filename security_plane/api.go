package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/plugsentry/PlugSentry/security_plane/audit"
	"github.com/plugsentry/PlugSentry/security_plane/container"
	"github.com/plugsentry/PlugSentry/security_plane/installer"
	"github.com/plugsentry/PlugSentry/security_plane/middleware"
	"github.com/plugsentry/PlugSentry/security_plane/netguard"
	"github.com/plugsentry/PlugSentry/security_plane/permission"
	"github.com/plugsentry/PlugSentry/security_plane/reputation"
	"github.com/plugsentry/PlugSentry/security_plane/resource"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// idempotencyTTL bounds how long a replayed response stays available.
const idempotencyTTL = 24 * time.Hour

type API struct {
	store      store.Store
	coord      store.Coordinator
	pipeline   *Pipeline
	perms      *permission.Service
	netguard   *netguard.Controller
	limiter    *resource.Limiter
	reputation *reputation.Tracker
	auditLog   *audit.Log
	log        *logrus.Entry

	wsHub *AuditHub

	// Storm protection.
	installLimiter *rate.Limiter
	networkLimiter *rate.Limiter
}

func NewAPI(
	s store.Store,
	coord store.Coordinator,
	pipeline *Pipeline,
	perms *permission.Service,
	ng *netguard.Controller,
	limiter *resource.Limiter,
	rep *reputation.Tracker,
	auditLog *audit.Log,
) *API {
	api := &API{
		store:      s,
		coord:      coord,
		pipeline:   pipeline,
		perms:      perms,
		netguard:   ng,
		limiter:    limiter,
		reputation: rep,
		auditLog:   auditLog,
		log:        logrus.WithField("component", "api"),
		// Installs are heavyweight: 5/sec, burst 10.
		installLimiter: rate.NewLimiter(rate.Limit(5), 10),
		// Network checks are the hot path: 500/sec, burst 1000.
		networkLimiter: rate.NewLimiter(rate.Limit(500), 1000),
	}
	api.wsHub = NewAuditHub(auditLog)
	return api
}

// writeRateLimitError writes a 429 response with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter) {
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors to HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var rej *Rejection
	var viol *container.ViolationError
	switch {
	case errors.As(err, &rej):
		a.writeJSON(w, http.StatusUnprocessableEntity, rej)
	case errors.As(err, &viol):
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      "resource limit violated",
			"violations": viol.Violations,
		})
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, installer.ErrInstallInProgress):
		http.Error(w, "Install already in progress", http.StatusConflict)
	case errors.Is(err, container.ErrTimeout), errors.Is(err, container.ErrKilled):
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, permission.ErrUnknownResource), errors.Is(err, permission.ErrAlreadyGranted):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.log.WithError(err).Error("internal error")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

type storedResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays stored responses for repeated submissions with the
// same key, so a retried install does not run the pipeline twice.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		tenantID, _ := middleware.GetTenantFromContext(r.Context())
		recordKey := store.IdempotencyKey(tenantID, key)

		if raw, err := a.coord.GetIdempotencyRecord(r.Context(), recordKey); err == nil && raw != "" {
			var resp storedResponse
			if json.Unmarshal([]byte(raw), &resp) == nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(resp.StatusCode)
				w.Write(resp.Body)
				return
			}
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		raw, err := json.Marshal(storedResponse{StatusCode: rec.statusCode, Body: rec.body})
		if err != nil {
			return
		}
		if _, err := a.coord.SetIdempotencyRecordNX(r.Context(), recordKey, string(raw), idempotencyTTL); err != nil {
			a.log.WithError(err).Warn("failed to store idempotency record")
		}
	}
}

// -- Install / lifecycle --

func (a *API) handleInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.installLimiter.Allow() {
		a.writeRateLimitError(w)
		return
	}
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := a.pipeline.Install(r.Context(), tenantID, req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, outcome)
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.InstanceID == "" || req.Entrypoint == "" {
		http.Error(w, "instance_id and entrypoint are required", http.StatusBadRequest)
		return
	}

	res, err := a.pipeline.Execute(r.Context(), tenantID, req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	instances, err := a.store.ListInstances(r.Context(), tenantID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, instances)
}

// handleInstance routes /plugins/{instance_id} and its subresources.
func (a *API) handleInstance(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// parts[0] == "plugins"
	if len(parts) < 2 {
		http.Error(w, "Invalid instance ID", http.StatusBadRequest)
		return
	}
	instanceID := parts[1]

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			inst, err := a.store.GetInstance(r.Context(), tenantID, instanceID)
			if err != nil {
				a.writeError(w, err)
				return
			}
			a.writeJSON(w, http.StatusOK, inst)
		case http.MethodDelete:
			if err := a.pipeline.Uninstall(r.Context(), tenantID, instanceID, a.actor(r)); err != nil {
				a.writeError(w, err)
				return
			}
			a.writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[2] {
	case "status":
		a.handleInstanceStatus(w, r, tenantID, instanceID)
	case "permissions":
		a.handlePermissions(w, r, tenantID, instanceID)
	case "allowlist":
		a.handleAllowlist(w, r, tenantID, instanceID, parts)
	case "usage":
		a.handleUsage(w, r, tenantID, instanceID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) handleInstanceStatus(w http.ResponseWriter, r *http.Request, tenantID, instanceID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.pipeline.SetInstanceStatus(r.Context(), tenantID, instanceID, req.Status, a.actor(r)); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// -- Permissions --

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request, tenantID, instanceID string) {
	switch r.Method {
	case http.MethodGet:
		history, err := a.perms.ListHistory(r.Context(), tenantID, instanceID)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, history)

	case http.MethodPost:
		var req struct {
			Resource string `json:"resource"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := a.perms.Grant(r.Context(), tenantID, instanceID, req.Resource, a.actor(r)); err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusCreated, map[string]string{"status": "granted", "resource": req.Resource})

	case http.MethodDelete:
		resource := r.URL.Query().Get("resource")
		if resource == "" {
			http.Error(w, "resource query parameter is required", http.StatusBadRequest)
			return
		}
		killed, err := a.pipeline.RevokePermission(r.Context(), tenantID, instanceID, resource, a.actor(r))
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":            "revoked",
			"resource":          resource,
			"killed_executions": killed,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCheckPermission is the hot-path decision endpoint called by the
// plugin host on every sensitive operation.
func (a *API) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		InstanceID string `json:"instance_id"`
		Resource   string `json:"resource"`
		Domain     string `json:"domain,omitempty"`
		Table      string `json:"table,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	allowed, err := a.perms.Check(r.Context(), tenantID, req.InstanceID, req.Resource, permission.CheckContext{
		Domain: req.Domain,
		Table:  req.Table,
		Actor:  a.actor(r),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

// -- Network --

func (a *API) handleNetworkCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.networkLimiter.Allow() {
		a.writeRateLimitError(w)
		return
	}
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		InstanceID string `json:"instance_id"`
		Domain     string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.InstanceID == "" || req.Domain == "" {
		http.Error(w, "instance_id and domain are required", http.StatusBadRequest)
		return
	}

	decision, err := a.netguard.IsAllowed(r.Context(), tenantID, req.InstanceID, req.Domain)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, decision)
}

func (a *API) handleAllowlist(w http.ResponseWriter, r *http.Request, tenantID, instanceID string, parts []string) {
	switch r.Method {
	case http.MethodGet:
		entries, err := a.store.ListAllowlist(r.Context(), tenantID, instanceID)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, entries)

	case http.MethodPost:
		var req struct {
			Domain  string `json:"domain"`
			Allowed *bool  `json:"allowed,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Domain == "" {
			http.Error(w, "domain is required", http.StatusBadRequest)
			return
		}
		allowed := true
		if req.Allowed != nil {
			allowed = *req.Allowed
		}
		entry := &store.AllowlistEntry{
			TenantID:   tenantID,
			InstanceID: instanceID,
			Domain:     strings.ToLower(strings.TrimSpace(req.Domain)),
			Allowed:    allowed,
		}
		if err := a.store.UpsertAllowlistEntry(r.Context(), tenantID, entry); err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusCreated, entry)

	case http.MethodDelete:
		domain := r.URL.Query().Get("domain")
		if domain == "" {
			http.Error(w, "domain query parameter is required", http.StatusBadRequest)
			return
		}
		if err := a.store.DeleteAllowlistEntry(r.Context(), tenantID, instanceID, strings.ToLower(domain)); err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// -- Reputation --

// handleReputation routes /reputation/{plugin_id} and
// /reputation/{plugin_id}/rating.
func (a *API) handleReputation(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		http.Error(w, "Invalid plugin ID", http.StatusBadRequest)
		return
	}
	pluginID := parts[1]

	if len(parts) == 3 && parts[2] == "rating" {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Value float64 `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := a.reputation.OnRating(r.Context(), pluginID, req.Value); err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := a.reputation.Get(r.Context(), pluginID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if rec == nil {
		http.Error(w, "Plugin has no reputation history", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"record": rec,
		"level":  reputation.Level(rec.Score),
	})
}

func (a *API) actor(r *http.Request) string {
	role, err := middleware.GetRoleFromContext(r.Context())
	if err != nil {
		return "unknown"
	}
	return role
}
