package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/plugsentry/PlugSentry/security_plane/middleware"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

const (
	defaultAuditPageSize = 100
	maxAuditPageSize     = 1000
)

// handleQueryAudit serves the read-only audit surface for the dashboard.
// Cursor pagination: pass after_seq from the last entry of the previous page.
func (a *API) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	filter := store.AuditFilter{
		TenantID:   tenantID,
		InstanceID: q.Get("instance_id"),
		PluginID:   q.Get("plugin_id"),
		Category:   q.Get("category"),
		Severity:   q.Get("severity"),
		Limit:      defaultAuditPageSize,
	}
	if v := q.Get("after_seq"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid after_seq", http.StatusBadRequest)
			return
		}
		filter.AfterSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if limit > maxAuditPageSize {
			limit = maxAuditPageSize
		}
		filter.Limit = limit
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid from timestamp", http.StatusBadRequest)
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid to timestamp", http.StatusBadRequest)
			return
		}
		filter.To = t
	}

	entries, err := a.auditLog.Query(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var nextCursor int64
	if len(entries) == filter.Limit && filter.Limit > 0 {
		nextCursor = entries[len(entries)-1].Seq
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":     entries,
		"next_cursor": nextCursor,
	})
}

// handleUsage serves accumulated usage buckets for one instance.
func (a *API) handleUsage(w http.ResponseWriter, r *http.Request, tenantID, instanceID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = t
	}

	records, err := a.store.ListUsage(r.Context(), tenantID, instanceID, from, to)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, records)
}
