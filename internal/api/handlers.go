// Package api exposes the KMS over HTTP: key lifecycle operations, the audit
// query surface, alert queries, and the metrics/health endpoints.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/tenant-kms/internal/alerts"
	"github.com/kenneth/tenant-kms/internal/audit"
	"github.com/kenneth/tenant-kms/internal/cache"
	"github.com/kenneth/tenant-kms/internal/keys"
	"github.com/kenneth/tenant-kms/internal/kms"
	"github.com/kenneth/tenant-kms/internal/metrics"
)

// Handler serves the KMS HTTP API.
type Handler struct {
	service  *kms.Service
	rotation *kms.RotationManager
	auditLog *audit.Logger
	alertMgr *alerts.Manager
	cacheMgr *cache.Manager
	metrics  *metrics.Collector
	logger   *logrus.Logger

	// readiness probes, injected by the composition root
	dbPing      func(ctx context.Context) error
	masterValid func() bool
}

// NewHandler creates the API handler.
func NewHandler(
	service *kms.Service,
	rotation *kms.RotationManager,
	auditLog *audit.Logger,
	alertMgr *alerts.Manager,
	cacheMgr *cache.Manager,
	collector *metrics.Collector,
	logger *logrus.Logger,
	dbPing func(ctx context.Context) error,
	masterValid func() bool,
) *Handler {
	return &Handler{
		service:     service,
		rotation:    rotation,
		auditLog:    auditLog,
		alertMgr:    alertMgr,
		cacheMgr:    cacheMgr,
		metrics:     collector,
		logger:      logger,
		dbPing:      dbPing,
		masterValid: masterValid,
	}
}

// RegisterRoutes mounts all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleHealth).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/keys", h.handleCreateKey).Methods("POST")
	v1.HandleFunc("/keys", h.handleListKeys).Methods("GET")
	v1.HandleFunc("/keys/{id}", h.handleGetKey).Methods("GET")
	v1.HandleFunc("/keys/{id}", h.handleDeleteKey).Methods("DELETE")
	v1.HandleFunc("/keys/{id}/rotate", h.handleRotateKey).Methods("POST")
	v1.HandleFunc("/keys/{id}/compromise", h.handleCompromiseKey).Methods("POST")
	v1.HandleFunc("/cache/stats", h.handleCacheStats).Methods("GET")
	v1.HandleFunc("/audit", h.handleAuditQuery).Methods("GET")
	v1.HandleFunc("/audit/export", h.handleAuditExport).Methods("GET")
	v1.HandleFunc("/audit/suspicious", h.handleSuspicious).Methods("GET")
	v1.HandleFunc("/alerts", h.handleAlerts).Methods("GET")
	v1.HandleFunc("/alerts/statistics", h.handleAlertStats).Methods("GET")
	v1.HandleFunc("/alerts/{id}/resolve", h.handleResolveAlert).Methods("POST")
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := keys.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case keys.KindKeyNotFound:
		status = http.StatusNotFound
	case keys.KindRotationFailed:
		status = http.StatusConflict
	case keys.KindStorage:
		status = http.StatusServiceUnavailable
	}
	var body errorBody
	body.Error.Kind = string(kind)
	if body.Error.Kind == "" {
		body.Error.Kind = "INTERNAL"
	}
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	var body errorBody
	body.Error.Kind = "BAD_REQUEST"
	body.Error.Message = msg
	writeJSON(w, http.StatusBadRequest, body)
}

// tenantFrom pulls the tenant scope from the query or X-Tenant-ID header.
func tenantFrom(r *http.Request) string {
	if t := r.URL.Query().Get("tenant_id"); t != "" {
		return t
	}
	return r.Header.Get("X-Tenant-ID")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var opts keys.CreateKeyOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if opts.TenantID == "" || opts.Purpose == "" {
		badRequest(w, "tenant_id and purpose are required")
		return
	}
	md, err := h.service.CreateKey(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, md)
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		badRequest(w, "tenant_id is required")
		return
	}
	md, err := h.service.GetKeyMetadata(r.Context(), mux.Vars(r)["id"], tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		badRequest(w, "tenant_id is required")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	filter := keys.ListFilter{
		TenantID: tenantID,
		Status:   keys.KeyStatus(q.Get("status")),
		Purpose:  q.Get("purpose"),
		Limit:    limit,
		Offset:   offset,
	}
	out, err := h.service.ListKeys(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": out})
}

func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		badRequest(w, "tenant_id is required")
		return
	}
	md, err := h.service.RotateKey(r.Context(), mux.Vars(r)["id"], tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (h *Handler) handleCompromiseKey(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		badRequest(w, "tenant_id is required")
		return
	}
	if err := h.service.CompromiseKey(r.Context(), mux.Vars(r)["id"], tenantID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		badRequest(w, "tenant_id is required")
		return
	}
	if err := h.service.DeleteKey(r.Context(), mux.Vars(r)["id"], tenantID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cacheMgr.GetCacheStats(r.Context()))
}

func auditFilterFrom(r *http.Request) audit.QueryFilter {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	filter := audit.QueryFilter{
		TenantID:  q.Get("tenant_id"),
		KeyID:     q.Get("key_id"),
		EventType: audit.EventType(q.Get("event_type")),
		ServiceID: q.Get("service_id"),
		UserID:    q.Get("user_id"),
		Result:    q.Get("result"),
		Limit:     limit,
		Offset:    offset,
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		}
	}
	return filter
}

func (h *Handler) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	entries, err := h.auditLog.Query(r.Context(), auditFilterFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	out, err := h.auditLog.ExportLogs(r.Context(), auditFilterFrom(r), format)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Exports are security-relevant and alerted on, independent of outcome
	// visibility to the caller.
	h.alertMgr.HandleSecurityEvent(alerts.EventDataExport, keys.Metadata{
		"format":     format,
		"ip_address": clientIP(r),
	})
	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func (h *Handler) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		badRequest(w, "tenant_id is required")
		return
	}
	window, _ := strconv.Atoi(r.URL.Query().Get("window_minutes"))
	entries, err := h.auditLog.FindSuspiciousActivity(r.Context(), tenantID, window)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var out []*alerts.Alert
	if sev := r.URL.Query().Get("severity"); sev != "" {
		out = h.alertMgr.GetAlertsBySeverity(alerts.Severity(sev))
	} else {
		out = h.alertMgr.GetActiveAlerts()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": out})
}

func (h *Handler) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.alertMgr.GetStatistics())
}

func (h *Handler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if !h.alertMgr.ResolveAlert(mux.Vars(r)["id"]) {
		var body errorBody
		body.Error.Kind = "NOT_FOUND"
		body.Error.Message = "unknown alert id"
		writeJSON(w, http.StatusNotFound, body)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{Status: "healthy", Timestamp: time.Now().UTC()})
}

// handleReady checks every hard dependency: master key, database, cache. The
// cache check is advisory only since the service degrades without it.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{"master_key": "ok", "database": "ok", "cache": "ok"},
	}
	code := http.StatusOK

	if h.masterValid != nil && !h.masterValid() {
		status.Checks["master_key"] = "invalid"
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	if h.dbPing != nil {
		if err := h.dbPing(r.Context()); err != nil {
			status.Checks["database"] = err.Error()
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
	}
	if h.cacheMgr != nil {
		if err := h.cacheMgr.HealthCheck(r.Context()); err != nil {
			// degraded, not down: reads fall through to storage
			status.Checks["cache"] = "degraded"
		}
	}
	writeJSON(w, code, status)
}
