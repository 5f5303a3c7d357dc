// Package alerts raises, deduplicates, and routes severity-tagged operational
// alerts. Alerts live in memory; critical ones are additionally pushed to
// external channels best-effort.
package alerts

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/tenant-kms/internal/keys"
	"github.com/kenneth/tenant-kms/internal/metrics"
)

// Severity orders alerts by operational urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one raised condition. A flapping condition folds into a single
// alert: Count tracks how many times it fired and LastSeenAt when it last did.
type Alert struct {
	ID         string        `json:"id"`
	Severity   Severity      `json:"severity"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	Timestamp  time.Time     `json:"timestamp"`
	LastSeenAt time.Time     `json:"last_seen_at"`
	Count      int           `json:"count"`
	Metadata   keys.Metadata `json:"metadata,omitempty"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// dedupWindow bounds how long an unresolved alert keeps absorbing repeats of
// the same severity and title.
const dedupWindow = 5 * time.Minute

// Handler is invoked synchronously for every alert of a registered severity.
type Handler func(alert *Alert)

// Statistics summarizes the alert population by severity.
type Statistics struct {
	Active   map[Severity]int `json:"active"`
	Resolved map[Severity]int `json:"resolved"`
	Total    int              `json:"total"`
}

// Manager stores alerts and routes them.
type Manager struct {
	mu       sync.RWMutex
	alerts   map[string]*Alert
	handlers map[Severity][]Handler

	logger   *logrus.Logger
	notifier Notifier
	metrics  *metrics.Collector
}

// NewManager builds an alert manager. notifier and collector may be nil.
func NewManager(logger *logrus.Logger, notifier Notifier, collector *metrics.Collector) *Manager {
	return &Manager{
		alerts:   make(map[string]*Alert),
		handlers: make(map[Severity][]Handler),
		logger:   logger,
		notifier: notifier,
		metrics:  collector,
	}
}

// RegisterHandler attaches a handler to a severity.
func (m *Manager) RegisterHandler(severity Severity, h Handler) {
	m.mu.Lock()
	m.handlers[severity] = append(m.handlers[severity], h)
	m.mu.Unlock()
}

// CreateAlert stores a new alert, logs it at a level matching its severity,
// invokes registered handlers, and pushes critical alerts to external
// channels. Notification failures never surface to the caller. A repeat of an
// unresolved alert with the same severity and title within the dedup window
// bumps its count instead of raising a new one; duplicates are neither
// re-notified nor re-handled.
func (m *Manager) CreateAlert(severity Severity, title, message string, md keys.Metadata) *Alert {
	now := time.Now().UTC()

	m.mu.Lock()
	if dup := m.findDuplicate(severity, title, now); dup != nil {
		dup.Count++
		dup.LastSeenAt = now
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"alert_id": dup.ID,
			"severity": severity,
			"title":    title,
			"count":    dup.Count,
		}).Debug("duplicate alert suppressed")
		if m.metrics != nil {
			m.metrics.IncrementCounter("alerts_deduplicated")
		}
		return dup
	}
	alert := &Alert{
		ID:         uuid.NewString(),
		Severity:   severity,
		Title:      title,
		Message:    message,
		Timestamp:  now,
		LastSeenAt: now,
		Count:      1,
		Metadata:   md,
	}
	m.alerts[alert.ID] = alert
	handlers := append([]Handler(nil), m.handlers[severity]...)
	m.mu.Unlock()

	entry := m.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"severity": severity,
		"title":    title,
	})
	switch severity {
	case SeverityCritical, SeverityError:
		entry.Error(message)
	case SeverityWarning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}

	if m.metrics != nil {
		m.metrics.IncrementCounter("alerts_" + string(severity))
	}

	for _, h := range handlers {
		h(alert)
	}

	if severity == SeverityCritical && m.notifier != nil {
		go func() {
			if err := m.notifier.Notify(alert); err != nil {
				m.logger.WithError(err).Warn("critical alert notification failed")
				if m.metrics != nil {
					m.metrics.IncrementCounter("alert_notification_failures")
				}
			}
		}()
	}
	return alert
}

// Security event names recognized by HandleSecurityEvent.
const (
	EventUnauthorizedAccess = "unauthorized_access"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventFailedLogin        = "failed_login"
	EventSuspiciousActivity = "suspicious_activity"
	EventDataExport         = "data_export"
)

// HandleSecurityEvent maps a domain security event to a severity and message
// before delegating to CreateAlert.
func (m *Manager) HandleSecurityEvent(eventType string, details keys.Metadata) *Alert {
	if m.metrics != nil {
		m.metrics.RecordSecurityEvent(eventType)
	}
	switch eventType {
	case EventUnauthorizedAccess:
		return m.CreateAlert(SeverityCritical, "Unauthorized access detected",
			"an unauthorized principal attempted a key operation", details)
	case EventRateLimitExceeded:
		return m.CreateAlert(SeverityWarning, "Rate limit exceeded",
			"a caller exceeded its key operation rate limit", details)
	case EventFailedLogin:
		return m.CreateAlert(SeverityWarning, "Failed login",
			"an authentication attempt against the KMS failed", details)
	case EventSuspiciousActivity:
		return m.CreateAlert(SeverityError, "Suspicious activity",
			"anomalous key operation pattern detected", details)
	case EventDataExport:
		return m.CreateAlert(SeverityInfo, "Data export",
			"an audit log export was performed", details)
	default:
		return m.CreateAlert(SeverityWarning, "Unknown security event",
			"unrecognized security event: "+eventType, details)
	}
}

// ResolveAlert marks an alert resolved. Returns false when the id is unknown.
func (m *Manager) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok || alert.Resolved {
		return ok && alert.Resolved
	}
	now := time.Now().UTC()
	alert.Resolved = true
	alert.ResolvedAt = &now
	return true
}

// GetActiveAlerts returns all unresolved alerts, newest first.
func (m *Manager) GetActiveAlerts() []*Alert {
	return m.filter(func(a *Alert) bool { return !a.Resolved })
}

// GetAlertsBySeverity returns all alerts of a severity, resolved or not.
func (m *Manager) GetAlertsBySeverity(severity Severity) []*Alert {
	return m.filter(func(a *Alert) bool { return a.Severity == severity })
}

func (m *Manager) filter(keep func(*Alert) bool) []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Alert
	for _, a := range m.alerts {
		if keep(a) {
			c := *a
			out = append(out, &c)
		}
	}
	sortByTimestampDesc(out)
	return out
}

// findDuplicate returns an unresolved alert with the same severity and title
// that was last seen within the dedup window. Caller holds m.mu.
func (m *Manager) findDuplicate(severity Severity, title string, now time.Time) *Alert {
	for _, a := range m.alerts {
		if !a.Resolved && a.Severity == severity && a.Title == title &&
			now.Sub(a.LastSeenAt) < dedupWindow {
			return a
		}
	}
	return nil
}

func sortByTimestampDesc(alerts []*Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
}

// GetStatistics reports active/resolved counts by severity.
func (m *Manager) GetStatistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Statistics{
		Active:   make(map[Severity]int),
		Resolved: make(map[Severity]int),
		Total:    len(m.alerts),
	}
	for _, a := range m.alerts {
		if a.Resolved {
			stats.Resolved[a.Severity]++
		} else {
			stats.Active[a.Severity]++
		}
	}
	return stats
}

// CleanupOldAlerts garbage-collects resolved alerts older than maxAge and
// returns how many were removed.
func (m *Manager) CleanupOldAlerts(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for id, a := range m.alerts {
		if a.Resolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(m.alerts, id)
			removed++
		}
	}
	return removed
}
