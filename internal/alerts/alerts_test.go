package alerts

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/tenant-kms/internal/keys"
	"github.com/kenneth/tenant-kms/internal/metrics"
)

func newTestManager(notifier Notifier) *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(logger, notifier, metrics.NewCollector())
}

func TestCreateAlert(t *testing.T) {
	m := newTestManager(nil)

	alert := m.CreateAlert(SeverityWarning, "Cache degraded", "redis unreachable",
		keys.Metadata{"component": "cache"})
	require.NotNil(t, alert)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, SeverityWarning, alert.Severity)
	assert.False(t, alert.Resolved)

	active := m.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, alert.ID, active[0].ID)
}

func TestCreateAlertInvokesHandlers(t *testing.T) {
	m := newTestManager(nil)

	var seen []*Alert
	m.RegisterHandler(SeverityError, func(a *Alert) { seen = append(seen, a) })

	m.CreateAlert(SeverityError, "Rotation failed", "key rotation error", nil)
	m.CreateAlert(SeverityInfo, "Key rotated", "rotation succeeded", nil)

	require.Len(t, seen, 1, "handler fires only for its registered severity")
	assert.Equal(t, "Rotation failed", seen[0].Title)
}

type chanNotifier struct {
	ch chan *Alert
}

func (n *chanNotifier) Notify(alert *Alert) error {
	n.ch <- alert
	return nil
}

func TestCriticalAlertNotifies(t *testing.T) {
	notifier := &chanNotifier{ch: make(chan *Alert, 1)}
	m := newTestManager(notifier)

	m.CreateAlert(SeverityCritical, "Key compromised", "key marked compromised", nil)

	select {
	case alert := <-notifier.ch:
		assert.Equal(t, "Key compromised", alert.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestNonCriticalAlertDoesNotNotify(t *testing.T) {
	notifier := &chanNotifier{ch: make(chan *Alert, 1)}
	m := newTestManager(notifier)

	m.CreateAlert(SeverityError, "Rotation failed", "key rotation error", nil)

	select {
	case <-notifier.ch:
		t.Fatal("non-critical alert must not page")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleSecurityEventMapping(t *testing.T) {
	m := newTestManager(nil)

	tests := []struct {
		event    string
		severity Severity
	}{
		{EventUnauthorizedAccess, SeverityCritical},
		{EventRateLimitExceeded, SeverityWarning},
		{EventFailedLogin, SeverityWarning},
		{EventSuspiciousActivity, SeverityError},
		{EventDataExport, SeverityInfo},
		{"something_new", SeverityWarning},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			alert := m.HandleSecurityEvent(tt.event, keys.Metadata{"tenant_id": "tenant-a"})
			require.NotNil(t, alert)
			assert.Equal(t, tt.severity, alert.Severity)
		})
	}
}

func TestCreateAlertDeduplicatesRepeats(t *testing.T) {
	m := newTestManager(nil)

	first := m.CreateAlert(SeverityError, "Rotation failed", "sweep error", nil)
	second := m.CreateAlert(SeverityError, "Rotation failed", "sweep error again", nil)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Count)
	assert.Equal(t, 1, m.GetStatistics().Total)

	// a different title or severity is a distinct condition
	m.CreateAlert(SeverityError, "Cache degraded", "", nil)
	m.CreateAlert(SeverityWarning, "Rotation failed", "", nil)
	assert.Equal(t, 3, m.GetStatistics().Total)
}

func TestDedupStopsAtResolution(t *testing.T) {
	m := newTestManager(nil)

	first := m.CreateAlert(SeverityWarning, "Cache degraded", "", nil)
	require.True(t, m.ResolveAlert(first.ID))

	second := m.CreateAlert(SeverityWarning, "Cache degraded", "", nil)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Count)
}

func TestDuplicateCriticalAlertDoesNotRePage(t *testing.T) {
	notifier := &chanNotifier{ch: make(chan *Alert, 2)}
	m := newTestManager(notifier)

	m.CreateAlert(SeverityCritical, "Key compromised", "", nil)
	m.CreateAlert(SeverityCritical, "Key compromised", "", nil)

	select {
	case <-notifier.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("first notification was not delivered")
	}
	select {
	case <-notifier.ch:
		t.Fatal("suppressed duplicate must not page again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolveAlert(t *testing.T) {
	m := newTestManager(nil)
	alert := m.CreateAlert(SeverityWarning, "Cache degraded", "redis unreachable", nil)

	assert.False(t, m.ResolveAlert("no-such-id"))
	assert.True(t, m.ResolveAlert(alert.ID))
	assert.Empty(t, m.GetActiveAlerts())

	resolved := m.GetAlertsBySeverity(SeverityWarning)
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].Resolved)
	assert.NotNil(t, resolved[0].ResolvedAt)
}

func TestGetActiveAlertsNewestFirst(t *testing.T) {
	m := newTestManager(nil)

	first := m.CreateAlert(SeverityInfo, "first", "one", nil)
	time.Sleep(2 * time.Millisecond)
	second := m.CreateAlert(SeverityInfo, "second", "two", nil)

	active := m.GetActiveAlerts()
	require.Len(t, active, 2)
	assert.Equal(t, second.ID, active[0].ID)
	assert.Equal(t, first.ID, active[1].ID)
}

func TestGetActiveAlertsReturnsCopies(t *testing.T) {
	m := newTestManager(nil)
	alert := m.CreateAlert(SeverityInfo, "original", "message", nil)

	m.GetActiveAlerts()[0].Title = "mutated"

	again := m.GetActiveAlerts()
	require.Len(t, again, 1)
	assert.Equal(t, "original", again[0].Title)
	_ = alert
}

func TestGetStatistics(t *testing.T) {
	m := newTestManager(nil)

	m.CreateAlert(SeverityWarning, "w1", "", nil)
	m.CreateAlert(SeverityWarning, "w2", "", nil)
	resolved := m.CreateAlert(SeverityCritical, "c1", "", nil)
	m.ResolveAlert(resolved.ID)

	stats := m.GetStatistics()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active[SeverityWarning])
	assert.Equal(t, 1, stats.Resolved[SeverityCritical])
	assert.Zero(t, stats.Active[SeverityCritical])
}

func TestCleanupOldAlerts(t *testing.T) {
	m := newTestManager(nil)

	old := m.CreateAlert(SeverityInfo, "old", "", nil)
	m.ResolveAlert(old.ID)
	// age the resolution past the cutoff
	past := time.Now().UTC().Add(-2 * time.Hour)
	m.mu.Lock()
	m.alerts[old.ID].ResolvedAt = &past
	m.mu.Unlock()

	fresh := m.CreateAlert(SeverityInfo, "fresh", "", nil)
	m.ResolveAlert(fresh.ID)
	unresolved := m.CreateAlert(SeverityInfo, "open", "", nil)

	removed := m.CleanupOldAlerts(time.Hour)
	assert.Equal(t, 1, removed)

	stats := m.GetStatistics()
	assert.Equal(t, 2, stats.Total)
	_ = unresolved
}
