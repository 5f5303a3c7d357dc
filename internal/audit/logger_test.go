package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kenneth/tenant-kms/internal/keys"
)

// memWriter collects mirrored entries for assertions.
type memWriter struct {
	mu      sync.Mutex
	entries []*Entry
}

func (w *memWriter) WriteEntry(entry *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry)
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func newTestLogger(t *testing.T, mirror EventWriter) *Logger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	signer, err := NewSigner([]byte("audit-secret"))
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	l := NewLogger(db, signer, log, mirror)
	require.NoError(t, l.Migrate())
	return l
}

func TestLogEventPersistsSignedEntry(t *testing.T) {
	mirror := &memWriter{}
	l := newTestLogger(t, mirror)
	ctx := context.Background()

	err := l.LogEvent(ctx, &Event{
		EventType: EventKeyCreation,
		KeyID:     "key-1",
		TenantID:  "tenant-a",
		Action:    "create_key",
		Result:    ResultSuccess,
		Metadata:  keys.Metadata{"purpose": keys.PurposeFieldEncryption},
	})
	require.NoError(t, err)

	out, err := l.Query(ctx, QueryFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, out, 1)

	e := out[0]
	assert.Equal(t, EventKeyCreation, e.EventType)
	assert.NotEmpty(t, e.HMACSignature)
	assert.True(t, l.VerifyEntry(e), "persisted entry must verify")
	assert.Equal(t, 1, mirror.count())
	assert.Zero(t, l.FailureCount())
}

func TestVerifyEntryAfterReadBackWithNilMetadata(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	// deletion entries carry no metadata at all
	l.LogKeyDeletion(ctx, "key-nil", "tenant-a", ResultSuccess)

	out, err := l.Query(ctx, QueryFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, l.VerifyEntry(out[0]),
		"untampered entry with empty metadata must verify after a read back")
}

func TestVerifyEntryDetectsRowTampering(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	l.LogKeyAccess(ctx, "key-1", "tenant-a", ResultSuccess, nil)

	out, err := l.Query(ctx, QueryFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, out, 1)

	out[0].Result = ResultFailure
	assert.False(t, l.VerifyEntry(out[0]))
}

func TestQueryFilters(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	l.LogKeyCreation(ctx, "key-1", "tenant-a", ResultSuccess, nil)
	l.LogKeyAccess(ctx, "key-1", "tenant-a", ResultSuccess, nil)
	l.LogKeyAccess(ctx, "key-2", "tenant-a", ResultFailure, nil)
	l.LogKeyAccess(ctx, "key-3", "tenant-b", ResultSuccess, nil)

	out, err := l.Query(ctx, QueryFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Len(t, out, 3)

	out, err = l.Query(ctx, QueryFilter{TenantID: "tenant-a", EventType: EventKeyAccess})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = l.Query(ctx, QueryFilter{TenantID: "tenant-a", Result: ResultFailure})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "key-2", out[0].KeyID)

	out, err = l.Query(ctx, QueryFilter{KeyID: "key-1"})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = l.Query(ctx, QueryFilter{TenantID: "tenant-a", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestQueryTimeWindow(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	l.LogKeyAccess(ctx, "key-1", "tenant-a", ResultSuccess, nil)

	past := time.Now().UTC().Add(-time.Hour)
	now := time.Now().UTC().Add(time.Minute)

	out, err := l.Query(ctx, QueryFilter{TenantID: "tenant-a", From: &past, To: &now})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = l.Query(ctx, QueryFilter{TenantID: "tenant-a", To: &past})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFindSuspiciousActivity(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	l.LogKeyAccess(ctx, "key-1", "tenant-a", ResultSuccess, nil)
	l.LogKeyAccess(ctx, "key-1", "tenant-a", ResultFailure, nil)
	l.LogSecurityAlert(ctx, "tenant-a", "unauthorized_access", nil)
	l.LogKeyAccess(ctx, "key-2", "tenant-b", ResultFailure, nil)

	out, err := l.FindSuspiciousActivity(ctx, "tenant-a", 60)
	require.NoError(t, err)
	assert.Len(t, out, 2, "one failure and one security alert, scoped to the tenant")
}

func TestCleanupOldLogs(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	l.LogKeyAccess(ctx, "key-1", "tenant-a", ResultSuccess, nil)
	l.LogKeyAccess(ctx, "key-2", "tenant-a", ResultSuccess, nil)

	// age one entry past the retention boundary
	old := time.Now().UTC().AddDate(0, 0, -10)
	require.NoError(t, l.db.Model(&Entry{}).Where("key_id = ?", "key-1").
		Update("timestamp", old).Error)

	removed, err := l.CleanupOldLogs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	out, err := l.Query(ctx, QueryFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "key-2", out[0].KeyID)
}

func TestExportLogsJSON(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	l.LogKeyRotation(ctx, "key-old", "key-new", "tenant-a", ResultSuccess)

	out, err := l.ExportLogs(ctx, QueryFilter{TenantID: "tenant-a"}, FormatJSON)
	require.NoError(t, err)

	var entries []*Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, EventKeyRotation, entries[0].EventType)
	assert.Equal(t, "key-new", entries[0].Metadata["new_key_id"])
}

func TestExportLogsCSV(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	l.LogKeyDeletion(ctx, "key-1", "tenant-a", ResultSuccess)

	out, err := l.ExportLogs(ctx, QueryFilter{TenantID: "tenant-a"}, FormatCSV)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,timestamp,event_type"))
	assert.Contains(t, lines[1], "key_deletion")
	assert.Contains(t, lines[1], "tenant-a")
}

func TestExportLogsUnknownFormat(t *testing.T) {
	l := newTestLogger(t, nil)
	_, err := l.ExportLogs(context.Background(), QueryFilter{}, "xml")
	require.Error(t, err)
	assert.True(t, keys.IsKind(err, keys.KindAuditLog))
}
