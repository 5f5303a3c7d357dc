package audit

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kenneth/tenant-kms/internal/keys"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{
	"id", "timestamp", "event_type", "key_id", "tenant_id", "service_id",
	"user_id", "action", "result", "ip_address", "hmac_signature",
}

// ExportLogs renders the entries matching the filter as a JSON array or a
// CSV document for compliance handoff.
func (l *Logger) ExportLogs(ctx context.Context, filter QueryFilter, format string) (string, error) {
	entries, err := l.Query(ctx, filter)
	if err != nil {
		return "", err
	}
	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", keys.E(keys.KindAuditLog, "audit.ExportLogs", "json encoding failed", err)
		}
		return string(data), nil
	case FormatCSV:
		var sb strings.Builder
		w := csv.NewWriter(&sb)
		if err := w.Write(csvHeader); err != nil {
			return "", keys.E(keys.KindAuditLog, "audit.ExportLogs", "csv encoding failed", err)
		}
		for _, e := range entries {
			row := []string{
				strconv.FormatUint(e.ID, 10),
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				string(e.EventType),
				e.KeyID,
				e.TenantID,
				e.ServiceID,
				e.UserID,
				e.Action,
				e.Result,
				e.IPAddress,
				hex.EncodeToString(e.HMACSignature),
			}
			if err := w.Write(row); err != nil {
				return "", keys.E(keys.KindAuditLog, "audit.ExportLogs", "csv encoding failed", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return "", keys.E(keys.KindAuditLog, "audit.ExportLogs", "csv encoding failed", err)
		}
		return sb.String(), nil
	default:
		return "", keys.Errorf(keys.KindAuditLog, "audit.ExportLogs", "unknown export format %q", format)
	}
}
