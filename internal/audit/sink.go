package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EventWriter mirrors persisted audit entries to an external stream, e.g. a
// SIEM collector. Mirroring is best-effort; the database row is the record.
type EventWriter interface {
	WriteEntry(entry *Entry) error
}

// StdoutWriter emits entries as JSON lines, one per entry.
type StdoutWriter struct{}

func (StdoutWriter) WriteEntry(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	fmt.Printf("%s\n", data)
	return nil
}

// HTTPWriter POSTs entries to a collector endpoint.
type HTTPWriter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPWriter builds a writer for the given collector endpoint.
func NewHTTPWriter(endpoint string) *HTTPWriter {
	return &HTTPWriter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *HTTPWriter) WriteEntry(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	resp, err := w.client.Post(w.endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("post audit entry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit collector returned status %d", resp.StatusCode)
	}
	return nil
}
