package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPWriter(t *testing.T) {
	var mu sync.Mutex
	var received []Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Entry
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewHTTPWriter(srv.URL)
	err := w.WriteEntry(&Entry{
		Timestamp: time.Now().UTC(),
		EventType: EventKeyAccess,
		KeyID:     "key-1",
		TenantID:  "tenant-a",
		Action:    "get_key_metadata",
		Result:    ResultSuccess,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "key-1", received[0].KeyID)
}

func TestHTTPWriterRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewHTTPWriter(srv.URL)
	assert.Error(t, w.WriteEntry(&Entry{EventType: EventKeyAccess}))
}

func TestStdoutWriter(t *testing.T) {
	// smoke test: must not error on a fully populated entry
	w := StdoutWriter{}
	assert.NoError(t, w.WriteEntry(&Entry{
		Timestamp: time.Now().UTC(),
		EventType: EventSecurityAlert,
		TenantID:  "tenant-a",
		Action:    "unauthorized_access",
		Result:    ResultFailure,
	}))
}
