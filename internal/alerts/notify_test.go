package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/tenant-kms/internal/keys"
)

func testAlert() *Alert {
	return &Alert{
		ID:        "alert-1",
		Severity:  SeverityCritical,
		Title:     "Key compromised",
		Message:   "key marked compromised",
		Timestamp: time.Now().UTC(),
		Metadata:  keys.Metadata{"key_id": "key-1", "tenant_id": "tenant-a"},
	}
}

func TestWebhookNotifierDeliversBothChannels(t *testing.T) {
	var mu sync.Mutex
	var chat []chatPayload
	var pages []pagerPayload

	chatSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p chatPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		chat = append(chat, p)
		mu.Unlock()
	}))
	defer chatSrv.Close()

	pagerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p pagerPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		pages = append(pages, p)
		mu.Unlock()
	}))
	defer pagerSrv.Close()

	n := NewWebhookNotifier(chatSrv.URL, pagerSrv.URL)
	require.NoError(t, n.Notify(testAlert()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, chat, 1)
	assert.Contains(t, chat[0].Text, "Key compromised")
	require.Len(t, pages, 1)
	assert.Equal(t, "tenant-kms", pages[0].Source)
	assert.Equal(t, "critical", pages[0].Severity)
	assert.Equal(t, "key-1", pages[0].Details["key_id"])
}

func TestWebhookNotifierEmptyURLsAreNoops(t *testing.T) {
	n := NewWebhookNotifier("", "")
	assert.NoError(t, n.Notify(testAlert()))
}

func TestWebhookNotifierReportsEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "")
	assert.Error(t, n.Notify(testAlert()))
}

func TestSetEndpointsSwapsDestinations(t *testing.T) {
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	n := NewWebhookNotifier("", "")
	require.NoError(t, n.Notify(testAlert()), "no channels configured yet")

	n.SetEndpoints(srv.URL, "")
	require.NoError(t, n.Notify(testAlert()))

	select {
	case <-hits:
	case <-time.After(time.Second):
		t.Fatal("reconfigured endpoint was not called")
	}
}
