package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/sygnal/internal/models"
	"github.com/matrix-org/sygnal/internal/services"
	"github.com/matrix-org/sygnal/pkg/metrics"
)

// cannedPushkin returns a fixed outcome for every device.
type cannedPushkin struct {
	name    string
	outcome models.Outcome
}

func (c *cannedPushkin) Name() string { return c.name }
func (c *cannedPushkin) Dispatch(ctx context.Context, n *models.Notification, d *models.Device) models.Outcome {
	return c.outcome
}
func (c *cannedPushkin) Shutdown(ctx context.Context) error { return nil }

func newTestRouter(t *testing.T, outcomes map[string]models.Outcome) http.Handler {
	t.Helper()
	logr := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	registry := services.NewRegistry()
	for pattern, outcome := range outcomes {
		registry.Add(pattern, &cannedPushkin{name: pattern, outcome: outcome}, services.NewLimiter(10, nil), &services.Breaker{})
	}
	dispatcher := services.NewDispatcher(registry, nil, logr, m)
	return NewRouter(dispatcher, logr, m, 512*1024)
}

func notifyBody(pushkeys ...string) []byte {
	devices := make([]map[string]interface{}, len(pushkeys))
	for i, key := range pushkeys {
		devices[i] = map[string]interface{}{"app_id": "com.example.app", "pushkey": key}
	}
	body, _ := json.Marshal(map[string]interface{}{
		"notification": map[string]interface{}{
			"event_id": "$evt",
			"room_id":  "!room:example.org",
			"type":     "m.room.message",
			"devices":  devices,
		},
	})
	return body
}

func postNotify(t *testing.T, handler http.Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/_matrix/push/v1/notify", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestNotifyDelivered(t *testing.T) {
	handler := newTestRouter(t, map[string]models.Outcome{"com.example.app": models.Delivered()})
	rec := postNotify(t, handler, notifyBody("key-1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Rejected []string `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{}, resp.Rejected)
}

func TestNotifyRejectedPushkeys(t *testing.T) {
	handler := newTestRouter(t, map[string]models.Outcome{"com.example.app": models.Rejected("gone")})
	rec := postNotify(t, handler, notifyBody("key-1", "key-2"))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Rejected []string `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{"key-1", "key-2"}, resp.Rejected)
}

func TestNotifyRetryableIs502(t *testing.T) {
	handler := newTestRouter(t, map[string]models.Outcome{"com.example.app": models.Retryable("upstream 503")})
	rec := postNotify(t, handler, notifyBody("key-1"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNotifyRetryableMaskedByDelivery(t *testing.T) {
	handler := newTestRouter(t, map[string]models.Outcome{
		"com.example.ok":   models.Delivered(),
		"com.example.busy": models.Retryable("upstream 503"),
	})
	body, _ := json.Marshal(map[string]interface{}{
		"notification": map[string]interface{}{
			"devices": []map[string]interface{}{
				{"app_id": "com.example.ok", "pushkey": "key-1"},
				{"app_id": "com.example.busy", "pushkey": "key-2"},
			},
		},
	})
	rec := postNotify(t, handler, body)
	assert.Equal(t, http.StatusOK, rec.Code, "a delivery on the same notification masks retryable failures")
}

func TestNotifyMalformedJSON(t *testing.T) {
	handler := newTestRouter(t, nil)
	rec := postNotify(t, handler, []byte(`{"notification":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotifyMissingDevices(t *testing.T) {
	handler := newTestRouter(t, nil)
	rec := postNotify(t, handler, []byte(`{"notification": {"devices": []}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotifyOversizedBody(t *testing.T) {
	handler := newTestRouter(t, nil)
	huge := fmt.Sprintf(`{"notification": {"content": {"body": %q}, "devices": [{"app_id": "a", "pushkey": "k"}]}}`,
		strings.Repeat("x", 600*1024))
	rec := postNotify(t, handler, []byte(huge))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestNotifyGetIsMethodNotAllowed(t *testing.T) {
	handler := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/_matrix/push/v1/notify", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	handler := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
