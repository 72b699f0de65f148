package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/matrix-org/sygnal/internal/config"
	"github.com/matrix-org/sygnal/internal/models"
	"github.com/matrix-org/sygnal/pkg/metrics"
	"github.com/matrix-org/sygnal/pkg/proxy"
)

func newTestFCMPushkin(t *testing.T, apiVersion string) (*FCMPushkin, *Breaker) {
	t.Helper()
	breaker := &Breaker{}
	cfg := &config.App{
		Pattern: "com.example.fcm",
		Type:    config.TypeGCM,
		APIKey:  "test-api-key",
		FCMOptions: map[string]interface{}{
			"content_available": true,
		},
	}
	p, err := NewFCMPushkin(cfg, &proxy.Dialer{}, testLogger(), metrics.New(), breaker)
	require.NoError(t, err)
	if apiVersion == "v1" {
		// Rewire for v1 response handling without a real service account.
		p.apiVersion = "v1"
		p.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-access-token"})
	}
	return p, breaker
}

func fcmNotification(pushkeys ...string) *models.Notification {
	devices := make([]models.Device, len(pushkeys))
	for i, key := range pushkeys {
		devices[i] = models.Device{AppID: "com.example.fcm", Pushkey: key}
	}
	return &models.Notification{
		EventID: "$evt",
		RoomID:  "!room:example.org",
		Type:    "m.room.message",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"msgtype": "m.text", "body": "hi"},
		Prio:    models.PrioHigh,
		Devices: devices,
	}
}

func TestFCMLegacyMixedResults(t *testing.T) {
	p, _ := newTestFCMPushkin(t, "legacy")

	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key=test-api-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]string{
				{"message_id": "m1"},
				{"error": "NotRegistered"},
			},
		})
	}))
	defer server.Close()
	p.sendURL = server.URL
	p.client = server.Client()

	n := fcmNotification("key-1", "key-2")
	devices := []*models.Device{&n.Devices[0], &n.Devices[1]}
	outcomes := p.DispatchBatch(context.Background(), n, devices)

	require.Len(t, outcomes, 2)
	assert.Equal(t, models.OutcomeDelivered, outcomes[0].Kind)
	assert.Equal(t, models.OutcomeRejected, outcomes[1].Kind)

	ids := gotBody["registration_ids"].([]interface{})
	assert.Equal(t, []interface{}{"key-1", "key-2"}, ids)
	assert.Equal(t, true, gotBody["content_available"], "fcm_options overlay the request body")
	data := gotBody["data"].(map[string]interface{})
	assert.Equal(t, "$evt", data["event_id"])
	assert.Equal(t, "high", data["prio"])
}

func TestFCMLegacySingleDeviceUsesTo(t *testing.T) {
	p, _ := newTestFCMPushkin(t, "legacy")
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]string{{"message_id": "m1"}},
		})
	}))
	defer server.Close()
	p.sendURL = server.URL
	p.client = server.Client()

	n := fcmNotification("solo-key")
	outcome := p.Dispatch(context.Background(), n, &n.Devices[0])
	assert.Equal(t, models.OutcomeDelivered, outcome.Kind)
	assert.Equal(t, "solo-key", gotBody["to"])
	assert.NotContains(t, gotBody, "registration_ids")
}

func TestFCMLegacyBadMessageCodeDropsWithoutRejecting(t *testing.T) {
	p, _ := newTestFCMPushkin(t, "legacy")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]string{{"error": "MessageTooBig"}},
		})
	}))
	defer server.Close()
	p.sendURL = server.URL
	p.client = server.Client()

	n := fcmNotification("key-1")
	outcome := p.Dispatch(context.Background(), n, &n.Devices[0])
	assert.Equal(t, models.OutcomeDelivered, outcome.Kind, "the registration ID itself is fine")
}

func TestFCMLegacyNotFoundRejectsAll(t *testing.T) {
	p, _ := newTestFCMPushkin(t, "legacy")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()
	p.sendURL = server.URL
	p.client = server.Client()

	n := fcmNotification("key-1", "key-2")
	outcomes := p.DispatchBatch(context.Background(), n, []*models.Device{&n.Devices[0], &n.Devices[1]})
	for _, outcome := range outcomes {
		assert.Equal(t, models.OutcomeRejected, outcome.Kind)
	}
}

func TestFCMLegacyUnauthorizedDegradesPushkin(t *testing.T) {
	p, breaker := newTestFCMPushkin(t, "legacy")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()
	p.sendURL = server.URL
	p.client = server.Client()

	n := fcmNotification("key-1")
	outcome := p.Dispatch(context.Background(), n, &n.Devices[0])
	assert.Equal(t, models.OutcomeRetryable, outcome.Kind)
	assert.True(t, breaker.Degraded())
}

func TestFCMServiceUnavailableIsRetryable(t *testing.T) {
	p, _ := newTestFCMPushkin(t, "legacy")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	p.sendURL = server.URL
	p.client = server.Client()

	n := fcmNotification("key-1")
	outcome := p.Dispatch(context.Background(), n, &n.Devices[0])
	assert.Equal(t, models.OutcomeRetryable, outcome.Kind)
	assert.Equal(t, time.Minute, outcome.RetryAfter)
}

func TestFCMV1Unregistered(t *testing.T) {
	p, _ := newTestFCMPushkin(t, "v1")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"status": "NOT_FOUND", "details": []map[string]string{{"errorCode": "UNREGISTERED"}}},
		})
	}))
	defer server.Close()
	p.sendURL = server.URL
	p.client = server.Client()

	n := fcmNotification("key-1")
	outcome := p.Dispatch(context.Background(), n, &n.Devices[0])
	assert.Equal(t, models.OutcomeRejected, outcome.Kind)
}

func TestFCMV1WrapsMessage(t *testing.T) {
	p, _ := newTestFCMPushkin(t, "v1")
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	p.sendURL = server.URL
	p.client = server.Client()

	n := fcmNotification("key-1")
	outcome := p.Dispatch(context.Background(), n, &n.Devices[0])
	assert.Equal(t, models.OutcomeDelivered, outcome.Kind)

	message := gotBody["message"].(map[string]interface{})
	assert.Equal(t, "key-1", message["token"])
	android := message["android"].(map[string]interface{})
	assert.Equal(t, "normal", android["priority"])
	data := message["data"].(map[string]interface{})
	for key, value := range data {
		_, isString := value.(string)
		assert.True(t, isString, "v1 data values must be strings, %s was not", key)
	}
}

func TestFCMDataRoundTripsThroughJSON(t *testing.T) {
	n := fcmNotification("key-1")
	n.Unread = intptr(4)
	data, ok := buildFCMData(n, &n.Devices[0])
	require.True(t, ok)

	encoded, err := json.Marshal(data)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, data, decoded)
}

func TestFCMPayloadTruncation(t *testing.T) {
	n := fcmNotification("key-1")
	longBody := make([]byte, 8000)
	for i := range longBody {
		longBody[i] = 'x'
	}
	n.Content["body"] = string(longBody)
	data, ok := buildFCMData(n, &n.Devices[0])
	require.True(t, ok)
	// Individual fields are truncated before the whole-payload cap.
	content := data["content"].(string)
	assert.LessOrEqual(t, len(content), fcmMaxBytesPerField)

	body := map[string]interface{}{"data": data, "to": "key-1"}
	encoded, _, ok := encodeFCMBody(body, data)
	require.True(t, ok)
	assert.LessOrEqual(t, len(encoded), fcmMaxPayloadSize)
}

func TestFCMV1HighPriorityForCallInvites(t *testing.T) {
	n := fcmNotification("key-1")
	n.Type = "m.call.invite"
	assert.Equal(t, "high", fcmPriority(n, &n.Devices[0]))

	n.Type = "m.room.message"
	assert.Equal(t, "normal", fcmPriority(n, &n.Devices[0]))

	n.Devices[0].Tweaks.Highlight = true
	assert.Equal(t, "high", fcmPriority(n, &n.Devices[0]))
}
