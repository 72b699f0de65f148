package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/sygnal/internal/config"
	"github.com/matrix-org/sygnal/internal/models"
	"github.com/matrix-org/sygnal/pkg/metrics"
	"github.com/matrix-org/sygnal/pkg/proxy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeP8 generates an ES256 key, writes it as a .p8 file and returns the
// path together with the key for verification.
func writeP8(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.p8")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))
	return path, key
}

func newTestAPNSPushkin(t *testing.T) (*APNSPushkin, *Breaker) {
	t.Helper()
	keyPath, _ := writeP8(t)
	breaker := &Breaker{}
	p, err := NewAPNSPushkin(&config.App{
		Pattern:  "com.example.app",
		Type:     config.TypeAPNS,
		KeyFile:  keyPath,
		KeyID:    "ABCDEF1234",
		TeamID:   "TEAM123456",
		Topic:    "com.example.app",
		Platform: "sandbox",
	}, &proxy.Dialer{}, testLogger(), metrics.New(), breaker)
	require.NoError(t, err)
	return p, breaker
}

func apnsDevice(pushkey string) *models.Device {
	return &models.Device{AppID: "com.example.app", Pushkey: pushkey}
}

func TestAPNSDispatchDelivered(t *testing.T) {
	p, _ := newTestAPNSPushkin(t)

	token := make([]byte, 32)
	for i := range token {
		token[i] = 0x01
	}
	pushkey := base64.RawURLEncoding.EncodeToString(token)

	var gotPath, gotTopic, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTopic = r.Header.Get("apns-topic")
		gotAuth = r.Header.Get("authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	p.baseURL = server.URL
	p.client = server.Client()

	n := messageNotification()
	outcome := p.Dispatch(context.Background(), n, apnsDevice(pushkey))
	assert.Equal(t, models.OutcomeDelivered, outcome.Kind)
	assert.Equal(t, "/3/device/"+strings.Repeat("01", 32), gotPath)
	assert.Equal(t, "com.example.app", gotTopic)
	assert.True(t, strings.HasPrefix(gotAuth, "bearer "), "expected a provider token, got %q", gotAuth)
}

func TestAPNSDispatchUnregistered(t *testing.T) {
	p, _ := newTestAPNSPushkin(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": "Unregistered"})
	}))
	defer server.Close()
	p.baseURL = server.URL
	p.client = server.Client()

	n := messageNotification()
	outcome := p.Dispatch(context.Background(), n, apnsDevice(base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))))
	assert.Equal(t, models.OutcomeRejected, outcome.Kind)
}

func TestAPNSDispatchBadDeviceToken(t *testing.T) {
	p, _ := newTestAPNSPushkin(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": "BadDeviceToken"})
	}))
	defer server.Close()
	p.baseURL = server.URL
	p.client = server.Client()

	n := messageNotification()
	outcome := p.Dispatch(context.Background(), n, apnsDevice(base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))))
	assert.Equal(t, models.OutcomeRejected, outcome.Kind)
	assert.Equal(t, "BadDeviceToken", outcome.Reason)
}

func TestAPNSColonPushkeyNeverHitsTheNetwork(t *testing.T) {
	p, _ := newTestAPNSPushkin(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected for an FCM-shaped pushkey")
	}))
	defer server.Close()
	p.baseURL = server.URL
	p.client = server.Client()

	n := messageNotification()
	outcome := p.Dispatch(context.Background(), n, apnsDevice("dGhpczpsb29rczpsaWtlOmZjbQ:APA91"))
	assert.Equal(t, models.OutcomeRejected, outcome.Kind)
}

func TestAPNSServerErrorIsRetryable(t *testing.T) {
	p, _ := newTestAPNSPushkin(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	p.baseURL = server.URL
	p.client = server.Client()

	n := messageNotification()
	outcome := p.Dispatch(context.Background(), n, apnsDevice(base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))))
	assert.Equal(t, models.OutcomeRetryable, outcome.Kind)
	assert.Equal(t, 17*time.Second, outcome.RetryAfter)
}

func TestAPNSCredentialRejectionDegradesPushkin(t *testing.T) {
	p, breaker := newTestAPNSPushkin(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": "InvalidProviderToken"})
	}))
	defer server.Close()
	p.baseURL = server.URL
	p.client = server.Client()

	n := messageNotification()
	outcome := p.Dispatch(context.Background(), n, apnsDevice(base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))))
	assert.Equal(t, models.OutcomeRetryable, outcome.Kind)
	assert.True(t, breaker.Degraded())
}

func TestAPNSProviderTokenIsCachedAndVerifiable(t *testing.T) {
	keyPath, key := writeP8(t)
	pt := &apnsProviderToken{keyID: "ABCDEF1234", teamID: "TEAM123456"}
	loaded, err := loadAPNSSigningKey(keyPath)
	require.NoError(t, err)
	pt.key = loaded

	first, err := pt.authorization()
	require.NoError(t, err)
	second, err := pt.authorization()
	require.NoError(t, err)
	assert.Equal(t, first, second, "token must be reused within its lifetime")

	parsed, err := jwt.Parse(first, func(token *jwt.Token) (interface{}, error) {
		return key.Public(), nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF1234", parsed.Header["kid"])
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "TEAM123456", claims["iss"])
}
