package services

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matrix-org/sygnal/internal/config"
	"github.com/matrix-org/sygnal/internal/models"
	"github.com/matrix-org/sygnal/pkg/metrics"
	"github.com/matrix-org/sygnal/pkg/proxy"
)

// APNs provider API hosts.
const (
	apnsHostProduction = "https://api.push.apple.com"
	apnsHostSandbox    = "https://api.sandbox.push.apple.com"
)

// apnsJWTLifetime is how long a minted provider token is reused. Apple
// rejects tokens older than an hour; re-minting at 55 minutes keeps a safety
// margin.
const apnsJWTLifetime = 55 * time.Minute

// certExpiryWarningWindow triggers a startup warning when the client
// certificate is close to its not-after.
const certExpiryWarningWindow = 30 * 24 * time.Hour

// apnsRejectReasons are the 400-response reason strings that mean the device
// token itself is bad, so the pushkey is reported rejected.
var apnsRejectReasons = map[string]struct{}{
	"BadDeviceToken":         {},
	"DeviceTokenNotForTopic": {},
	"Unregistered":           {},
	"BadTopic":               {},
	"TopicDisallowed":        {},
	"MissingDeviceToken":     {},
}

// apnsCredentialReasons indicate our own credentials were refused; the whole
// pushkin is degraded rather than any pushkey rejected.
var apnsCredentialReasons = map[string]struct{}{
	"InvalidProviderToken":      {},
	"ExpiredProviderToken":      {},
	"MissingProviderToken":      {},
	"BadCertificate":            {},
	"BadCertificateEnvironment": {},
}

// apnsProviderToken mints and caches the ES256 provider JWT for token-based
// auth. Refresh is single-flight: the mutex is held across minting so
// concurrent dispatches that observe a stale token wait for one mint.
type apnsProviderToken struct {
	keyID  string
	teamID string
	key    *ecdsa.PrivateKey

	mu     sync.Mutex
	cached string
	minted time.Time
}

func (t *apnsProviderToken) authorization() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cached != "" && time.Since(t.minted) < apnsJWTLifetime {
		return t.cached, nil
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": t.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = t.keyID
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("signing provider token: %w", err)
	}
	t.cached = signed
	t.minted = now
	return signed, nil
}

// APNSPushkin delivers notifications over the APNs HTTP/2 provider API.
type APNSPushkin struct {
	name              string
	topic             string
	pushType          string
	convertTokenToHex bool
	baseURL           string

	client        *http.Client
	providerToken *apnsProviderToken // nil in certificate mode
	breaker       *Breaker
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewAPNSPushkin builds an APNs pushkin from its app config. Credential
// problems are fatal here so they can never surface at request time.
func NewAPNSPushkin(cfg *config.App, dialer *proxy.Dialer, logr *slog.Logger, m *metrics.Metrics, breaker *Breaker) (*APNSPushkin, error) {
	p := &APNSPushkin{
		name:              cfg.Pattern,
		topic:             cfg.Topic,
		pushType:          cfg.PushType,
		convertTokenToHex: cfg.ConvertDeviceTokenToHex == nil || *cfg.ConvertDeviceTokenToHex,
		breaker:           breaker,
		logger:            logr.With(slog.String("pushkin", cfg.Pattern)),
		metrics:           m,
	}

	switch cfg.Platform {
	case "sandbox":
		p.baseURL = apnsHostSandbox
	case "", "production", "prod":
		p.baseURL = apnsHostProduction
	default:
		return nil, fmt.Errorf("invalid platform %q", cfg.Platform)
	}

	tlsConfig := &tls.Config{NextProtos: []string{"h2"}}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("loading certfile: %w", err)
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parsing certfile: %w", err)
		}
		if p.topic == "" {
			p.topic = topicFromCertificate(leaf)
		}
		m.CertificateExpiry.WithLabelValues(p.name).Set(float64(leaf.NotAfter.Unix()))
		if until := time.Until(leaf.NotAfter); until < certExpiryWarningWindow {
			p.logger.Warn("APNs certificate expires soon",
				slog.Time("not_after", leaf.NotAfter),
				slog.Duration("remaining", until))
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	} else {
		key, err := loadAPNSSigningKey(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		p.providerToken = &apnsProviderToken{
			keyID:  cfg.KeyID,
			teamID: cfg.TeamID,
			key:    key,
		}
	}

	p.client = proxy.NewHTTP2Client(dialer, proxy.ClientOptions{TLS: tlsConfig})
	return p, nil
}

// loadAPNSSigningKey reads a .p8 file and returns its ES256 private key.
func loadAPNSSigningKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyfile: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("keyfile %s contains no PEM block", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing keyfile: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keyfile %s is not an EC key", path)
	}
	return key, nil
}

// topicFromCertificate extracts the push topic from an APNs client
// certificate: the UID attribute of the subject when present, otherwise the
// common name with its "Apple Push Services: " style prefix stripped.
func topicFromCertificate(cert *x509.Certificate) string {
	for _, name := range cert.Subject.Names {
		if name.Type.String() == "0.9.2342.19200300.100.1.1" {
			if uid, ok := name.Value.(string); ok && uid != "" {
				return uid
			}
		}
	}
	cn := cert.Subject.CommonName
	if _, after, found := strings.Cut(cn, ": "); found {
		return after
	}
	return cn
}

func (p *APNSPushkin) Name() string { return p.name }

// Shutdown closes the pushkin's idle HTTP/2 connections.
func (p *APNSPushkin) Shutdown(ctx context.Context) error {
	p.client.CloseIdleConnections()
	return nil
}

// Dispatch sends the notification to a single device.
func (p *APNSPushkin) Dispatch(ctx context.Context, n *models.Notification, d *models.Device) models.Outcome {
	if strings.Contains(d.Pushkey, ":") {
		// FCM registration tokens contain colons; an APNs token never
		// does. Almost certainly a pusher pointed at the wrong app type.
		p.logger.Warn("pushkey looks like an FCM token, not an APNs device token; "+
			"check the app_id to pushkin type mapping",
			slog.String("app_id", d.AppID))
		return models.Rejected("pushkey is not an APNs device token")
	}

	deviceToken := d.Pushkey
	if p.convertTokenToHex {
		decoded, err := decodeBase64Pushkey(d.Pushkey)
		if err != nil {
			p.logger.Warn("pushkey is not valid base64", slog.Any("error", err))
			return models.Rejected("pushkey is not valid base64")
		}
		deviceToken = hex.EncodeToString(decoded)
	}

	payload, empty, fits := buildAPNSPayload(n, d)
	if empty {
		p.logger.Debug("nothing to push for this event", slog.String("type", n.Type))
		return models.Delivered()
	}
	if !fits {
		return models.Retryable("payload too large even after truncation")
	}

	var authorization string
	if p.providerToken != nil {
		var err error
		authorization, err = p.providerToken.authorization()
		if err != nil {
			p.logger.Error("cannot mint provider token", slog.Any("error", err))
			return models.Retryable("cannot mint provider token")
		}
	}

	var outcome models.Outcome
	err := retryTransport(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.baseURL+"/3/device/"+deviceToken, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "sygnal")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("apns-topic", p.topic)
		if p.pushType != "" {
			req.Header.Set("apns-push-type", p.pushType)
		}
		if n.Prio == models.PrioLow {
			req.Header.Set("apns-priority", "5")
		} else {
			req.Header.Set("apns-priority", "10")
		}
		if authorization != "" {
			req.Header.Set("authorization", "bearer "+authorization)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		outcome = p.handleResponse(resp)
		return nil
	})
	if err != nil {
		p.logger.Warn("APNs request failed", slog.Any("error", err))
		return models.Retryable("APNs request failure")
	}
	return outcome
}

// apnsErrorBody is the JSON error document APNs returns on failure.
type apnsErrorBody struct {
	Reason string `json:"reason"`
}

func (p *APNSPushkin) handleResponse(resp *http.Response) models.Outcome {
	p.metrics.StatusCodes.WithLabelValues(p.name, fmt.Sprint(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusOK {
		return models.Delivered()
	}

	var body apnsErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)

	if _, credential := apnsCredentialReasons[body.Reason]; credential {
		p.logger.Error("APNs rejected our credentials; degrading pushkin",
			slog.String("reason", body.Reason))
		p.breaker.Trip()
		return models.Retryable("APNs credential rejection: " + body.Reason)
	}

	switch {
	case resp.StatusCode == http.StatusGone:
		return models.Rejected(body.Reason)
	case resp.StatusCode == http.StatusBadRequest:
		if _, reject := apnsRejectReasons[body.Reason]; reject {
			return models.Rejected(body.Reason)
		}
		// Unknown 400 reasons are still about this request; telling the
		// homeserver to drop the pusher beats retrying forever.
		p.logger.Warn("unexpected 400 reason from APNs", slog.String("reason", body.Reason))
		return models.Rejected(body.Reason)
	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusInternalServerError ||
		resp.StatusCode == http.StatusServiceUnavailable:
		return models.RetryableAfter(body.Reason, retryAfterHeader(resp))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		p.logger.Warn("APNs rejected request",
			slog.Int("status", resp.StatusCode), slog.String("reason", body.Reason))
		return models.Rejected(body.Reason)
	default:
		return models.Retryable(fmt.Sprintf("unexpected APNs status %d", resp.StatusCode))
	}
}

// decodeBase64Pushkey accepts the url-safe alphabet the push API specifies
// as well as standard base64, which older clients have been seen to send.
func decodeBase64Pushkey(pushkey string) ([]byte, error) {
	trimmed := strings.TrimRight(pushkey, "=")
	if decoded, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(trimmed)
}
