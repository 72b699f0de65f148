package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/crypto/blake2b"

	"github.com/matrix-org/sygnal/internal/config"
	"github.com/matrix-org/sygnal/internal/models"
	"github.com/matrix-org/sygnal/pkg/metrics"
	"github.com/matrix-org/sygnal/pkg/proxy"
)

const (
	webpushDefaultTTL = 900 // seconds

	// Caps applied to the payload before the generic size limit: long
	// message bodies are shortened with an ellipsis and megalithic
	// ciphertexts dropped outright.
	webpushMaxBodyLength       = 1000
	webpushMaxCiphertextLength = 2000
	webpushMaxPayloadSize      = 4096
)

// WebPushPushkin delivers notifications to RFC 8030 push services with VAPID
// auth and aes128gcm payload encryption.
type WebPushPushkin struct {
	name    string
	signer  *vapidSigner
	allowed []glob.Glob
	ttl     int

	client  *http.Client
	breaker *Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics

	// pending tracks the newest in-flight dispatch per (pushkey, room) so
	// only_last_per_room can drop a superseded notification before send.
	// Capacity is exactly one slot per key.
	mu      sync.Mutex
	seq     uint64
	pending map[string]uint64
}

// NewWebPushPushkin builds a WebPush pushkin from its app config.
func NewWebPushPushkin(cfg *config.App, dialer *proxy.Dialer, logr *slog.Logger, m *metrics.Metrics, breaker *Breaker) (*WebPushPushkin, error) {
	key, err := loadVapidPrivateKey(cfg.VapidPrivateKey)
	if err != nil {
		return nil, err
	}
	signer, err := newVapidSigner(key, cfg.VapidContactEmail)
	if err != nil {
		return nil, err
	}

	allowed := make([]glob.Glob, 0, len(cfg.AllowedEndpoints))
	for _, pattern := range cfg.AllowedEndpoints {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed_endpoints pattern %q: %w", pattern, err)
		}
		allowed = append(allowed, compiled)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = webpushDefaultTTL
	}
	maxConnections := cfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = fcmDefaultMaxConnections
	}

	return &WebPushPushkin{
		name:    cfg.Pattern,
		signer:  signer,
		allowed: allowed,
		ttl:     ttl,
		client:  proxy.NewHTTPClient(dialer, proxy.ClientOptions{MaxConnections: maxConnections}),
		breaker: breaker,
		logger:  logr.With(slog.String("pushkin", cfg.Pattern)),
		metrics: m,
		pending: make(map[string]uint64),
	}, nil
}

func (p *WebPushPushkin) Name() string { return p.name }

func (p *WebPushPushkin) Shutdown(ctx context.Context) error {
	p.client.CloseIdleConnections()
	return nil
}

// Dispatch sends the notification to one WebPush subscription. The device's
// pushkey is the subscription's p256dh key; endpoint and auth live in the
// device data.
func (p *WebPushPushkin) Dispatch(ctx context.Context, n *models.Notification, d *models.Device) models.Outcome {
	if d.Data == nil {
		p.logger.Warn("rejecting pushkey; device data is missing")
		return models.Rejected("device data is missing")
	}

	// Unread-count-only pokes carry no event; some pushers ask to skip them.
	if d.DataBool("events_only") && n.EventID == "" {
		return models.Delivered()
	}

	endpoint := d.DataString("endpoint")
	auth := d.DataString("auth")
	if endpoint == "" || auth == "" || d.Pushkey == "" {
		p.logger.Warn("rejecting pushkey; subscription info incomplete")
		return models.Rejected("subscription info incomplete")
	}
	endpointURL, err := url.Parse(endpoint)
	if err != nil || endpointURL.Host == "" {
		p.logger.Warn("rejecting pushkey; endpoint is not a valid URL")
		return models.Rejected("invalid endpoint")
	}

	if len(p.allowed) > 0 && !p.endpointAllowed(endpointURL.Hostname()) {
		p.logger.Error("push endpoint is not in allowed_endpoints, blocking request",
			slog.String("endpoint", endpointURL.Hostname()))
		return models.Rejected("endpoint not allowed")
	}

	payload, ok := buildWebPushPayload(n, d)
	if !ok {
		p.logger.Warn("rejecting pushkey due to misconfigured default_payload; it must be a dictionary")
		return models.Rejected("misconfigured default_payload")
	}
	plaintext, fits := encodeWebPushPayload(payload)
	if !fits {
		return models.Retryable("payload too large even after truncation")
	}

	authorization, err := p.signer.authorization(endpointURL.Scheme + "://" + endpointURL.Host)
	if err != nil {
		p.logger.Error("cannot mint VAPID token", slog.Any("error", err))
		return models.Retryable("cannot mint VAPID token")
	}

	topic := ""
	coalesceKey := ""
	var mySeq uint64
	if n.RoomID != "" && d.DataBool("only_last_per_room") {
		// The topic asks the push service to collapse undelivered pushes
		// for the room; it must be at most 32 base64url characters, so the
		// room ID is hashed down to 22 bytes.
		digest := blake2b.Sum256([]byte(n.RoomID))
		topic = base64.RawURLEncoding.EncodeToString(digest[:22])

		coalesceKey = d.Pushkey + "\x00" + n.RoomID
		p.mu.Lock()
		p.seq++
		mySeq = p.seq
		p.pending[coalesceKey] = mySeq
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			if p.pending[coalesceKey] == mySeq {
				delete(p.pending, coalesceKey)
			}
			p.mu.Unlock()
		}()
	}

	ttl := p.ttl
	if deviceTTL := d.DataString("ttl"); deviceTTL != "" {
		if parsed, err := strconv.Atoi(deviceTTL); err == nil && parsed > 0 {
			ttl = parsed
		}
	} else if raw, isNumber := d.Data["ttl"].(float64); isNumber && raw > 0 {
		ttl = int(raw)
	}

	urgency := "normal"
	if n.Prio == models.PrioLow {
		urgency = "low"
	}

	send := func(plaintext []byte) (*http.Response, []byte, error) {
		if coalesceKey != "" && p.superseded(coalesceKey, mySeq) {
			return nil, nil, nil
		}
		body, err := encryptWebPush(d.Pushkey, auth, plaintext)
		if err != nil {
			return nil, nil, err
		}
		return p.send(ctx, endpoint, body, authorization, urgency, topic, ttl)
	}

	resp, raw, err := send(plaintext)
	if err != nil {
		p.logger.Warn("webpush request failed", slog.Any("error", err))
		return models.Retryable("webpush request failure")
	}
	if resp == nil {
		// A newer notification for the same room superseded this one.
		p.logger.Debug("dropping superseded notification", slog.String("room_id", n.RoomID))
		return models.Delivered()
	}

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		// Shrink by dropping the message body and retry exactly once.
		if content, isMap := payload["content"].(map[string]interface{}); isMap {
			delete(content, "body")
		}
		shrunk, fits := encodeWebPushPayload(payload)
		if fits {
			resp, raw, err = send(shrunk)
			if err != nil {
				p.logger.Warn("webpush request failed", slog.Any("error", err))
				return models.Retryable("webpush request failure")
			}
			if resp == nil {
				return models.Delivered()
			}
		}
	}
	return p.handleResponse(resp, raw, endpointURL.Hostname())
}

func (p *WebPushPushkin) superseded(key string, seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[key] != seq
}

func (p *WebPushPushkin) endpointAllowed(host string) bool {
	for _, g := range p.allowed {
		if g.Match(host) {
			return true
		}
	}
	return false
}

func (p *WebPushPushkin) send(ctx context.Context, endpoint string, body []byte, authorization, urgency, topic string, ttl int) (*http.Response, []byte, error) {
	var resp *http.Response
	var raw []byte
	err := retryTransport(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "sygnal")
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Encoding", "aes128gcm")
		req.Header.Set("Authorization", authorization)
		req.Header.Set("TTL", strconv.Itoa(ttl))
		req.Header.Set("Urgency", urgency)
		if topic != "" {
			req.Header.Set("Topic", topic)
		}

		resp, err = p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			resp = nil
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	p.metrics.StatusCodes.WithLabelValues(p.name, fmt.Sprint(resp.StatusCode)).Inc()
	return resp, raw, nil
}

func (p *WebPushPushkin) handleResponse(resp *http.Response, raw []byte, endpointHost string) models.Outcome {
	if ttlHeader := resp.Header.Get("TTL"); ttlHeader != "" {
		if given, err := strconv.Atoi(ttlHeader); err == nil && given != p.ttl {
			p.logger.Info("push service shortened the requested TTL",
				slog.String("endpoint", endpointHost), slog.Int("ttl", given))
		}
	}

	switch {
	case resp.StatusCode == http.StatusCreated:
		return models.Delivered()
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.logger.Info("webpush request did not respond with 201",
			slog.String("endpoint", endpointHost), slog.Int("status", resp.StatusCode))
		return models.Delivered()
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		p.logger.Warn("rejecting pushkey; subscription is invalid",
			slog.String("endpoint", endpointHost), slog.Int("status", resp.StatusCode))
		return models.Rejected("subscription invalid")
	case resp.StatusCode == http.StatusBadRequest:
		p.logger.Warn("rejecting pushkey; push service refused the request",
			slog.String("endpoint", endpointHost), slog.String("response", string(raw)))
		return models.Rejected("bad request")
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		// Still too large after the single shrink-and-retry.
		return models.Rejected("payload too large for push service")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return models.RetryableAfter(fmt.Sprintf("push service returned %d", resp.StatusCode), retryAfterHeader(resp))
	default:
		p.logger.Warn("webpush request failed",
			slog.String("endpoint", endpointHost), slog.Int("status", resp.StatusCode))
		return models.Retryable(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}

// buildWebPushPayload assembles the (nested) JSON document shown to the
// service worker. Returns false when default_payload is not an object.
func buildWebPushPayload(n *models.Notification, d *models.Device) (map[string]interface{}, bool) {
	defaults, ok := d.DefaultPayload()
	if !ok {
		return nil, false
	}
	payload := map[string]interface{}{}
	for k, v := range defaults {
		payload[k] = v
	}

	if n.EffectiveFormat(d) == models.FormatEventIDOnly {
		if n.RoomID != "" {
			payload["room_id"] = n.RoomID
		}
		if n.EventID != "" {
			payload["event_id"] = n.EventID
		}
		if n.Unread != nil {
			payload["unread"] = *n.Unread
		}
		if n.MissedCalls != nil {
			payload["missed_calls"] = *n.MissedCalls
		}
		return payload, true
	}

	set := func(key, value string) {
		if value != "" {
			payload[key] = value
		}
	}
	set("room_id", n.RoomID)
	set("room_name", n.RoomName)
	set("room_alias", n.RoomAlias)
	set("membership", n.Membership)
	set("event_id", n.EventID)
	set("sender", n.Sender)
	set("sender_display_name", n.SenderDisplayName)
	set("type", n.Type)
	set("prio", n.Prio)
	if n.UserIsTarget {
		payload["user_is_target"] = true
	}
	if n.Unread != nil {
		payload["unread"] = *n.Unread
	}
	if n.MissedCalls != nil {
		payload["missed_calls"] = *n.MissedCalls
	}

	if n.Content != nil {
		content := make(map[string]interface{}, len(n.Content))
		for k, v := range n.Content {
			content[k] = v
		}
		// formatted_body cannot be rendered in a notification anyway.
		delete(content, "formatted_body")
		if body, isString := content["body"].(string); isString {
			if runes := []rune(body); len(runes) > webpushMaxBodyLength {
				content["body"] = string(runes[:webpushMaxBodyLength-1]) + "…"
			}
		}
		if ciphertext, isString := content["ciphertext"].(string); isString && len(ciphertext) > webpushMaxCiphertextLength {
			delete(content, "ciphertext")
		}
		payload["content"] = content
	}
	return payload, true
}

// encodeWebPushPayload serializes the payload, dropping the message body and
// then the whole content if it exceeds the size cap.
func encodeWebPushPayload(payload map[string]interface{}) ([]byte, bool) {
	shrinkSteps := []func(){
		func() {
			if content, isMap := payload["content"].(map[string]interface{}); isMap {
				delete(content, "body")
			}
		},
		func() { delete(payload, "content") },
	}
	for step := 0; ; step++ {
		encoded, err := json.Marshal(payload)
		if err == nil && len(encoded) <= webpushMaxPayloadSize {
			return encoded, true
		}
		if step >= len(shrinkSteps) {
			return nil, false
		}
		shrinkSteps[step]()
	}
}
