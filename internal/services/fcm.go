package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/matrix-org/sygnal/internal/config"
	"github.com/matrix-org/sygnal/internal/models"
	"github.com/matrix-org/sygnal/pkg/metrics"
	"github.com/matrix-org/sygnal/pkg/proxy"
)

const (
	fcmLegacyURL = "https://fcm.googleapis.com/fcm/send"
	fcmV1URL     = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

	fcmAuthScope = "https://www.googleapis.com/auth/firebase.messaging"

	// fcmMaxBatchSize is the legacy API's registration_ids limit per call.
	fcmMaxBatchSize = 1000
	// fcmMaxPayloadSize caps the serialized request body.
	fcmMaxPayloadSize = 4096
	// fcmMaxBytesPerField truncates individual data fields before the
	// whole-payload cap is considered.
	fcmMaxBytesPerField = 1024

	// fcmTokenEarlyExpiry refreshes OAuth2 access tokens a minute before
	// they expire.
	fcmTokenEarlyExpiry = 60 * time.Second

	fcmDefaultMaxConnections = 20
)

// Legacy result error codes that mean the registration ID will never work
// again and should be rejected upstream.
var fcmBadPushkeyCodes = map[string]struct{}{
	"MissingRegistration": {},
	"InvalidRegistration": {},
	"NotRegistered":       {},
	"InvalidPackageName":  {},
	"MismatchSenderId":    {},
}

// Legacy result error codes that mean this message will never be accepted,
// but the registration ID itself is fine.
var fcmBadMessageCodes = map[string]struct{}{
	"MessageTooBig":  {},
	"InvalidDataKey": {},
	"InvalidTtl":     {},
}

// FCMPushkin delivers notifications via Firebase Cloud Messaging, speaking
// either the legacy JSON API or the v1 REST API.
type FCMPushkin struct {
	name       string
	apiVersion string
	apiKey     string
	sendURL    string
	fcmOptions map[string]interface{}

	client      *http.Client
	tokenSource oauth2.TokenSource // v1 only
	breaker     *Breaker
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewFCMPushkin builds an FCM pushkin from its app config.
func NewFCMPushkin(cfg *config.App, dialer *proxy.Dialer, logr *slog.Logger, m *metrics.Metrics, breaker *Breaker) (*FCMPushkin, error) {
	maxConnections := cfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = fcmDefaultMaxConnections
	}
	p := &FCMPushkin{
		name:       cfg.Pattern,
		fcmOptions: cfg.FCMOptions,
		client:     proxy.NewHTTPClient(dialer, proxy.ClientOptions{MaxConnections: maxConnections}),
		breaker:    breaker,
		logger:     logr.With(slog.String("pushkin", cfg.Pattern)),
		metrics:    m,
	}

	switch cfg.APIVersion {
	case "", "legacy":
		p.apiVersion = "legacy"
		p.apiKey = cfg.APIKey
		p.sendURL = fcmLegacyURL
	case "v1":
		p.apiVersion = "v1"
		p.sendURL = fmt.Sprintf(fcmV1URL, cfg.ProjectID)
		raw, err := os.ReadFile(cfg.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("reading service_account_file: %w", err)
		}
		// Token exchange requests must travel through the same (possibly
		// proxied) client as the pushes themselves.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, p.client)
		credentials, err := google.CredentialsFromJSON(ctx, raw, fcmAuthScope)
		if err != nil {
			return nil, fmt.Errorf("service_account_file is not valid: %w", err)
		}
		p.tokenSource = oauth2.ReuseTokenSourceWithExpiry(nil, credentials.TokenSource, fcmTokenEarlyExpiry)
	default:
		return nil, fmt.Errorf("invalid api_version %q", cfg.APIVersion)
	}
	return p, nil
}

func (p *FCMPushkin) Name() string { return p.name }

func (p *FCMPushkin) Shutdown(ctx context.Context) error {
	p.client.CloseIdleConnections()
	return nil
}

// Dispatch delivers to a single device; the v1 API only supports one token
// per call, and legacy single-device requests use the `to` field.
func (p *FCMPushkin) Dispatch(ctx context.Context, n *models.Notification, d *models.Device) models.Outcome {
	outcomes := p.DispatchBatch(ctx, n, []*models.Device{d})
	return outcomes[0]
}

// DispatchBatch delivers to several devices at once. Legacy mode chunks the
// registration IDs up to the API's batch limit; v1 mode degrades to one call
// per device.
func (p *FCMPushkin) DispatchBatch(ctx context.Context, n *models.Notification, devices []*models.Device) []models.Outcome {
	outcomes := make([]models.Outcome, len(devices))
	if p.apiVersion == "v1" {
		for i, d := range devices {
			outcomes[i] = p.dispatchV1(ctx, n, d)
		}
		return outcomes
	}
	for start := 0; start < len(devices); start += fcmMaxBatchSize {
		end := start + fcmMaxBatchSize
		if end > len(devices) {
			end = len(devices)
		}
		chunk := devices[start:end]
		for i, outcome := range p.dispatchLegacyChunk(ctx, n, chunk) {
			outcomes[start+i] = outcome
		}
	}
	return outcomes
}

func (p *FCMPushkin) authorization() (string, models.Outcome, bool) {
	if p.apiVersion == "legacy" {
		return "key=" + p.apiKey, models.Outcome{}, true
	}
	token, err := p.tokenSource.Token()
	if err != nil {
		p.logger.Error("cannot obtain FCM access token; degrading pushkin", slog.Any("error", err))
		p.breaker.Trip()
		return "", models.Retryable("cannot obtain FCM access token"), false
	}
	return "Bearer " + token.AccessToken, models.Outcome{}, true
}

func (p *FCMPushkin) dispatchLegacyChunk(ctx context.Context, n *models.Notification, devices []*models.Device) []models.Outcome {
	fill := func(outcome models.Outcome) []models.Outcome {
		outcomes := make([]models.Outcome, len(devices))
		for i := range outcomes {
			outcomes[i] = outcome
		}
		return outcomes
	}

	data, ok := buildFCMData(n, devices[0])
	if !ok {
		p.logger.Warn("rejecting pushkeys due to misconfigured default_payload; it must be a dictionary")
		return fill(models.Rejected("misconfigured default_payload"))
	}

	body := map[string]interface{}{}
	for k, v := range p.fcmOptions {
		body[k] = v
	}
	body["data"] = data
	body["priority"] = fcmPriority(n, devices[0])
	if len(devices) == 1 {
		body["to"] = devices[0].Pushkey
	} else {
		ids := make([]string, len(devices))
		for i, d := range devices {
			ids[i] = d.Pushkey
		}
		body["registration_ids"] = ids
	}

	encoded, outcome, ok := encodeFCMBody(body, data)
	if !ok {
		return fill(outcome)
	}

	authorization, outcome, ok := p.authorization()
	if !ok {
		return fill(outcome)
	}

	resp, raw, err := p.send(ctx, encoded, authorization)
	if err != nil {
		p.logger.Warn("FCM request failed", slog.Any("error", err))
		return fill(models.Retryable("FCM request failure"))
	}
	return p.handleLegacyResponse(resp, raw, devices)
}

func (p *FCMPushkin) dispatchV1(ctx context.Context, n *models.Notification, d *models.Device) models.Outcome {
	data, ok := buildFCMData(n, d)
	if !ok {
		p.logger.Warn("rejecting pushkey due to misconfigured default_payload; it must be a dictionary")
		return models.Rejected("misconfigured default_payload")
	}

	message := map[string]interface{}{}
	for k, v := range p.fcmOptions {
		message[k] = v
	}
	message["token"] = d.Pushkey
	message["data"] = data
	android, _ := message["android"].(map[string]interface{})
	if android == nil {
		android = map[string]interface{}{}
	}
	android["priority"] = fcmPriority(n, d)
	message["android"] = android
	body := map[string]interface{}{"message": message}

	encoded, outcome, ok := encodeFCMBody(body, data)
	if !ok {
		return outcome
	}

	authorization, outcome, ok := p.authorization()
	if !ok {
		return outcome
	}

	resp, raw, err := p.send(ctx, encoded, authorization)
	if err != nil {
		p.logger.Warn("FCM request failed", slog.Any("error", err))
		return models.Retryable("FCM request failure")
	}
	return p.handleV1Response(resp, raw)
}

// send POSTs the encoded body, retrying transport-level failures only.
func (p *FCMPushkin) send(ctx context.Context, body []byte, authorization string) (*http.Response, []byte, error) {
	var resp *http.Response
	var raw []byte
	err := retryTransport(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sendURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "sygnal")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", authorization)

		resp, err = p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
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

// fcmLegacyResponse is the legacy API's response document; results are
// parallel to the request's registration IDs.
type fcmLegacyResponse struct {
	Results []struct {
		MessageID      string `json:"message_id"`
		RegistrationID string `json:"registration_id"`
		Error          string `json:"error"`
	} `json:"results"`
}

func (p *FCMPushkin) handleLegacyResponse(resp *http.Response, raw []byte, devices []*models.Device) []models.Outcome {
	fill := func(outcome models.Outcome) []models.Outcome {
		outcomes := make([]models.Outcome, len(devices))
		for i := range outcomes {
			outcomes[i] = outcome
		}
		return outcomes
	}

	switch {
	case resp.StatusCode >= 500:
		return fill(models.RetryableAfter(fmt.Sprintf("FCM returned %d", resp.StatusCode), retryAfterHeader(resp)))
	case resp.StatusCode == http.StatusUnauthorized:
		p.logger.Error("FCM rejected our API key; degrading pushkin")
		p.breaker.Trip()
		return fill(models.Retryable("FCM credential rejection"))
	case resp.StatusCode == http.StatusBadRequest:
		// We sent something invalid; resending the same notification can
		// never succeed, and it is not the pushkey's fault. Drop it.
		p.logger.Error("FCM rejected the request as invalid; dropping notification",
			slog.String("response", string(raw)))
		return fill(models.Delivered())
	case resp.StatusCode == http.StatusNotFound:
		p.logger.Info("FCM returned 404; assuming all registration IDs unregistered")
		return fill(models.Rejected("unregistered"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fill(models.Retryable(fmt.Sprintf("unexpected FCM status %d", resp.StatusCode)))
	}

	var parsed fcmLegacyResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		p.logger.Error("invalid JSON response from FCM", slog.Any("error", err))
		return fill(models.Retryable("invalid JSON response from FCM"))
	}
	if len(parsed.Results) < len(devices) {
		p.logger.Error("FCM returned fewer results than registration IDs sent",
			slog.Int("sent", len(devices)), slog.Int("results", len(parsed.Results)))
	}

	outcomes := make([]models.Outcome, len(devices))
	for i, d := range devices {
		if i >= len(parsed.Results) {
			outcomes[i] = models.Retryable("no result returned for this registration ID")
			continue
		}
		result := parsed.Results[i]
		switch {
		case result.Error == "":
			if result.RegistrationID != "" {
				p.logger.Info("FCM reported a canonical registration ID for pushkey",
					slog.String("pushkey", d.Pushkey))
			}
			outcomes[i] = models.Delivered()
		default:
			if _, bad := fcmBadPushkeyCodes[result.Error]; bad {
				p.logger.Info("registration ID has permanently failed; rejecting upstream",
					slog.String("error", result.Error))
				outcomes[i] = models.Rejected(result.Error)
			} else if _, badMessage := fcmBadMessageCodes[result.Error]; badMessage {
				p.logger.Warn("message permanently failed for this registration ID; dropping",
					slog.String("error", result.Error))
				outcomes[i] = models.Delivered()
			} else {
				outcomes[i] = models.Retryable(result.Error)
			}
		}
	}
	return outcomes
}

func (p *FCMPushkin) handleV1Response(resp *http.Response, raw []byte) models.Outcome {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return models.Delivered()
	case resp.StatusCode == http.StatusNotFound:
		return models.Rejected("unregistered")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return models.RetryableAfter(fmt.Sprintf("FCM returned %d", resp.StatusCode), retryAfterHeader(resp))
	case resp.StatusCode == http.StatusUnauthorized:
		p.logger.Error("FCM rejected our access token; degrading pushkin")
		p.breaker.Trip()
		return models.Retryable("FCM credential rejection")
	default:
		if bytes.Contains(raw, []byte("UNREGISTERED")) {
			return models.Rejected("unregistered")
		}
		p.logger.Error("FCM rejected the request; dropping notification",
			slog.Int("status", resp.StatusCode), slog.String("response", string(raw)))
		return models.Delivered()
	}
}

// fcmPriority follows the upstream contract: highlights and incoming calls
// are high priority, everything else normal.
func fcmPriority(n *models.Notification, d *models.Device) string {
	if d.Tweaks.Highlight || n.Tweaks.Highlight || n.Type == "m.call.invite" {
		return "high"
	}
	return "normal"
}

// buildFCMData flattens the notification into FCM's string-valued data
// object, merged on top of the device's default_payload. Returns false when
// default_payload is present but not an object.
func buildFCMData(n *models.Notification, d *models.Device) (map[string]interface{}, bool) {
	defaults, ok := d.DefaultPayload()
	if !ok {
		return nil, false
	}
	data := map[string]interface{}{}
	for k, v := range defaults {
		data[k] = v
	}

	set := func(key, value string) {
		if value == "" {
			return
		}
		if len(value) > fcmMaxBytesPerField {
			value = value[:fcmMaxBytesPerField]
		}
		data[key] = value
	}
	set("event_id", n.EventID)
	set("type", n.Type)
	set("sender", n.Sender)
	set("sender_display_name", n.SenderDisplayName)
	set("room_name", n.RoomName)
	set("room_alias", n.RoomAlias)
	set("room_id", n.RoomID)
	set("membership", n.Membership)
	if n.Content != nil {
		encoded, err := json.Marshal(n.Content)
		if err == nil {
			set("content", string(encoded))
		}
	}
	data["prio"] = "high"
	if n.Prio == models.PrioLow {
		data["prio"] = "normal"
	}
	if n.Unread != nil {
		data["unread"] = fmt.Sprint(*n.Unread)
	}
	if n.MissedCalls != nil {
		data["missed_calls"] = fmt.Sprint(*n.MissedCalls)
	}
	return data, true
}

// encodeFCMBody serializes the request, shrinking the data object when the
// whole body exceeds the payload cap. Truncation drops, in order: the
// content body, room_name, sender_display_name, room_alias, then the whole
// content field.
func encodeFCMBody(body map[string]interface{}, data map[string]interface{}) ([]byte, models.Outcome, bool) {
	shrinkSteps := []func(){
		func() {
			raw, isString := data["content"].(string)
			if !isString {
				return
			}
			var content map[string]interface{}
			if json.Unmarshal([]byte(raw), &content) != nil {
				return
			}
			delete(content, "body")
			if reencoded, err := json.Marshal(content); err == nil {
				data["content"] = string(reencoded)
			}
		},
		func() { delete(data, "room_name") },
		func() { delete(data, "sender_display_name") },
		func() { delete(data, "room_alias") },
		func() { delete(data, "content") },
	}

	for step := 0; ; step++ {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, models.Retryable("cannot serialize FCM request"), false
		}
		if len(encoded) <= fcmMaxPayloadSize {
			return encoded, models.Outcome{}, true
		}
		if step >= len(shrinkSteps) {
			return nil, models.Retryable("payload too large even after truncation"), false
		}
		shrinkSteps[step]()
	}
}
