package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Format values understood by the gateway. FormatEventIDOnly asks pushkins to
// strip the notification down to event and room identifiers.
const (
	FormatFull        = ""
	FormatEventIDOnly = "event_id_only"
)

// Priority values carried on a notification.
const (
	PrioHigh = "high"
	PrioLow  = "low"
)

// Tweaks are the homeserver-supplied presentation hints for a notification.
type Tweaks struct {
	Sound     string `json:"sound,omitempty"`
	Highlight bool   `json:"highlight,omitempty"`
}

// Device is a single push target within a notification.
type Device struct {
	AppID     string                 `json:"app_id"`
	Pushkey   string                 `json:"pushkey"`
	PushkeyTS int64                  `json:"pushkey_ts,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Tweaks    Tweaks                 `json:"tweaks,omitempty"`
}

// DataString returns the named entry of the device data bag if it is a string.
func (d *Device) DataString(key string) string {
	if d.Data == nil {
		return ""
	}
	if s, ok := d.Data[key].(string); ok {
		return s
	}
	return ""
}

// DataBool returns the named entry of the device data bag if it is a bool.
func (d *Device) DataBool(key string) bool {
	if d.Data == nil {
		return false
	}
	b, _ := d.Data[key].(bool)
	return b
}

// DefaultPayload returns the device's default_payload map, or nil when absent.
// The second return value is false when default_payload is present but is not
// an object, which the homeserver contract treats as a misconfigured pusher.
func (d *Device) DefaultPayload() (map[string]interface{}, bool) {
	if d.Data == nil {
		return nil, true
	}
	raw, ok := d.Data["default_payload"]
	if !ok {
		return nil, true
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return m, true
}

// counts is the nested form of the unread counters on the wire.
type counts struct {
	Unread      *int `json:"unread,omitempty"`
	MissedCalls *int `json:"missed_calls,omitempty"`
}

// Notification is the normalized inbound notification. The wire-level
// `counts` object is flattened into Unread and MissedCalls during
// normalization so downstream code never sees the nested form.
type Notification struct {
	EventID           string                 `json:"event_id,omitempty"`
	RoomID            string                 `json:"room_id,omitempty"`
	Type              string                 `json:"type,omitempty"`
	Sender            string                 `json:"sender,omitempty"`
	SenderDisplayName string                 `json:"sender_display_name,omitempty"`
	RoomName          string                 `json:"room_name,omitempty"`
	RoomAlias         string                 `json:"room_alias,omitempty"`
	Membership        string                 `json:"membership,omitempty"`
	UserIsTarget      bool                   `json:"user_is_target,omitempty"`
	Content           map[string]interface{} `json:"content,omitempty"`
	Counts            *counts                `json:"counts,omitempty"`
	Unread            *int                   `json:"-"`
	MissedCalls       *int                   `json:"-"`
	Prio              string                 `json:"prio,omitempty"`
	Tweaks            Tweaks                 `json:"tweaks,omitempty"`
	Format            string                 `json:"format,omitempty"`
	Devices           []Device               `json:"devices"`
}

// notificationRequest is the envelope of POST /_matrix/push/v1/notify.
type notificationRequest struct {
	Notification *Notification `json:"notification"`
}

// Validation errors surfaced as HTTP 400 by the front end.
var (
	ErrMissingNotification = errors.New("expected object in 'notification' key")
	ErrNoDevices           = errors.New("expected non-empty list in 'devices' key")
)

// ParseNotificationRequest decodes and normalizes the body of a notify
// request. The returned notification always has a non-empty device list with
// string app IDs and pushkeys.
func ParseNotificationRequest(body []byte) (*Notification, error) {
	var req notificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed JSON request body: %w", err)
	}
	if req.Notification == nil {
		return nil, ErrMissingNotification
	}
	n := req.Notification
	if err := n.Normalize(); err != nil {
		return nil, err
	}
	return n, nil
}

// Normalize canonicalizes the notification in place. It is idempotent:
// normalizing an already-normalized notification is a no-op.
func (n *Notification) Normalize() error {
	if len(n.Devices) == 0 {
		return ErrNoDevices
	}
	for i := range n.Devices {
		d := &n.Devices[i]
		if d.AppID == "" {
			return fmt.Errorf("device %d has missing app_id", i)
		}
		if d.Pushkey == "" {
			return fmt.Errorf("device %d has missing pushkey", i)
		}
	}
	if n.Counts != nil {
		if n.Counts.Unread != nil {
			n.Unread = n.Counts.Unread
		}
		if n.Counts.MissedCalls != nil {
			n.MissedCalls = n.Counts.MissedCalls
		}
		n.Counts = nil
	}
	switch n.Prio {
	case PrioLow:
	default:
		// Anything other than an explicit "low" is treated as high, the
		// push-gateway default.
		n.Prio = PrioHigh
	}
	return nil
}

// EffectiveFormat returns the format to use for one device: the device-level
// data.format wins over the notification's format hint.
func (n *Notification) EffectiveFormat(d *Device) string {
	if f := d.DataString("format"); f != "" {
		return f
	}
	return n.Format
}

// RoomDisplayName is the best human-readable name for the room, if any.
func (n *Notification) RoomDisplayName() string {
	if n.RoomName != "" {
		return n.RoomName
	}
	return n.RoomAlias
}

// SenderDisplay is the sender display name, falling back to the sender ID.
func (n *Notification) SenderDisplay() string {
	if n.SenderDisplayName != "" {
		return n.SenderDisplayName
	}
	return n.Sender
}
