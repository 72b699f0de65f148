package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNotificationRequest(t *testing.T) {
	body := []byte(`{
		"notification": {
			"event_id": "$evt",
			"room_id": "!room:example.org",
			"type": "m.room.message",
			"sender": "@alice:example.org",
			"counts": {"unread": 2, "missed_calls": 1},
			"prio": "low",
			"devices": [
				{"app_id": "com.example.app", "pushkey": "abc", "pushkey_ts": 123}
			]
		}
	}`)

	n, err := ParseNotificationRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "$evt", n.EventID)
	assert.Equal(t, PrioLow, n.Prio)
	require.NotNil(t, n.Unread)
	assert.Equal(t, 2, *n.Unread)
	require.NotNil(t, n.MissedCalls)
	assert.Equal(t, 1, *n.MissedCalls)
	assert.Nil(t, n.Counts, "counts must be flattened away")
	require.Len(t, n.Devices, 1)
	assert.Equal(t, int64(123), n.Devices[0].PushkeyTS)
}

func TestParseNotificationRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"notification":`},
		{"missing notification", `{}`},
		{"no devices", `{"notification": {"devices": []}}`},
		{"device without app_id", `{"notification": {"devices": [{"pushkey": "abc"}]}}`},
		{"device without pushkey", `{"notification": {"devices": [{"app_id": "com.example.app"}]}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseNotificationRequest([]byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	unread := 7
	n := &Notification{
		Counts:  &counts{Unread: &unread},
		Devices: []Device{{AppID: "com.example.app", Pushkey: "abc"}},
	}
	require.NoError(t, n.Normalize())
	first := *n
	require.NoError(t, n.Normalize())
	assert.Equal(t, first, *n)
}

func TestNormalizeDefaultsPriority(t *testing.T) {
	for _, prio := range []string{"", "high", "urgent"} {
		n := &Notification{
			Prio:    prio,
			Devices: []Device{{AppID: "a", Pushkey: "k"}},
		}
		require.NoError(t, n.Normalize())
		assert.Equal(t, PrioHigh, n.Prio)
	}
}

func TestEffectiveFormat(t *testing.T) {
	n := &Notification{Format: FormatEventIDOnly}
	plain := &Device{AppID: "a", Pushkey: "k"}
	assert.Equal(t, FormatEventIDOnly, n.EffectiveFormat(plain))

	// The device-level format wins over the notification hint.
	override := &Device{AppID: "a", Pushkey: "k", Data: map[string]interface{}{"format": "full"}}
	assert.Equal(t, "full", n.EffectiveFormat(override))
}

func TestDefaultPayload(t *testing.T) {
	d := &Device{Data: map[string]interface{}{
		"default_payload": map[string]interface{}{"aps": map[string]interface{}{"mutable-content": 1}},
	}}
	payload, ok := d.DefaultPayload()
	require.True(t, ok)
	assert.Contains(t, payload, "aps")

	bad := &Device{Data: map[string]interface{}{"default_payload": "nope"}}
	_, ok = bad.DefaultPayload()
	assert.False(t, ok)
}
