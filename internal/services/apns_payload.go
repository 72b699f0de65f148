package services

import (
	"encoding/json"

	"github.com/matrix-org/sygnal/internal/models"
)

// apnsMaxPayloadSize is the APNs HTTP/2 payload limit in bytes.
const apnsMaxPayloadSize = 4096

// apnsShape controls which source fields participate in the alert, so an
// oversized payload can be rebuilt with progressively less material. Fields
// are dropped in the order declared by apnsShrinkSteps.
type apnsShape struct {
	body          bool
	roomName      bool
	senderDisplay bool
	roomAlias     bool
	content       bool
}

var apnsFullShape = apnsShape{body: true, roomName: true, senderDisplay: true, roomAlias: true, content: true}

// apnsShrinkSteps, applied cumulatively, yield the truncation priority:
// content body first, then room name, sender display name, room alias, and
// finally the whole content.
var apnsShrinkSteps = []func(*apnsShape){
	func(s *apnsShape) { s.body = false },
	func(s *apnsShape) { s.roomName = false },
	func(s *apnsShape) { s.senderDisplay = false },
	func(s *apnsShape) { s.roomAlias = false },
	func(s *apnsShape) { s.content = false },
}

// buildAPNSPayload constructs and serializes the APNs payload for one device,
// shrinking it until it fits the 4 KiB limit. It returns a nil payload with
// empty=true when there is nothing worth waking the device for, and a nil
// payload with ok=false when the payload cannot be made to fit.
func buildAPNSPayload(n *models.Notification, d *models.Device) (payload []byte, empty bool, ok bool) {
	shape := apnsFullShape
	for {
		body, empty := apnsPayloadForShape(n, d, shape)
		if empty {
			return nil, true, true
		}
		encoded, err := json.Marshal(body)
		if err == nil && len(encoded) <= apnsMaxPayloadSize {
			return encoded, false, true
		}
		shrunk := false
		for _, step := range apnsShrinkSteps {
			before := shape
			step(&shape)
			if shape != before {
				shrunk = true
				break
			}
		}
		if !shrunk {
			return nil, false, false
		}
	}
}

func apnsPayloadForShape(n *models.Notification, d *models.Device, shape apnsShape) (map[string]interface{}, bool) {
	payload := map[string]interface{}{}
	defaults, _ := d.DefaultPayload()
	for k, v := range defaults {
		payload[k] = v
	}

	aps := map[string]interface{}{}
	if existing, isMap := payload["aps"].(map[string]interface{}); isMap {
		for k, v := range existing {
			aps[k] = v
		}
	}

	badge := apnsBadge(n)
	format := n.EffectiveFormat(d)

	if format == models.FormatEventIDOnly {
		payload = map[string]interface{}{}
		for k, v := range defaults {
			payload[k] = v
		}
		if badge != nil {
			aps["badge"] = *badge
		}
		payload["aps"] = aps
		if n.RoomID != "" {
			payload["room_id"] = n.RoomID
		}
		if n.EventID != "" {
			payload["event_id"] = n.EventID
		}
		return payload, false
	}

	locKey, locArgs := apnsAlert(n, shape)
	if locKey == "" && badge == nil {
		return nil, true
	}
	if locKey != "" {
		alert := map[string]interface{}{"loc-key": locKey}
		if len(locArgs) > 0 {
			alert["loc-args"] = locArgs
		}
		aps["alert"] = alert
		aps["content-available"] = 1
	}
	if badge != nil {
		aps["badge"] = *badge
	}
	sound := d.Tweaks.Sound
	if sound == "" {
		sound = n.Tweaks.Sound
	}
	if sound != "" {
		aps["sound"] = sound
	}
	payload["aps"] = aps

	if n.EventID != "" {
		payload["event_id"] = n.EventID
	}
	if locKey != "" && n.RoomID != "" {
		payload["room_id"] = n.RoomID
	}
	return payload, false
}

func apnsBadge(n *models.Notification) *int {
	if n.Unread != nil {
		return n.Unread
	}
	if n.MissedCalls != nil {
		return n.MissedCalls
	}
	return nil
}

// apnsAlert derives the localization key and arguments for the alert from
// the event type, membership and content, honoring the shape's field drops.
func apnsAlert(n *models.Notification, shape apnsShape) (string, []string) {
	from := ""
	if shape.senderDisplay && n.SenderDisplayName != "" {
		from = n.SenderDisplayName
	} else if n.Sender != "" {
		from = n.Sender
	}

	room := ""
	if shape.roomName && n.RoomName != "" {
		room = n.RoomName
	} else if shape.roomAlias && n.RoomAlias != "" {
		room = n.RoomAlias
	}

	switch n.Type {
	case "m.room.message", "m.room.encrypted":
		var contentBody, actionBody string
		isImage := false
		if shape.content && n.Content != nil {
			msgtype, _ := n.Content["msgtype"].(string)
			body, _ := n.Content["body"].(string)
			if shape.body && body != "" {
				switch msgtype {
				case "m.emote":
					actionBody = body
				default:
					// body is user-visible text for any other msgtype
					contentBody = body
				}
			}
			isImage = msgtype == "m.image"
		}
		if room != "" {
			switch {
			case isImage:
				return "IMAGE_FROM_USER_IN_ROOM", []string{from, room}
			case contentBody != "":
				return "MSG_FROM_USER_IN_ROOM_WITH_CONTENT", []string{from, room, contentBody}
			case actionBody != "":
				return "ACTION_FROM_USER_IN_ROOM", []string{room, from, actionBody}
			default:
				return "MSG_FROM_USER_IN_ROOM", []string{from, room}
			}
		}
		switch {
		case isImage:
			return "IMAGE_FROM_USER", []string{from}
		case contentBody != "":
			return "MSG_FROM_USER_WITH_CONTENT", []string{from, contentBody}
		case actionBody != "":
			return "ACTION_FROM_USER", []string{from, actionBody}
		default:
			return "MSG_FROM_USER", []string{from}
		}
	case "m.call.invite":
		return "VOICE_CALL_FROM_USER", []string{from}
	case "m.room.member":
		if n.UserIsTarget && n.Membership == "invite" {
			if room != "" {
				return "USER_INVITE_TO_NAMED_ROOM", []string{from, room}
			}
			return "USER_INVITE_TO_CHAT", []string{from}
		}
		return "", nil
	case "":
		return "", nil
	default:
		// An event type we do not know about, but important enough for the
		// homeserver to push.
		return "MSG_FROM_USER", []string{from}
	}
}
