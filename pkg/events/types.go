// Package events provides real-time entity-change delivery: WebSocket
// connection management, the PostgreSQL NOTIFY listener, the polling
// safety-net, and the fan-out engine that joins them through the shared
// subscription registry.
//
// Delivery semantics are at-most-once per path on top of an at-least-once
// source: the listener gives sub-second latency in the common case, the poll
// watcher bounds worst-case latency across listener outages, and clients
// suppress the occasional duplicate by version.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/entitysync/pubsub/pkg/services"
)

// Client → server frame types.
const (
	FrameSubscribe      = "SUBSCRIBE"
	FrameUnsubscribe    = "UNSUBSCRIBE"
	FrameUnsubscribeAll = "UNSUBSCRIBE_ALL"
	FrameTokenRefresh   = "TOKEN_REFRESH"
	FramePing           = "PING"
)

// Server → client frame types.
const (
	FrameInvalidate        = "INVALIDATE"
	FrameTokenExpiringSoon = "TOKEN_EXPIRING_SOON"
	FrameSubscribed        = "SUBSCRIBED"
	FramePong              = "PONG"
	FrameError             = "ERROR"
)

// WebSocket close codes. 4001/4002 tell well-behaved clients not to retry
// with the same token.
const (
	CloseInvalidToken = 4001
	CloseExpiredToken = 4002
)

// Wire actions carried in INVALIDATE changes.
const (
	WireCreate = "CREATE"
	WireUpdate = "UPDATE"
	WireDelete = "DELETE"
)

// ClientFrame is the tagged envelope for every client → server message.
// Unknown types are rejected.
type ClientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of SUBSCRIBE and UNSUBSCRIBE frames.
// UNSUBSCRIBE with no EntityIDs removes all of the user's subscriptions for
// the type.
type SubscribePayload struct {
	EntityCode string   `json:"entityCode"`
	EntityIDs  []string `json:"entityIds"`
}

// TokenRefreshPayload is the payload of TOKEN_REFRESH frames.
type TokenRefreshPayload struct {
	Token string `json:"token"`
}

// ServerFrame is the tagged envelope for every server → client message.
type ServerFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// InvalidatePayload tells a client which cached entities are stale.
type InvalidatePayload struct {
	EntityCode string             `json:"entityCode"`
	Changes    []InvalidateChange `json:"changes"`
	Timestamp  int64              `json:"timestamp"`
}

// InvalidateChange is one stale entity within an INVALIDATE message.
type InvalidateChange struct {
	EntityID string `json:"entityId"`
	Action   string `json:"action"`
	Version  int64  `json:"version"`
}

// SubscribedPayload acknowledges a SUBSCRIBE frame.
type SubscribedPayload struct {
	Count int `json:"count"`
}

// TokenExpiringPayload warns that the connection's token is near expiry.
type TokenExpiringPayload struct {
	ExpiresIn int64 `json:"expiresIn"` // seconds
}

// ErrorPayload carries a protocol or transient-failure message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// flexInt64 tolerates both JSON strings and numbers; producers disagree on
// how they encode log_id.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("log_id %q is not an integer: %w", s, err)
		}
		*f = flexInt64(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("log_id is neither string nor number: %w", err)
	}
	*f = flexInt64(v)
	return nil
}

// NotificationEnvelope is the JSON payload carried on the NOTIFY channel.
type NotificationEnvelope struct {
	LogID      flexInt64 `json:"log_id"`
	EntityCode string    `json:"entity_code"`
	EntityID   string    `json:"entity_id"`
	Action     int       `json:"action"`
	Timestamp  int64     `json:"timestamp"`
}

// ParseNotification decodes and validates a NOTIFY payload.
func ParseNotification(payload []byte) (NotificationEnvelope, error) {
	var env NotificationEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return NotificationEnvelope{}, fmt.Errorf("malformed notification payload: %w", err)
	}
	if env.EntityCode == "" || env.EntityID == "" {
		return NotificationEnvelope{}, fmt.Errorf("notification payload missing entity_code or entity_id")
	}
	if env.LogID <= 0 {
		return NotificationEnvelope{}, fmt.Errorf("notification payload missing log_id")
	}
	return env, nil
}

// WireAction translates a change-log action integer to the wire enum.
// The set of integers meaning UPDATE is deliberately open-ended; anything
// outside the enumerated range is delivered as UPDATE with a diagnostic.
// Callers filter out views before fan-out.
func WireAction(action int) string {
	switch action {
	case services.ActionCreate:
		return WireCreate
	case services.ActionDelete:
		return WireDelete
	default:
		if action > services.ActionCreate || action < services.ActionView {
			slog.Warn("Unexpected change action, treating as update", "action", action)
		}
		return WireUpdate
	}
}
