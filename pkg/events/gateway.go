package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/entitysync/pubsub/pkg/auth"
)

// cleanupTimeout bounds the registry cleanup that runs after a socket
// closes; the connection context is already cancelled by then.
const cleanupTimeout = 5 * time.Second

// SubscriptionRegistry is the registry surface the gateway drives from
// client commands. Implemented by services.SubscriptionService.
type SubscriptionRegistry interface {
	Subscribe(ctx context.Context, userID, connectionID, entityCode string, entityIDs []string) (int, error)
	Unsubscribe(ctx context.Context, userID, entityCode string, entityIDs []string) (int64, error)
	UnsubscribeAll(ctx context.Context, userID string) (int64, error)
	CleanupConnection(ctx context.Context, connectionID string) (int64, error)
}

// TokenVerifier validates bearer tokens. Implemented by auth.Verifier.
type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// Gateway owns the per-connection protocol: authentication on accept, the
// frame state machine, and teardown. It holds the only references joining
// the connection layer and the subscription layer; neither references the
// other.
type Gateway struct {
	verifier TokenVerifier
	manager  *ConnectionManager
	registry SubscriptionRegistry
}

// NewGateway creates a Gateway.
func NewGateway(verifier TokenVerifier, manager *ConnectionManager, registry SubscriptionRegistry) *Gateway {
	return &Gateway{verifier: verifier, manager: manager, registry: registry}
}

// HandleConnection authenticates an upgraded socket and runs its read loop
// until close. Called by the WebSocket HTTP handler; blocks for the
// connection's lifetime.
func (g *Gateway) HandleConnection(ctx context.Context, conn *websocket.Conn, r *http.Request) {
	principal, err := g.verifier.Verify(auth.ExtractToken(r))
	if err != nil {
		code := websocket.StatusCode(CloseInvalidToken)
		if errors.Is(err, auth.ErrExpiredToken) {
			code = websocket.StatusCode(CloseExpiredToken)
		}
		_ = conn.Close(code, err.Error())
		return
	}

	c := g.manager.Connect(ctx, principal.UserID, conn, principal.ExpiresAt)
	log := slog.With("connection_id", c.ID, "user_id", c.UserID)
	log.Info("Connection established")

	defer func() {
		g.manager.Disconnect(c.ID)
		// The connection context is gone; cleanup gets its own deadline.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if _, err := g.registry.CleanupConnection(cleanupCtx, c.ID); err != nil {
			log.Warn("Subscription cleanup failed; stale sweep will collect", "error", err)
		}
		log.Info("Connection closed")
	}()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.Touch()

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.protocolError(c, "malformed frame")
			return
		}
		if !g.handleFrame(c, frame) {
			return
		}
	}
}

// handleFrame dispatches one client frame. Returns false when the
// connection must close.
func (g *Gateway) handleFrame(c *Connection, frame ClientFrame) bool {
	switch frame.Type {
	case FrameSubscribe:
		return g.handleSubscribe(c, frame.Payload)
	case FrameUnsubscribe:
		return g.handleUnsubscribe(c, frame.Payload)
	case FrameUnsubscribeAll:
		if _, err := g.registry.UnsubscribeAll(c.ctx, c.UserID); err != nil {
			g.transientError(c, "unsubscribe failed", err)
		}
		return true
	case FrameTokenRefresh:
		return g.handleTokenRefresh(c, frame.Payload)
	case FramePing:
		g.manager.Send(c.ID, ServerFrame{Type: FramePong})
		return true
	default:
		g.protocolError(c, "unknown frame type: "+frame.Type)
		return false
	}
}

func (g *Gateway) handleSubscribe(c *Connection, payload json.RawMessage) bool {
	var req SubscribePayload
	if err := json.Unmarshal(payload, &req); err != nil || req.EntityCode == "" {
		g.protocolError(c, "SUBSCRIBE requires entityCode and entityIds")
		return false
	}
	count, err := g.registry.Subscribe(c.ctx, c.UserID, c.ID, req.EntityCode, req.EntityIDs)
	if err != nil {
		g.transientError(c, "subscribe failed", err)
		return true
	}
	g.manager.Send(c.ID, ServerFrame{
		Type:    FrameSubscribed,
		Payload: SubscribedPayload{Count: count},
	})
	return true
}

func (g *Gateway) handleUnsubscribe(c *Connection, payload json.RawMessage) bool {
	var req SubscribePayload
	if err := json.Unmarshal(payload, &req); err != nil || req.EntityCode == "" {
		g.protocolError(c, "UNSUBSCRIBE requires entityCode")
		return false
	}
	if _, err := g.registry.Unsubscribe(c.ctx, c.UserID, req.EntityCode, req.EntityIDs); err != nil {
		g.transientError(c, "unsubscribe failed", err)
	}
	return true
}

func (g *Gateway) handleTokenRefresh(c *Connection, payload json.RawMessage) bool {
	var req TokenRefreshPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.Token == "" {
		g.protocolError(c, "TOKEN_REFRESH requires token")
		return false
	}
	principal, err := g.verifier.Verify(req.Token)
	if err != nil {
		code := websocket.StatusCode(CloseInvalidToken)
		if errors.Is(err, auth.ErrExpiredToken) {
			code = websocket.StatusCode(CloseExpiredToken)
		}
		c.closeWith(code, "token refresh rejected")
		return false
	}
	// A refresh must not move the connection to a different identity.
	if principal.UserID != c.UserID {
		c.closeWith(websocket.StatusCode(CloseInvalidToken), "token user mismatch")
		return false
	}
	g.manager.UpdateTokenExpiry(c.ID, principal.ExpiresAt)
	return true
}

// protocolError reports a client protocol violation and closes.
func (g *Gateway) protocolError(c *Connection, message string) {
	g.manager.Send(c.ID, ServerFrame{
		Type:    FrameError,
		Payload: ErrorPayload{Message: message},
	})
	c.drainAndClose(websocket.StatusProtocolError, "protocol error")
}

// transientError reports a failed request without closing; per-connection
// errors never affect other connections, and a transient registry failure
// does not justify dropping the socket.
func (g *Gateway) transientError(c *Connection, message string, err error) {
	slog.Warn("Client request failed",
		"connection_id", c.ID, "user_id", c.UserID, "message", message, "error", err)
	g.manager.Send(c.ID, ServerFrame{
		Type:    FrameError,
		Payload: ErrorPayload{Message: message},
	})
}
