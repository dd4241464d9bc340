package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// outboundFrameDepth is the per-connection outbound channel capacity. The
// byte budget, not the frame count, is the real backpressure limit; this is
// only sized so the channel never trips first under normal traffic.
const outboundFrameDepth = 256

// Connection is one live WebSocket client on this pod.
//
// All registry state (the by_id and by_user maps) is owned by the
// ConnectionManager; the connection itself only carries its identity, its
// socket, and the outbound queue serviced by its writer goroutine.
type Connection struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	conn *websocket.Conn

	// tokenExpiry and expiryWarned are guarded by the manager's mutex.
	tokenExpiry  time.Time
	expiryWarned bool

	// lastActivity is the unix time of the last inbound frame, for the
	// heartbeat idle sweep.
	lastActivity atomic.Int64

	outbound    chan []byte
	queuedBytes atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Touch records inbound activity for the idle sweep.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().Unix())
}

// closeWith closes the socket once with the given status. The socket layer
// surfaces the close to the reader loop, which triggers Disconnect.
func (c *Connection) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(code, reason)
	})
}

// drainAndClose lets queued frames flush before closing, so a final ERROR
// frame reaches the client ahead of the close handshake. Bounded: a stuck
// writer forfeits the grace period.
func (c *Connection) drainAndClose(code websocket.StatusCode, reason string) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(c.outbound) == 0 && c.queuedBytes.Load() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The last dequeued frame may still be mid-write.
	time.Sleep(20 * time.Millisecond)
	c.closeWith(code, reason)
}

// ConnectionManager is the pod-local connection registry: connection id →
// socket, user id → connections, and token-expiry tracking. It exclusively
// owns the in-memory connection set on its pod.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection

	writeTimeout  time.Duration
	maxQueueBytes int64
	expiryWarning time.Duration
	pingInterval  time.Duration

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// ManagerConfig carries the connection-level tunables.
type ManagerConfig struct {
	WriteTimeout  time.Duration
	MaxQueueBytes int
	ExpiryWarning time.Duration
	PingInterval  time.Duration
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	return &ConnectionManager{
		byID:          make(map[string]*Connection),
		byUser:        make(map[string]map[string]*Connection),
		writeTimeout:  cfg.WriteTimeout,
		maxQueueBytes: int64(cfg.MaxQueueBytes),
		expiryWarning: cfg.ExpiryWarning,
		pingInterval:  cfg.PingInterval,
	}
}

// Connect registers an authenticated socket and returns its Connection.
// The socket is retained until Disconnect; a per-connection writer goroutine
// services the outbound queue so no caller ever blocks on a slow consumer.
func (m *ConnectionManager) Connect(parentCtx context.Context, userID string, conn *websocket.Conn, tokenExpiry time.Time) *Connection {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		CreatedAt:   time.Now(),
		conn:        conn,
		tokenExpiry: tokenExpiry,
		outbound:    make(chan []byte, outboundFrameDepth),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.Touch()

	m.mu.Lock()
	m.byID[c.ID] = c
	userConns := m.byUser[userID]
	if userConns == nil {
		userConns = make(map[string]*Connection)
		m.byUser[userID] = userConns
	}
	userConns[c.ID] = c
	m.mu.Unlock()

	go m.writeLoop(c)
	return c
}

// Disconnect removes a connection from all maps and closes its socket.
// Idempotent: returns the previous user id and true only on the first call
// for a live id.
func (m *ConnectionManager) Disconnect(connectionID string) (string, bool) {
	m.mu.Lock()
	c, ok := m.byID[connectionID]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	delete(m.byID, connectionID)
	if userConns := m.byUser[c.UserID]; userConns != nil {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	m.mu.Unlock()

	c.closeWith(websocket.StatusNormalClosure, "")
	return c.UserID, true
}

// HasOpen reports whether the connection is registered and its socket still
// writable.
func (m *ConnectionManager) HasOpen(connectionID string) bool {
	m.mu.RLock()
	c, ok := m.byID[connectionID]
	m.mu.RUnlock()
	return ok && c.ctx.Err() == nil
}

// Send serialises the frame once and queues it for one connection. Returns
// whether the frame was accepted with the socket in an open state. A send
// failure does not remove the connection — the socket close event does.
func (m *ConnectionManager) Send(connectionID string, frame ServerFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("Failed to marshal outbound frame",
			"connection_id", connectionID, "type", frame.Type, "error", err)
		return false
	}
	m.mu.RLock()
	c, ok := m.byID[connectionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return m.enqueue(c, data)
}

// Broadcast serialises the frame once and queues it for many connections.
// Best-effort, no ordering guarantee across connections. Returns the number
// of accepted sends.
func (m *ConnectionManager) Broadcast(connectionIDs []string, frame ServerFrame) int {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("Failed to marshal broadcast frame", "type", frame.Type, "error", err)
		return 0
	}

	// Snapshot pointers under the lock, release before queueing.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(connectionIDs))
	for _, id := range connectionIDs {
		if c, ok := m.byID[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if m.enqueue(c, data) {
			sent++
		}
	}
	return sent
}

// UpdateTokenExpiry stores a refreshed expiry and re-arms the warning.
func (m *ConnectionManager) UpdateTokenExpiry(connectionID string, expiry time.Time) {
	m.mu.Lock()
	if c, ok := m.byID[connectionID]; ok {
		c.tokenExpiry = expiry
		c.expiryWarned = false
	}
	m.mu.Unlock()
}

// ConnectionsForUser returns the ids of a user's live connections on this pod.
func (m *ConnectionManager) ConnectionsForUser(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userConns := m.byUser[userID]
	ids := make([]string, 0, len(userConns))
	for id := range userConns {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionIDs returns the ids of every connection open on this pod. The
// cleanup service heartbeats these against the shared registry so live rows
// survive the stale sweep.
func (m *ConnectionManager) ConnectionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns the pod-local connection and user counts.
func (m *ConnectionManager) Stats() (connections, users int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), len(m.byUser)
}

// StartSweeper launches the periodic expiry/heartbeat sweep.
func (m *ConnectionManager) StartSweeper(ctx context.Context, interval time.Duration) {
	if m.sweepCancel != nil {
		return
	}
	ctx, m.sweepCancel = context.WithCancel(ctx)
	m.sweepDone = make(chan struct{})
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(time.Now())
			}
		}
	}()
}

// StopSweeper stops the sweep loop and waits for it to finish.
func (m *ConnectionManager) StopSweeper() {
	if m.sweepCancel == nil {
		return
	}
	m.sweepCancel()
	<-m.sweepDone
}

// sweep closes expired and idle connections and warns those near expiry.
// Invariant: token_expiry > now for every connection that survives a sweep.
func (m *ConnectionManager) sweep(now time.Time) {
	idleCutoff := now.Add(-3 * m.pingInterval).Unix()

	type warning struct {
		c         *Connection
		expiresIn int64
	}
	var expired, idle []*Connection
	var warnings []warning

	m.mu.Lock()
	for _, c := range m.byID {
		switch {
		case !c.tokenExpiry.After(now):
			expired = append(expired, c)
		case c.lastActivity.Load() < idleCutoff:
			idle = append(idle, c)
		case !c.expiryWarned && c.tokenExpiry.Sub(now) <= m.expiryWarning:
			c.expiryWarned = true
			warnings = append(warnings, warning{c, int64(c.tokenExpiry.Sub(now).Seconds())})
		}
	}
	m.mu.Unlock()

	for _, w := range warnings {
		m.Send(w.c.ID, ServerFrame{
			Type:    FrameTokenExpiringSoon,
			Payload: TokenExpiringPayload{ExpiresIn: w.expiresIn},
		})
	}
	for _, c := range expired {
		slog.Info("Closing connection with expired token",
			"connection_id", c.ID, "user_id", c.UserID)
		c.closeWith(websocket.StatusCode(CloseExpiredToken), "token expired")
	}
	for _, c := range idle {
		slog.Info("Closing idle connection",
			"connection_id", c.ID, "user_id", c.UserID)
		c.closeWith(websocket.StatusNormalClosure, "heartbeat timeout")
	}
}

// enqueue hands a serialised frame to the connection's writer. Exceeding the
// queued-bytes budget means the consumer is stuck; the connection is closed
// with 1011 and the frame dropped.
func (m *ConnectionManager) enqueue(c *Connection, data []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	size := int64(len(data))
	if c.queuedBytes.Add(size) > m.maxQueueBytes {
		c.queuedBytes.Add(-size)
		slog.Warn("Outbound queue over budget, closing connection",
			"connection_id", c.ID, "user_id", c.UserID)
		c.closeWith(websocket.StatusInternalError, "backpressure exceeded")
		return false
	}
	select {
	case c.outbound <- data:
		return true
	default:
		c.queuedBytes.Add(-size)
		slog.Warn("Outbound queue full, closing connection",
			"connection_id", c.ID, "user_id", c.UserID)
		c.closeWith(websocket.StatusInternalError, "backpressure exceeded")
		return false
	}
}

// writeLoop is the per-connection writer. Frames for one connection go out
// in queue order; every write is bounded by the write timeout.
func (m *ConnectionManager) writeLoop(c *Connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.outbound:
			c.queuedBytes.Add(-int64(len(data)))
			writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					slog.Warn("WebSocket write failed, closing connection",
						"connection_id", c.ID, "error", err)
					c.closeWith(websocket.StatusInternalError, "write failure")
				}
				return
			}
		}
	}
}
