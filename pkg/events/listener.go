package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/entitysync/pubsub/pkg/services"
)

// dispatchQueueDepth buffers decoded notifications between the receive loop
// and the dispatch goroutine so a slow subscriber set never back-pressures
// the NOTIFY channel. Overflow is dropped; the poll watcher re-delivers.
const dispatchQueueDepth = 1024

// backoffExponentCap caps the reconnect backoff doubling, so the maximum
// delay is 32× the base.
const backoffExponentCap = 5

// ListenerState is the listener's lifecycle state.
type ListenerState int32

// Listener lifecycle states.
const (
	StateIdle ListenerState = iota
	StateConnecting
	StateListening
	StateDisconnected
	StateDown
)

func (s ListenerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateDisconnected:
		return "disconnected"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// ListenerConfig configures the NotifyListener.
type ListenerConfig struct {
	// DSN is the connection string for the dedicated LISTEN session. The
	// session is owned by the listener and never returned to the pool.
	DSN string
	// Channel is the NOTIFY channel name.
	Channel string
	// BaseDelay is the first reconnect backoff step.
	BaseDelay time.Duration
	// MaxAttempts is the consecutive-failure ceiling. Past it the listener
	// stays down and the poll watcher carries delivery alone.
	MaxAttempts int
}

// NotifyListener holds a long-lived database session LISTEN-ing on one
// channel and drives the fan-out engine from decoded payloads. While it is
// listening, every committed non-view change row should produce at most one
// dispatch; rows missed during reconnect windows are the poll watcher's job.
type NotifyListener struct {
	cfg    ListenerConfig
	engine *FanoutEngine
	status StatusMarker

	state    atomic.Int32
	notifyCh chan NotificationEnvelope

	cancel       context.CancelFunc
	receiveDone  chan struct{}
	dispatchDone chan struct{}
}

// NewNotifyListener creates a NotifyListener.
func NewNotifyListener(cfg ListenerConfig, engine *FanoutEngine, status StatusMarker) *NotifyListener {
	return &NotifyListener{
		cfg:      cfg,
		engine:   engine,
		status:   status,
		notifyCh: make(chan NotificationEnvelope, dispatchQueueDepth),
	}
}

// State returns the current lifecycle state.
func (l *NotifyListener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Start launches the receive and dispatch loops. Connection establishment
// happens inside the receive loop, so a database outage at startup follows
// the same backoff path as a mid-flight disconnect.
func (l *NotifyListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.receiveDone = make(chan struct{})
	l.dispatchDone = make(chan struct{})

	go func() {
		defer close(l.receiveDone)
		l.run(ctx)
	}()
	go func() {
		defer close(l.dispatchDone)
		l.dispatchLoop(ctx)
	}()

	slog.Info("NotifyListener started", "channel", l.cfg.Channel)
}

// Stop cancels both loops and waits for them to finish, releasing the
// dedicated session.
func (l *NotifyListener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.receiveDone
	<-l.dispatchDone
	slog.Info("NotifyListener stopped")
}

// run is the single reconnect loop: connect, LISTEN, receive until the
// session errors, back off, repeat. Never recursive. Consecutive failures
// past the ceiling leave the listener down for operator intervention; the
// poll watcher bounds delivery latency meanwhile.
func (l *NotifyListener) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		l.state.Store(int32(StateConnecting))

		conn, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			if attempt >= l.cfg.MaxAttempts {
				l.state.Store(int32(StateDown))
				slog.Error("NotifyListener giving up after reconnect ceiling; real-time delivery is DOWN, poll watcher is the only delivery path",
					"attempts", attempt, "channel", l.cfg.Channel)
				return
			}
			delay := backoffDelay(l.cfg.BaseDelay, attempt)
			slog.Error("NotifyListener connect failed, backing off",
				"attempt", attempt, "backoff", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		l.state.Store(int32(StateListening))
		slog.Info("NotifyListener listening", "channel", l.cfg.Channel, "attempt", attempt)
		attempt = 0

		l.receive(ctx, conn)

		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.Close(closeCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		l.state.Store(int32(StateDisconnected))
		attempt++
		delay := backoffDelay(l.cfg.BaseDelay, attempt)
		slog.Warn("NotifyListener session lost, reconnecting", "backoff", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connect establishes the dedicated session and subscribes to the channel.
func (l *NotifyListener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.cfg.DSN)
	if err != nil {
		return nil, err
	}
	sanitized := pgx.Identifier{l.cfg.Channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.Close(closeCtx)
		cancel()
		return nil, err
	}
	return conn, nil
}

// receive blocks on the session until it errors or the context ends. It is
// the sole user of the connection. Decoded envelopes go to the dispatch
// queue; the receive loop itself never calls into fan-out.
func (l *NotifyListener) receive(ctx context.Context, conn *pgx.Conn) {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("NOTIFY receive error", "error", err)
			}
			return
		}

		env, err := ParseNotification([]byte(notification.Payload))
		if err != nil {
			slog.Warn("Discarding malformed notification",
				"channel", notification.Channel, "error", err)
			continue
		}

		select {
		case l.notifyCh <- env:
		default:
			// Queue full: drop and let the poll watcher re-deliver.
			slog.Warn("Notification dispatch queue full, dropping",
				"log_id", int64(env.LogID), "entity_code", env.EntityCode)
		}
	}
}

// dispatchLoop drains the notification queue into the fan-out engine.
func (l *NotifyListener) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-l.notifyCh:
			l.dispatch(ctx, env)
		}
	}
}

func (l *NotifyListener) dispatch(ctx context.Context, env NotificationEnvelope) {
	if env.Action == services.ActionView {
		// Views are never delivered; settle the row so the poll sweep
		// does not pick it up.
		l.status.MarkSkipped([]int64{int64(env.LogID)})
		return
	}
	l.engine.Dispatch(ctx, env.EntityCode, []services.ChangeEntry{{
		LogID:    int64(env.LogID),
		EntityID: env.EntityID,
		Action:   env.Action,
		// The NOTIFY envelope carries no version; clients treat 0 as
		// "reconcile by refetch". The poller path forwards the stored value.
		Version: 0,
	}}, SourceListener)
}

// backoffDelay returns the delay before reconnect attempt n (1-based):
// base × 2^(n-1), exponent capped so the maximum is 32× base.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	exp := attempt - 1
	if exp > backoffExponentCap {
		exp = backoffExponentCap
	}
	return base * (1 << exp)
}
