package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/config"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/metrics"
	"github.com/wudi/steer/internal/realtime/queue"
	"github.com/wudi/steer/internal/xerrors"
)

// ErrNotAccepting is returned by Open after shutdown began.
var ErrNotAccepting = xerrors.New(xerrors.PolicyViolation, "session: manager is shutting down")

// ErrUnknownConnection is returned for operations on a closed or never-opened
// connection.
var ErrUnknownConnection = xerrors.New(xerrors.ClientProtocol, "session: unknown connection")

// AppHandler receives application frames that are not handled by the session
// layer itself.
type AppHandler func(connID, tenantID string, data json.RawMessage)

// Conn is one live client session: a transport, its outbound queue, a pump
// goroutine draining the queue, and a read loop consuming inbound frames.
type Conn struct {
	ID       string
	TenantID string

	tr    Transport
	queue *queue.Queue

	lastInboundMS atomic.Int64
	lastSendMS    atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Queue exposes the connection's outbound queue, mainly for tests and stats.
func (c *Conn) Queue() *queue.Queue { return c.queue }

// Manager owns all live sessions. Each connection runs two goroutines (pump
// and reader); the manager itself only coordinates open, close and shutdown.
type Manager struct {
	cfg     config.RealtimeConfig
	store   kv.Store
	clk     clock.Clock
	metrics *metrics.Metrics
	handler AppHandler

	mu        sync.RWMutex
	conns     map[string]*Conn
	accepting bool

	wg sync.WaitGroup
}

// NewManager creates a session manager. handler may be nil when no component
// consumes application frames.
func NewManager(cfg config.RealtimeConfig, store kv.Store, clk clock.Clock, m *metrics.Metrics, handler AppHandler) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		clk:       clk,
		metrics:   m,
		handler:   handler,
		conns:     make(map[string]*Conn),
		accepting: true,
	}
}

func (mg *Manager) queueConfig() queue.Config {
	return queue.Config{
		MaxQueueSize:        mg.cfg.MaxQueueSize,
		DropThreshold:       mg.cfg.DropThreshold,
		MaxMemorySize:       mg.cfg.MaxMemorySize,
		MaxQueueAge:         mg.cfg.MaxQueueAge,
		SlowClientThreshold: mg.cfg.SlowClientThreshold,
	}
}

// Open registers a new session. connID may carry the ID of a previous
// session to resume it; empty means a fresh connection. Messages persisted
// under the resumed ID are restored before delivery starts, and the client
// gets a resume notice telling it how many are coming.
func (mg *Manager) Open(ctx context.Context, tenantID, connID string, tr Transport) (*Conn, error) {
	mg.mu.Lock()
	if !mg.accepting {
		mg.mu.Unlock()
		return nil, ErrNotAccepting
	}
	if connID == "" {
		connID = uuid.NewString()
	}
	if _, exists := mg.conns[connID]; exists {
		mg.mu.Unlock()
		return nil, fmt.Errorf("session: connection %s already open", connID)
	}

	c := &Conn{
		ID:       connID,
		TenantID: tenantID,
		tr:       tr,
		queue:    queue.New(connID, tenantID, mg.queueConfig(), mg.store, mg.clk, mg.metrics),
		done:     make(chan struct{}),
	}
	now := mg.clk.NowMonotonicMS()
	c.lastInboundMS.Store(now)
	c.lastSendMS.Store(now)
	mg.conns[connID] = c
	mg.mu.Unlock()

	restored, err := c.queue.Restore(ctx)
	if err != nil {
		logging.Warn("Session restore failed, starting empty",
			zap.String("connection", connID), zap.Error(err))
	}
	if restored > 0 {
		notice, _ := json.Marshal(map[string]int{"restored_messages": restored})
		mg.sendControl(c, string(queue.KindResume), notice)
	}

	mg.metrics.ActiveConnections.WithLabelValues(tenantID).Inc()
	logging.Info("Session opened",
		zap.String("connection", connID),
		zap.String("tenant", tenantID),
		zap.Int("restored", restored),
	)

	mg.wg.Add(2)
	go mg.pump(c)
	go mg.readLoop(c)
	return c, nil
}

// Push enqueues an outbound message for a connection. The returned bool is
// false when backpressure policy dropped the message.
func (mg *Manager) Push(ctx context.Context, connID string, payload []byte, kind queue.Kind, isFinal bool, priority int) (bool, error) {
	mg.mu.RLock()
	c, ok := mg.conns[connID]
	mg.mu.RUnlock()
	if !ok {
		return false, ErrUnknownConnection
	}
	return c.queue.Enqueue(ctx, payload, kind, isFinal, priority), nil
}

// State returns the queue snapshot for a connection.
func (mg *Manager) State(connID string) (queue.State, bool) {
	mg.mu.RLock()
	c, ok := mg.conns[connID]
	mg.mu.RUnlock()
	if !ok {
		return queue.State{}, false
	}
	return c.queue.SnapshotState(), true
}

// OnInbound processes one inbound frame for a connection. The read loop calls
// it for transports the manager owns; servers with their own read path may
// call it directly.
func (mg *Manager) OnInbound(connID string, data []byte) error {
	mg.mu.RLock()
	c, ok := mg.conns[connID]
	mg.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	mg.handleFrame(c, data)
	return nil
}

func (mg *Manager) handleFrame(c *Conn, data []byte) {
	c.lastInboundMS.Store(mg.clk.NowMonotonicMS())

	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		mg.metrics.UnknownFrames.WithLabelValues(c.TenantID).Inc()
		logging.Debug("Dropping malformed inbound frame",
			zap.String("connection", c.ID), zap.Error(err))
		return
	}

	switch f.Type {
	case FrameAck:
		c.queue.Ack(f.Sequence)
	case FramePing:
		mg.sendControl(c, FramePong, nil)
	case FramePong:
		// Liveness already refreshed above.
	case FrameApp:
		if mg.handler != nil {
			mg.handler(c.ID, c.TenantID, f.Data)
		}
	default:
		mg.metrics.UnknownFrames.WithLabelValues(c.TenantID).Inc()
		logging.Debug("Dropping unknown inbound frame",
			zap.String("connection", c.ID), zap.String("type", f.Type))
	}
}

// sendControl writes an out-of-band envelope (pong, heartbeat, resume) that
// does not ride the queue and carries no sequence.
func (mg *Manager) sendControl(c *Conn, kind string, data json.RawMessage) {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      kind,
		Timestamp: mg.clk.NowUTC().Format(time.RFC3339Nano),
		Data:      data,
		TenantID:  c.TenantID,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mg.cfg.SendDeadline)
	defer cancel()
	if err := c.tr.Send(ctx, b); err != nil {
		mg.metrics.SendErrors.WithLabelValues(c.TenantID).Inc()
		return
	}
	c.lastSendMS.Store(mg.clk.NowMonotonicMS())
	mg.metrics.MessagesSent.WithLabelValues(c.TenantID, kind).Inc()
}

// sendQueued writes one queued message to the transport.
func (mg *Manager) sendQueued(c *Conn, msg *queue.Message) error {
	env := Envelope{
		ID:        msg.ID,
		Type:      string(msg.Kind),
		Sequence:  msg.Sequence,
		Timestamp: mg.clk.NowUTC().Format(time.RFC3339Nano),
		Data:      msg.Payload,
		IsFinal:   msg.IsFinal,
		TenantID:  msg.TenantID,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), mg.cfg.SendDeadline)
	defer cancel()
	if err := c.tr.Send(ctx, b); err != nil {
		return err
	}
	c.lastSendMS.Store(mg.clk.NowMonotonicMS())
	c.queue.MarkSent(msg)
	return nil
}

// pump drains the connection's queue on a fixed cadence, emits heartbeats
// during idle stretches and closes sessions that stopped responding. A
// transport failure closes the connection with its queue persisted so a
// reconnect can resume.
func (mg *Manager) pump(c *Conn) {
	defer mg.wg.Done()

	ticker := time.NewTicker(mg.cfg.PumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		for i := 0; i < mg.cfg.PumpBatch; i++ {
			msg := c.queue.Dequeue(context.Background())
			if msg == nil {
				break
			}
			if err := mg.sendQueued(c, msg); err != nil {
				c.queue.Requeue(msg)
				mg.metrics.SendErrors.WithLabelValues(c.TenantID).Inc()
				logging.Warn("Transport send failed, closing session",
					zap.String("connection", c.ID), zap.Error(err))
				go mg.closeConn(c, true)
				return
			}
		}

		now := mg.clk.NowMonotonicMS()
		if mg.cfg.HeartbeatInterval > 0 &&
			now-c.lastSendMS.Load() >= mg.cfg.HeartbeatInterval.Milliseconds() {
			mg.sendControl(c, string(queue.KindHeartbeat), nil)
		}
		if mg.cfg.StaleAfter > 0 &&
			now-c.lastInboundMS.Load() >= mg.cfg.StaleAfter.Milliseconds() {
			logging.Info("Session stale, closing",
				zap.String("connection", c.ID),
				zap.String("tenant", c.TenantID),
			)
			go mg.closeConn(c, true)
			return
		}
	}
}

// readLoop feeds inbound frames from the transport into handleFrame until the
// transport fails or the session closes.
func (mg *Manager) readLoop(c *Conn) {
	defer mg.wg.Done()

	for {
		data, err := c.tr.Receive()
		if err != nil {
			select {
			case <-c.done:
			default:
				logging.Debug("Transport receive ended",
					zap.String("connection", c.ID), zap.Error(err))
				go mg.closeConn(c, true)
			}
			return
		}
		mg.handleFrame(c, data)
	}
}

// Close shuts one session down, persisting its queue for a later resume.
func (mg *Manager) Close(connID string) error {
	mg.mu.RLock()
	c, ok := mg.conns[connID]
	mg.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	mg.closeConn(c, true)
	return nil
}

func (mg *Manager) closeConn(c *Conn, persist bool) {
	c.closeOnce.Do(func() {
		close(c.done)

		if persist {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.queue.Persist(ctx); err != nil {
				logging.Warn("Queue persist on close failed",
					zap.String("connection", c.ID), zap.Error(err))
			}
			cancel()
		}
		c.tr.Close()

		mg.mu.Lock()
		delete(mg.conns, c.ID)
		mg.mu.Unlock()

		mg.metrics.ActiveConnections.WithLabelValues(c.TenantID).Dec()
		mg.metrics.QueueSize.WithLabelValues(c.TenantID, c.ID).Set(0)
		logging.Info("Session closed",
			zap.String("connection", c.ID),
			zap.String("tenant", c.TenantID),
		)
	})
}

// Len returns the number of open sessions.
func (mg *Manager) Len() int {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return len(mg.conns)
}

// Shutdown stops accepting sessions, lets the pumps drain queued messages
// within the drain budget, then persists and closes everything left.
func (mg *Manager) Shutdown(ctx context.Context) {
	mg.mu.Lock()
	mg.accepting = false
	mg.mu.Unlock()

	deadline := time.Now().Add(mg.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if mg.pending() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(50 * time.Millisecond):
		}
	}

	mg.mu.RLock()
	remaining := make([]*Conn, 0, len(mg.conns))
	for _, c := range mg.conns {
		remaining = append(remaining, c)
	}
	mg.mu.RUnlock()

	for _, c := range remaining {
		mg.closeConn(c, true)
	}
	mg.wg.Wait()
}

func (mg *Manager) pending() int {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	total := 0
	for _, c := range mg.conns {
		total += c.queue.Len()
	}
	return total
}
