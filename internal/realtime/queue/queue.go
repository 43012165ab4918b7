package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/metrics"
)

// spillTTL bounds how long spilled or persisted messages survive in the KV
// store waiting for a reconnect.
const spillTTL = 3600 * time.Second

// Config holds the backpressure policy for one connection's queue.
type Config struct {
	MaxQueueSize        int
	DropThreshold       int
	MaxMemorySize       int
	MaxQueueAge         time.Duration
	SlowClientThreshold time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        1000,
		DropThreshold:       800,
		MaxMemorySize:       50,
		MaxQueueAge:         5 * time.Minute,
		SlowClientThreshold: time.Second,
	}
}

// State is a snapshot of a connection's queue bookkeeping.
type State struct {
	ConnectionID string `json:"connection_id"`
	TenantID     string `json:"tenant_id"`
	QueueSize    int    `json:"queue_size"`
	MaxQueueSize int    `json:"max_queue_size"`
	LastSentSeq  uint64 `json:"last_sent_seq"`
	LastAckedSeq uint64 `json:"last_acked_seq"`
	Slow         bool   `json:"slow"`
	DroppedCount int64  `json:"dropped_count"`
	SentCount    int64  `json:"sent_count"`
}

// Queue is the ordered, bounded outbound queue for one connection. The
// session manager owns it; all operations serialize on the queue's own lock
// and there is no cross-connection locking.
type Queue struct {
	cfg     Config
	connID  string
	tenant  string
	store   kv.Store
	clk     clock.Clock
	metrics *metrics.Metrics

	mu sync.Mutex
	// mem holds the newest messages, oldest first. Older overflow lives in
	// the KV list under key(); spilled counts those entries.
	mem     []*Message
	spilled int
	// unsent is a dequeued message whose transport write failed. It is the
	// globally oldest queued message and is delivered before everything else.
	unsent *Message

	nextSeq      uint64
	lastSentSeq  uint64
	lastAckedSeq uint64
	// ackStalledAtMS is when lastAckedSeq last advanced while messages were
	// outstanding. Zero means nothing outstanding.
	ackStalledAtMS int64
	slow           bool

	droppedCount int64
	sentCount    int64
}

// New creates a queue for a connection.
func New(connID, tenantID string, cfg Config, store kv.Store, clk clock.Clock, m *metrics.Metrics) *Queue {
	return &Queue{
		cfg:     cfg,
		connID:  connID,
		tenant:  tenantID,
		store:   store,
		clk:     clk,
		metrics: m,
	}
}

func (q *Queue) key() string {
	return fmt.Sprintf("realtime:queue:%s:%s", q.tenant, q.connID)
}

// size must be called with q.mu held.
func (q *Queue) size() int {
	n := len(q.mem) + q.spilled
	if q.unsent != nil {
		n++
	}
	return n
}

// updateSlow refreshes the slow flag. Must hold q.mu.
func (q *Queue) updateSlow(nowMS int64) {
	if q.lastSentSeq > q.lastAckedSeq && q.ackStalledAtMS > 0 &&
		nowMS-q.ackStalledAtMS > q.cfg.SlowClientThreshold.Milliseconds() {
		q.slow = true
	}
}

func (q *Queue) drop(reason string) {
	q.droppedCount++
	q.metrics.BackpressureDrops.WithLabelValues(q.tenant, reason).Inc()
}

// Enqueue appends a message. It returns false when the message was dropped
// under backpressure policy. Final messages are never dropped: over the cap
// they evict the oldest intermediate, and when only finals remain the cap
// goes soft.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, kind Kind, isFinal bool, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	nowMS := q.clk.NowMonotonicMS()
	q.updateSlow(nowMS)

	if !isFinal {
		if q.slow {
			q.drop(metrics.DropSlowClient)
			return false
		}
		if q.size() > q.cfg.DropThreshold {
			q.drop(metrics.DropQueueFull)
			return false
		}
	} else if q.size() >= q.cfg.MaxQueueSize {
		// Make room for the final by evicting the globally oldest
		// intermediate. The spill tail holds the oldest message; fall back to
		// the in-memory scan when it is a final or there is no spill. If no
		// intermediate exists anywhere the soft cap applies.
		if !q.evictSpillTailLocked(ctx) {
			for i, m := range q.mem {
				if !m.IsFinal {
					q.mem = append(q.mem[:i], q.mem[i+1:]...)
					q.drop(metrics.DropQueueFull)
					break
				}
			}
		}
	}

	q.nextSeq++
	msg := &Message{
		ID:           fmt.Sprintf("%s-%d", q.connID, q.nextSeq),
		ConnectionID: q.connID,
		TenantID:     q.tenant,
		Kind:         kind,
		Payload:      json.RawMessage(payload),
		Priority:     priority,
		Sequence:     q.nextSeq,
		IsFinal:      isFinal,
		EnqueuedAtMS: nowMS,
	}
	q.mem = append(q.mem, msg)

	if len(q.mem) > q.cfg.MaxMemorySize {
		q.spillLocked(ctx)
	}

	q.metrics.QueueSize.WithLabelValues(q.tenant, q.connID).Set(float64(q.size()))
	return true
}

// evictSpillTailLocked drops the oldest spilled message if it is an
// intermediate. Finals are never evicted; an undecodable entry is. Must hold
// q.mu.
func (q *Queue) evictSpillTailLocked(ctx context.Context) bool {
	if q.spilled == 0 {
		return false
	}
	tail, err := q.store.LRange(ctx, q.key(), -1, -1)
	if err != nil || len(tail) == 0 {
		return false
	}
	if m, derr := decode(tail[0]); derr == nil && m.IsFinal {
		return false
	}
	if err := q.store.LTrim(ctx, q.key(), 0, -2); err != nil {
		return false
	}
	q.spilled--
	q.drop(metrics.DropQueueFull)
	return true
}

// spillLocked moves the oldest half of memory into the KV list. Spilled
// entries precede memory in FIFO order; pushing oldest-first keeps RPop
// returning the overall oldest message. Must hold q.mu.
func (q *Queue) spillLocked(ctx context.Context) {
	half := len(q.mem) / 2
	if half == 0 {
		return
	}
	values := make([]string, 0, half)
	for _, m := range q.mem[:half] {
		s, err := encode(m)
		if err != nil {
			logging.Warn("Queue spill encode failed",
				zap.String("connection", q.connID), zap.Error(err))
			return
		}
		values = append(values, s)
	}
	if err := q.store.LPush(ctx, q.key(), values...); err != nil {
		// Spill failed; keep everything in memory rather than lose it.
		logging.Warn("Queue spill failed, keeping messages in memory",
			zap.String("connection", q.connID), zap.Error(err))
		return
	}
	q.store.Expire(ctx, q.key(), spillTTL)
	q.spilled += half
	q.mem = append([]*Message(nil), q.mem[half:]...)
}

// Dequeue returns the next deliverable message, oldest first, pulling from
// the KV spill before memory. Aged-out intermediates are discarded on the
// way; finals never age out. Returns nil when nothing is deliverable.
func (q *Queue) Dequeue(ctx context.Context) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	nowMS := q.clk.NowMonotonicMS()
	maxAgeMS := q.cfg.MaxQueueAge.Milliseconds()

	if q.unsent != nil {
		msg := q.unsent
		q.unsent = nil
		q.metrics.QueueSize.WithLabelValues(q.tenant, q.connID).Set(float64(q.size()))
		return msg
	}

	for {
		var msg *Message

		if q.spilled > 0 {
			raw, err := q.store.RPop(ctx, q.key())
			if err != nil {
				if err == kv.ErrEmpty {
					// Spill count drifted (TTL expiry); resync.
					q.spilled = 0
					continue
				}
				return nil
			}
			q.spilled--
			m, derr := decode(raw)
			if derr != nil {
				logging.Warn("Queue spill decode failed",
					zap.String("connection", q.connID), zap.Error(derr))
				continue
			}
			msg = m
		} else if len(q.mem) > 0 {
			msg = q.mem[0]
			q.mem = q.mem[1:]
		} else {
			return nil
		}

		if !msg.IsFinal && maxAgeMS > 0 && nowMS-msg.EnqueuedAtMS > maxAgeMS {
			q.drop(metrics.DropAgedOut)
			continue
		}

		q.metrics.QueueSize.WithLabelValues(q.tenant, q.connID).Set(float64(q.size()))
		return msg
	}
}

// Requeue puts a dequeued message back at the head of the queue with its
// sequence intact. The pump calls it when a transport write fails so the
// message survives into Persist.
func (q *Queue) Requeue(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unsent = msg
	q.metrics.QueueSize.WithLabelValues(q.tenant, q.connID).Set(float64(q.size()))
}

// MarkSent records a successful transport write for the message.
func (q *Queue) MarkSent(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lastSentSeq == q.lastAckedSeq {
		// Outstanding window opens now; ack staleness is measured from here.
		q.ackStalledAtMS = q.clk.NowMonotonicMS()
	}
	if msg.Sequence > q.lastSentSeq {
		q.lastSentSeq = msg.Sequence
	}
	q.sentCount++
	q.metrics.MessagesSent.WithLabelValues(q.tenant, string(msg.Kind)).Inc()
}

// Ack acknowledges delivery up to seq. Only an ack arriving within the
// slow-client threshold clears the slow flag; a late one advances the window
// and resets the staleness reference without clearing.
func (q *Queue) Ack(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if seq <= q.lastAckedSeq || seq > q.lastSentSeq {
		return
	}
	nowMS := q.clk.NowMonotonicMS()
	if nowMS-q.ackStalledAtMS <= q.cfg.SlowClientThreshold.Milliseconds() {
		q.slow = false
	}
	q.lastAckedSeq = seq
	q.ackStalledAtMS = nowMS
}

// Persist pushes all in-memory messages into the KV list so a reconnect can
// resume. Called on connection close.
func (q *Queue) Persist(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.mem
	if q.unsent != nil {
		pending = append([]*Message{q.unsent}, q.mem...)
	}
	if len(pending) == 0 {
		if q.spilled > 0 {
			q.store.Expire(ctx, q.key(), spillTTL)
		}
		return nil
	}

	values := make([]string, 0, len(pending))
	for _, m := range pending {
		s, err := encode(m)
		if err != nil {
			return err
		}
		values = append(values, s)
	}
	if err := q.store.LPush(ctx, q.key(), values...); err != nil {
		return err
	}
	q.store.Expire(ctx, q.key(), spillTTL)
	q.spilled += len(pending)
	q.mem = nil
	q.unsent = nil
	return nil
}

// Restore loads messages persisted under this connection's key, oldest
// first, into memory up to the memory cap; the remainder stays spilled in
// the KV list. The key is rewritten (effectively cleared of the restored
// portion) only after the restore succeeded.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.store.LRange(ctx, q.key(), 0, -1)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		q.spilled = 0
		return 0, nil
	}

	// The list is nominally newest-first, but a failed-send requeue can have
	// persisted an out-of-place entry; sorting by sequence restores FIFO.
	restored := make([]*Message, 0, len(entries))
	var maxSeq uint64
	for i := len(entries) - 1; i >= 0; i-- {
		m, derr := decode(entries[i])
		if derr != nil {
			logging.Warn("Queue restore decode failed, skipping entry",
				zap.String("connection", q.connID), zap.Error(derr))
			continue
		}
		restored = append(restored, m)
		if m.Sequence > maxSeq {
			maxSeq = m.Sequence
		}
	}
	sort.Slice(restored, func(i, j int) bool {
		return restored[i].Sequence < restored[j].Sequence
	})

	capN := q.cfg.MaxMemorySize
	if capN <= 0 {
		capN = len(restored)
	}

	// Dequeue drains the spill before memory, so the oldest overflow must
	// stay spilled and the newest portion goes into memory.
	var intoMem []*Message
	var remainder []*Message
	if len(restored) <= capN {
		intoMem = restored
	} else {
		remainder = restored[:len(restored)-capN]
		intoMem = restored[len(restored)-capN:]
	}

	// Rewrite the key so only the unrestored remainder survives. This is
	// the clear step; it runs only after decoding succeeded.
	if err := q.store.Del(ctx, q.key()); err != nil {
		return 0, err
	}
	if len(remainder) > 0 {
		values := make([]string, 0, len(remainder))
		// Oldest must sit at the tail: push oldest first.
		for _, m := range remainder {
			s, eerr := encode(m)
			if eerr != nil {
				return 0, eerr
			}
			values = append(values, s)
		}
		if err := q.store.LPush(ctx, q.key(), values...); err != nil {
			return 0, err
		}
		q.store.Expire(ctx, q.key(), spillTTL)
	}

	// Restored messages are older than anything enqueued after reconnect.
	q.mem = append(intoMem, q.mem...)
	q.spilled = len(remainder)
	if maxSeq > q.nextSeq {
		q.nextSeq = maxSeq
	}
	q.metrics.QueueSize.WithLabelValues(q.tenant, q.connID).Set(float64(q.size()))
	return len(intoMem) + len(remainder), nil
}

// SnapshotState returns current bookkeeping for observability.
func (q *Queue) SnapshotState() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		ConnectionID: q.connID,
		TenantID:     q.tenant,
		QueueSize:    q.size(),
		MaxQueueSize: q.cfg.MaxQueueSize,
		LastSentSeq:  q.lastSentSeq,
		LastAckedSeq: q.lastAckedSeq,
		Slow:         q.slow,
		DroppedCount: q.droppedCount,
		SentCount:    q.sentCount,
	}
}

// Slow reports the slow-client flag after refreshing it.
func (q *Queue) Slow() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateSlow(q.clk.NowMonotonicMS())
	return q.slow
}

// Len returns the total queued message count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}
