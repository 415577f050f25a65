// Package transport implements the reconnecting websocket client that the
// collaboration session rides on. It owns the connection lifecycle: backoff
// with jitter, a connection timeout, heartbeats, an offline outbound queue,
// and the online/offline signal integration.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"slidesync/internal/models"
	"slidesync/internal/netmon"
)

var (
	ErrClosed = errors.New("transport is closed")
)

// EventSink receives everything the transport produces. Implementations get
// inbound messages synchronously in arrival order for a given connection; no
// ordering is guaranteed across a reconnect boundary.
type EventSink interface {
	HandleMessage(env models.Envelope)
	HandleConnected()
	HandleDisconnected()
	HandleError(err error)
	HandleMaxRetriesReached()
}

// Conn is the subset of a websocket connection the transport needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to the given URL. The default wraps gorilla's
// dialer; tests substitute their own.
type Dialer func(ctx context.Context, url string) (Conn, error)

func defaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Options struct {
	URL               string
	MaxRetries        int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration
	OfflineRecheck    time.Duration
	// SettleDelay is waited after the online signal flips true before
	// reconnecting, to avoid thrashing on flappy networks.
	SettleDelay time.Duration

	Dialer Dialer
	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = 30
	}
	if o.BaseRetryDelay == 0 {
		o.BaseRetryDelay = time.Second
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.OfflineRecheck == 0 {
		o.OfflineRecheck = 5 * time.Second
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.Dialer == nil {
		o.Dialer = defaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Transport is a reconnecting websocket client. All methods are safe for
// concurrent use.
type Transport struct {
	opts Options
	net  *netmon.Monitor
	sink EventSink
	log  *slog.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	retryCount int
	queue      []models.Envelope
	// gen invalidates timers and pumps that belong to a previous connection
	// attempt.
	gen            uint64
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
}

func New(opts Options, net *netmon.Monitor, sink EventSink) *Transport {
	opts.withDefaults()
	t := &Transport{
		opts:  opts,
		net:   net,
		sink:  sink,
		log:   opts.Logger.With("component", "transport"),
		state: StateDisconnected,
	}
	net.Subscribe(t.onOnlineChange)
	return t
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// QueuedMessages returns the number of messages waiting for a connection.
func (t *Transport) QueuedMessages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// RetryDelay computes the reconnect delay for the given retry count:
// exponential backoff capped at MaxRetryDelay, plus up to one second of
// jitter.
func (t *Transport) RetryDelay(retryCount int) time.Duration {
	delay := t.opts.BaseRetryDelay << uint(retryCount)
	if delay > t.opts.MaxRetryDelay || delay <= 0 {
		delay = t.opts.MaxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return delay + jitter
}

// Connect starts the connection attempt. It is a no-op while a connection is
// in flight or established, returns ErrClosed after Close, and while the
// device is offline it only schedules the periodic online recheck.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateClosed:
		return ErrClosed
	case StateConnecting, StateConnected:
		t.log.Debug("connect skipped", "state", t.state.String())
		return nil
	}

	if !t.net.Online() {
		t.log.Debug("device offline, scheduling recheck")
		t.scheduleTimerLocked(t.opts.OfflineRecheck, t.offlineRecheck)
		return nil
	}

	return t.connectLocked()
}

func (t *Transport) connectLocked() error {
	if !t.transitionLocked(StateConnecting) {
		return nil
	}
	t.stopTimerLocked()

	t.gen++
	gen := t.gen
	t.log.Debug("connecting", "attempt", t.retryCount+1, "max", t.opts.MaxRetries)

	go t.dial(gen)
	return nil
}

// dial runs outside the lock; the connection timeout is enforced through the
// dial context.
func (t *Transport) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectionTimeout)
	defer cancel()

	conn, err := t.opts.Dialer(ctx, t.opts.URL)

	t.mu.Lock()
	if gen != t.gen || t.state != StateConnecting {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		t.log.Warn("connection failed", "error", err)
		t.transitionLocked(StateDisconnected)
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		t.sink.HandleError(err)
		return
	}

	t.conn = conn
	t.retryCount = 0
	t.transitionLocked(StateConnected)
	t.startHeartbeatLocked(gen)
	t.flushQueueLocked()
	t.mu.Unlock()

	t.log.Debug("connection opened")
	t.sink.HandleConnected()

	go t.readPump(conn, gen)
}

// flushQueueLocked writes all queued messages in FIFO order. A failed write
// puts the message back at the head and leaves the rest queued; the read
// pump will notice the broken connection.
func (t *Transport) flushQueueLocked() {
	for len(t.queue) > 0 {
		env := t.queue[0]
		if err := t.writeLocked(env); err != nil {
			t.log.Warn("failed to flush queued message", "action", env.Action, "error", err)
			return
		}
		t.queue = t.queue[1:]
	}
}

func (t *Transport) writeLocked(env models.Envelope) error {
	if t.conn == nil {
		return errors.New("no connection")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Send transmits the envelope if connected, otherwise appends it to the
// outbound queue for the next successful connection. It returns true only
// when the message went out on the wire immediately.
func (t *Transport) Send(env models.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateClosed {
		return false
	}

	if t.state != StateConnected {
		t.log.Debug("not connected, queueing message", "action", env.Action)
		t.queue = append(t.queue, env)
		return false
	}

	if err := t.writeLocked(env); err != nil {
		t.log.Warn("send failed, queueing message", "action", env.Action, "error", err)
		t.queue = append(t.queue, env)
		return false
	}
	return true
}

func (t *Transport) readPump(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleConnectionLost(gen, err)
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// One bad payload must not take the connection down.
			t.log.Warn("dropping malformed message", "error", err)
			continue
		}
		if env.Action == models.ActionPong {
			continue
		}
		t.sink.HandleMessage(env)
	}
}

func (t *Transport) handleConnectionLost(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.log.Debug("connection lost", "error", err)
	t.closeConnLocked()
	t.transitionLocked(StateDisconnected)
	t.scheduleReconnectLocked()
	t.mu.Unlock()

	t.sink.HandleDisconnected()
}

func (t *Transport) scheduleReconnectLocked() {
	if t.state == StateClosed {
		return
	}

	if !t.net.Online() {
		t.scheduleTimerLocked(t.opts.OfflineRecheck, t.offlineRecheck)
		return
	}

	if t.retryCount >= t.opts.MaxRetries {
		t.log.Warn("max reconnection attempts reached", "max", t.opts.MaxRetries)
		t.transitionLocked(StateGaveUp)
		go t.sink.HandleMaxRetriesReached()
		return
	}

	delay := t.RetryDelay(t.retryCount)
	t.retryCount++
	t.log.Debug("scheduling reconnect", "attempt", t.retryCount, "delay", delay)
	t.scheduleTimerLocked(delay, t.reconnect)
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateDisconnected {
		return
	}
	_ = t.connectLocked()
}

func (t *Transport) offlineRecheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed || t.state == StateConnected || t.state == StateConnecting {
		return
	}
	if !t.net.Online() {
		t.scheduleTimerLocked(t.opts.OfflineRecheck, t.offlineRecheck)
		return
	}
	t.retryCount = 0
	_ = t.connectLocked()
}

func (t *Transport) onOnlineChange(online bool) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}

	if !online {
		t.log.Debug("device went offline")
		t.stopTimerLocked()
		t.mu.Unlock()
		return
	}

	if t.state == StateConnected {
		t.mu.Unlock()
		return
	}

	t.log.Debug("device back online")
	t.retryCount = 0
	t.scheduleTimerLocked(t.opts.SettleDelay, t.reconnect)
	t.mu.Unlock()
}

func (t *Transport) startHeartbeatLocked(gen uint64) {
	stop := make(chan struct{})
	t.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(t.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.mu.Lock()
				if gen != t.gen || t.state != StateConnected {
					t.mu.Unlock()
					return
				}
				env, _ := models.NewEnvelope(models.ActionPing, "heartbeat")
				err := t.writeLocked(env)
				if err == nil {
					t.mu.Unlock()
					continue
				}
				// A dead heartbeat means a dead connection; reconnect now
				// instead of waiting for the read pump to notice.
				t.log.Warn("heartbeat failed, reconnecting", "error", err)
				t.closeConnLocked()
				t.transitionLocked(StateDisconnected)
				t.scheduleReconnectLocked()
				t.mu.Unlock()
				t.sink.HandleDisconnected()
				return
			}
		}
	}()
}

// Close shuts the transport down for good. It stops every timer, drops the
// connection, and suppresses all future reconnection. Irreversible.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return
	}
	t.gen++
	t.stopTimerLocked()
	t.closeConnLocked()
	t.transitionLocked(StateClosed)
	t.log.Debug("transport closed")
}

func (t *Transport) closeConnLocked() {
	if t.heartbeatStop != nil {
		close(t.heartbeatStop)
		t.heartbeatStop = nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func (t *Transport) stopTimerLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

func (t *Transport) scheduleTimerLocked(d time.Duration, fn func()) {
	t.stopTimerLocked()
	gen := t.gen
	t.reconnectTimer = time.AfterFunc(d, func() {
		t.mu.Lock()
		stale := gen != t.gen
		t.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
}

func (t *Transport) transitionLocked(to State) bool {
	if !transitionAllowed(t.state, to) {
		t.log.Warn("rejected invalid state transition",
			"from", t.state.String(), "to", to.String())
		return false
	}
	t.state = to
	return true
}
