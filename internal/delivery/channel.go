// Package delivery maintains the WebSocket connection to the transcription
// backend.
//
// A [Channel] moves through Disconnected → Connecting → Handshaking → Ready and
// back to Disconnected on any failure, reconnecting with bounded exponential
// backoff. After MaxReconnectAttempts consecutive failed attempts it enters the
// absorbing Closed state and reports [ErrReconnectExhausted]. All state changes
// happen on the channel's own goroutine; callers observe them through
// [Channel.Send], [Channel.IsReady] and [Channel.Done].
//
// Send never blocks on the network. Each Ready session owns a small outbox
// drained by its own writer goroutine; a message offered while the channel is
// not Ready, or while the outbox is full, fails with [ErrNotReady] and the
// caller decides what to do with it. The outbox is discarded with its session,
// so nothing is carried across reconnects.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/mic-relay/internal/metrics"
	"github.com/petems/mic-relay/internal/protocol"
)

var (
	// ErrNotReady is returned by Send when no Ready session exists, including
	// after the channel has closed.
	ErrNotReady = errors.New("delivery channel not ready")
	// ErrReconnectExhausted is reported through Err once the reconnect budget is
	// spent. The channel never reconnects afterwards.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	errStoppedByBackend = errors.New("backend stopped the session")
)

// State is the connection state of a [Channel].
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Ready
	Closed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a snapshot of the logical connection. SessionID is empty until the
// backend acknowledges the Hello.
type Session struct {
	ClientID  string
	SessionID string
	State     State
}

// Config holds the settings for a [Channel]. Zero durations and attempt counts
// are replaced with defaults.
type Config struct {
	URL string
	// ClientID identifies this process to the backend. Generated when empty.
	ClientID string

	MaxReconnectAttempts int           // Default: 5.
	MinReconnectInterval time.Duration // Default: 500ms.
	MaxReconnectInterval time.Duration // Default: 10s.
	HandshakeTimeout     time.Duration // Default: 5s.
	WriteTimeout         time.Duration // Default: 2s.
	QueueSize            int           // Default: 4.
	// StableSession is how long a session must stay Ready before the
	// consecutive failure count resets. Default: 5s.
	StableSession time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// OnMessage, if set, receives every decoded server message on the
	// channel's goroutine. It must not block.
	OnMessage func(protocol.Inbound)
}

// Channel is a reconnecting, ordered message transport. Send is safe for
// concurrent use, though order is only defined for a single sender.
type Channel struct {
	cfg    Config
	log    zerolog.Logger
	dialer *websocket.Dialer

	mu        sync.RWMutex
	state     State
	conn      *websocket.Conn
	out       *outbox // non-nil only while Ready
	sessionID string
	err       error
	started   bool
	cancel    context.CancelFunc

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// outbox is the per-session send queue and its writer's lifecycle.
type outbox struct {
	queue chan protocol.Outbound
	stop  chan struct{}
	done  chan struct{}
}

// New creates a Disconnected channel. Call Start to begin connecting.
func New(cfg Config) *Channel {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.MinReconnectInterval <= 0 {
		cfg.MinReconnectInterval = 500 * time.Millisecond
	}
	if cfg.MaxReconnectInterval < cfg.MinReconnectInterval {
		cfg.MaxReconnectInterval = max(10*time.Second, cfg.MinReconnectInterval)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4
	}
	if cfg.StableSession <= 0 {
		cfg.StableSession = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}

	return &Channel{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "delivery").Str("client_id", cfg.ClientID).Logger(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		done: make(chan struct{}),
	}
}

// Start launches the connection goroutine. It returns immediately; use
// IsReady or Done to follow progress. Cancelling ctx shuts the channel down
// without sending a stop message. Start is a no-op after the first call or
// after Close.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.state == Closed {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Send queues msg for the Ready session and returns without waiting for the
// write. It fails with ErrNotReady when no session is Ready or the session's
// outbox is full. Messages are written in the order they were queued.
func (c *Channel) Send(msg protocol.Outbound) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	// Holding the read lock keeps disconnect from retiring the outbox mid-send
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != Ready || c.out == nil {
		return ErrNotReady
	}
	select {
	case c.out.queue <- msg:
		return nil
	default:
		return fmt.Errorf("%w: send queue full (%d messages)", ErrNotReady, cap(c.out.queue))
	}
}

// IsReady reports whether a session is Ready to accept messages.
func (c *Channel) IsReady() bool {
	return c.State() == Ready
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns a snapshot of the current session.
func (c *Channel) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Session{ClientID: c.cfg.ClientID, SessionID: c.sessionID, State: c.state}
}

// ClientID returns the identifier sent in every message.
func (c *Channel) ClientID() string {
	return c.cfg.ClientID
}

// Done is closed once the channel reaches Closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns ErrReconnectExhausted (wrapped with the last failure) if the
// channel closed itself, and nil otherwise.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close queues a stop message if Ready, waits briefly for the writer to flush
// it, closes the connection and waits for the channel to reach Closed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)

		c.mu.RLock()
		out := c.out
		c.mu.RUnlock()
		if out != nil {
			if err := c.Send(protocol.Stop(c.cfg.ClientID)); err != nil {
				c.log.Warn().Err(err).Msg("Failed to send stop message")
			} else {
				// The writer exits after the stop message and its close frame
				timer := time.NewTimer(2 * c.cfg.WriteTimeout)
				select {
				case <-out.done:
				case <-timer.C:
					c.log.Warn().Msg("Timed out flushing stop message")
				}
				timer.Stop()
			}
		}

		c.mu.Lock()
		started, cancel := c.started, c.cancel
		c.started = true // a later Start must not connect
		c.mu.Unlock()

		if !started {
			c.setState(Closed)
			close(c.done)
			return
		}
		cancel()
		<-c.done
	})
	return nil
}

func (c *Channel) closeFrame(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	failures := 0
	for {
		err := c.connect(ctx)
		if err == nil {
			readyAt := time.Now()
			err = c.serve(ctx)
			// A session that fails right after the handshake is no proof of recovery
			if time.Since(readyAt) >= c.cfg.StableSession {
				failures = 0
			} else {
				failures++
			}
		} else {
			failures++
		}
		c.disconnect()

		if ctx.Err() != nil || c.closing.Load() {
			c.finish(nil)
			return
		}

		c.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("Backend connection lost")

		if failures >= c.cfg.MaxReconnectAttempts {
			c.log.Error().Int("attempts", failures).Msg("Giving up on backend")
			c.finish(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, failures, err))
			return
		}

		delay := c.backoff(failures)
		c.cfg.Metrics.ReconnectAttempts.Inc()
		c.log.Info().
			Int("attempt", failures+1).
			Int("max_attempts", c.cfg.MaxReconnectAttempts).
			Dur("delay", delay).
			Msg("Reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.finish(nil)
			return
		case <-timer.C:
		}
	}
}

// backoff doubles the minimum interval per consecutive failure, capped at the
// maximum interval.
func (c *Channel) backoff(failures int) time.Duration {
	d := c.cfg.MinReconnectInterval
	for i := 0; i < failures && d < c.cfg.MaxReconnectInterval; i++ {
		d *= 2
	}
	if d > c.cfg.MaxReconnectInterval {
		d = c.cfg.MaxReconnectInterval
	}
	return d
}

// connect dials, sends Hello and waits for the started acknowledgement.
func (c *Channel) connect(ctx context.Context) error {
	c.setState(Connecting)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", c.cfg.URL, err, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Handshaking)

	stop := closeOnDone(ctx, conn)
	defer stop()

	// The writer does not exist yet, so the Hello is written inline
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(protocol.Hello(c.cfg.ClientID)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	c.cfg.Metrics.MessagesSent.WithLabelValues(string(protocol.KindHello)).Inc()

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	for {
		msg, err := c.readMessage(conn)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		switch msg.Type {
		case protocol.TypeStarted:
			conn.SetReadDeadline(time.Time{})
			out := &outbox{
				queue: make(chan protocol.Outbound, c.cfg.QueueSize),
				stop:  make(chan struct{}),
				done:  make(chan struct{}),
			}
			go c.writeLoop(conn, out)

			c.mu.Lock()
			c.sessionID = msg.SessionID
			c.out = out
			c.mu.Unlock()
			c.setState(Ready)
			c.log.Info().Str("session_id", msg.SessionID).Msg("Session started")
			return nil
		case protocol.TypeError:
			return fmt.Errorf("handshake rejected: %s", msg.Message)
		case protocol.TypeStopped:
			return fmt.Errorf("handshake: %w", errStoppedByBackend)
		default:
			c.dispatch(msg)
		}
	}
}

// serve reads server messages while Ready and returns the reason the session
// ended.
func (c *Channel) serve(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	stop := closeOnDone(ctx, conn)
	defer stop()

	for {
		msg, err := c.readMessage(conn)
		if err != nil {
			return err
		}
		switch msg.Type {
		case protocol.TypeError:
			c.log.Error().Str("message", msg.Message).Msg("Backend error")
			c.dispatch(msg)
			return fmt.Errorf("backend error: %s", msg.Message)
		case protocol.TypeStopped:
			c.log.Info().Str("session_id", msg.SessionID).Msg("Backend stopped session")
			c.dispatch(msg)
			return errStoppedByBackend
		case protocol.TypeStarted:
			c.mu.Lock()
			c.sessionID = msg.SessionID
			c.mu.Unlock()
			c.log.Info().Str("session_id", msg.SessionID).Msg("Session refreshed")
		default:
			c.dispatch(msg)
		}
	}
}

// readMessage returns the next decodable server message, skipping malformed
// ones.
func (c *Channel) readMessage(conn *websocket.Conn) (protocol.Inbound, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return protocol.Inbound{}, fmt.Errorf("backend closed connection: %w", err)
			}
			return protocol.Inbound{}, fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Ignoring server message")
			continue
		}
		return msg, nil
	}
}

func (c *Channel) dispatch(msg protocol.Inbound) {
	switch msg.Type {
	case protocol.TypeTranscription:
		c.cfg.Metrics.Transcriptions.Inc()
		c.log.Info().Str("text", msg.Text).Msg("Transcription")
	case protocol.TypeStarted, protocol.TypeError, protocol.TypeStopped:
	default:
		c.log.Debug().Str("type", msg.Type).Msg("Unhandled server message")
	}
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}
}

// writeLoop drains one session's outbox. A failed write closes the socket so
// the read side ends the session.
func (c *Channel) writeLoop(conn *websocket.Conn, out *outbox) {
	defer close(out.done)
	for {
		select {
		case <-out.stop:
			return
		case msg := <-out.queue:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Warn().Err(err).Str("type", string(msg.Kind)).Msg("Write failed, dropping session")
				conn.Close()
				return
			}
			c.cfg.Metrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()

			if msg.Kind == protocol.KindStop {
				c.log.Info().Msg("Stop message sent")
				c.closeFrame(conn)
				return
			}
		}
	}
}

// disconnect tears down the current connection and its writer. Messages still
// queued are discarded and reported.
func (c *Channel) disconnect() {
	c.mu.Lock()
	conn, out := c.conn, c.out
	c.conn, c.out = nil, nil
	c.mu.Unlock()

	if out != nil {
		close(out.stop)
	}
	if conn != nil {
		conn.Close()
	}
	if out != nil {
		<-out.done
		if n := len(out.queue); n > 0 {
			c.cfg.Metrics.SegmentsDropped.WithLabelValues("disconnected").Add(float64(n))
			c.log.Warn().Int("messages", n).Msg("Discarded queued messages on disconnect")
		}
	}
	c.setState(Disconnected)
}

func (c *Channel) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.setState(Closed)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.cfg.Metrics.ChannelState.Set(float64(s))
	if prev != s {
		c.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("State transition")
	}
}

// closeOnDone closes conn when ctx ends, unblocking any pending read. The
// returned func stops the watcher.
func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}
