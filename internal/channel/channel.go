// Package channel keeps a single logical WebSocket subscription alive across
// transient failures.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/transport"
)

// ErrNotOpen is returned by Send while the socket is not open.
var ErrNotOpen = errors.New("channel: not open")

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 10 * time.Second

	closeWriteTimeout = time.Second
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosedAbnormal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedAbnormal:
		return "closed-abnormal"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Backoff returns the reconnect delay after attempts consecutive failures:
// base doubled attempts times, capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	delay := base
	for i := 0; i < attempts; i++ {
		if delay >= max {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// Options 描述一个通道的连接参数。
type Options struct {
	// Name is used in logs only.
	Name        string
	Path        string
	Credentials transport.Credentials
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      zerolog.Logger
	// OnStateChange is called after every transition, outside the channel lock.
	OnStateChange func(State)
}

// Channel wraps one socket path with a reconnect loop. A clean close (1000)
// or Stop is terminal; every other close schedules a reconnect.
type Channel struct {
	dialer transport.Dialer
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	handler  func(string)
	attempts int
	timer    *time.Timer
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc

	writeMu sync.Mutex
}

// New creates an idle channel. Nothing is dialed until Start.
func New(dialer transport.Dialer, opts Options) *Channel {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	name := opts.Name
	if name == "" {
		name = opts.Path
	}
	return &Channel{
		dialer: dialer,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "channel").Str("channel", name).Logger(),
	}
}

// OnMessage registers the frame handler, replacing any previous one.
func (c *Channel) OnMessage(handler func(string)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Start begins connecting. It is idempotent, does nothing after Stop, and is a
// silent no-op when the credential is missing.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	if !c.opts.Credentials.Valid() {
		c.mu.Unlock()
		c.logger.Debug().Msg("no credential, channel not started")
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	go c.connect()
}

// Stop closes the socket with code 1000 and cancels any pending reconnect or
// in-flight dial. It does not wait for the read goroutine and may be called
// from inside the message handler.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	changed := c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		conn.Close()
	}
	c.emit(changed, StateClosed)
	c.logger.Debug().Msg("channel stopped")
}

// Send writes a text frame to the open socket.
func (c *Channel) Send(text string) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != StateOpen {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("channel send: %w", err)
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed connections.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) connect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx := c.ctx
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emit(changed, StateConnecting)

	conn, err := c.dialer.Open(ctx, c.opts.Path, c.opts.Credentials)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		next := c.scheduleReconnectLocked(err)
		c.mu.Unlock()
		c.emit(true, next)
		return
	}
	c.conn = conn
	c.attempts = 0
	changed = c.setStateLocked(StateOpen)
	c.mu.Unlock()
	c.emit(changed, StateOpen)
	c.logger.Info().Msg("channel open")

	c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.deliver(conn, string(data))
	}
}

func (c *Channel) deliver(conn *websocket.Conn, text string) {
	c.mu.Lock()
	if c.stopped || c.conn != conn {
		c.mu.Unlock()
		return
	}
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(text)
	}
}

func (c *Channel) handleClose(conn *websocket.Conn, err error) {
	defer conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.stopped {
		c.mu.Unlock()
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		changed := c.setStateLocked(StateClosed)
		c.mu.Unlock()
		c.emit(changed, StateClosed)
		c.logger.Info().Msg("channel closed by server")
		return
	}

	next := c.scheduleReconnectLocked(err)
	c.mu.Unlock()
	c.emit(true, next)
}

func (c *Channel) scheduleReconnectLocked(cause error) State {
	delay := Backoff(c.attempts, c.opts.BaseDelay, c.opts.MaxDelay)
	c.attempts++
	c.setStateLocked(StateClosedAbnormal)
	c.timer = time.AfterFunc(delay, c.connect)

	c.logger.Warn().
		Err(cause).
		Int("attempt", c.attempts).
		Dur("retry_in", delay).
		Msg("channel closed abnormally, reconnect scheduled")
	return StateClosedAbnormal
}

func (c *Channel) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Channel) emit(changed bool, s State) {
	if !changed || c.opts.OnStateChange == nil {
		return
	}
	c.opts.OnStateChange(s)
}
