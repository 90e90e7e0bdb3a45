package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Mschirtzinger/lofi/internal/wire"
)

// ErrNotConnected is returned by Send outside the Connected phase.
var ErrNotConnected = errors.New("not connected")


// Handler receives connection lifecycle callbacks and inbound frames.
// Frames of one connection are delivered sequentially, in arrival order.
type Handler interface {
	HandleConnected()
	HandleMessage(frame []byte)
	HandleDisconnected()
}

// Config holds connection configuration.
type Config struct {
	// URL is the gateway websocket endpoint, e.g. ws://host:7420/sync.
	URL string

	// Backoff bounds reconnection delays (default: DefaultBackoff).
	Backoff BackoffPolicy

	// DialTimeout bounds a single connection attempt (default: 10s).
	DialTimeout time.Duration

	// OnStateChange is called after every state transition.
	OnStateChange func(State)

	// Logger for connection activity (default: stderr logger).
	Logger *log.Logger
}

// Connection is one client's connection to the gateway. It is safe for
// concurrent use. The zero state is Disconnected and the host is assumed
// online until told otherwise.
type Connection struct {
	cfg     Config
	handler Handler
	logger  *log.Logger

	mu     sync.Mutex
	state  State
	online bool
	token  string
	closed bool

	// gen identifies the current socket; events from older sockets and
	// timers are discarded.
	gen    uint64
	conn   *websocket.Conn
	cancel context.CancelFunc
	timer  *time.Timer

	wg sync.WaitGroup
}

// New creates a disconnected connection that reports to h.
func New(cfg Config, h Handler) *Connection {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = DefaultBackoff.Base
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = DefaultBackoff.Max
	}
	if cfg.Backoff.Max < cfg.Backoff.Base {
		cfg.Backoff.Max = cfg.Backoff.Base
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &Connection{
		cfg:     cfg,
		handler: h,
		logger:  cfg.Logger,
		online:  true,
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether frames can be sent.
func (c *Connection) Connected() bool {
	return c.State().Phase == Connected
}

// SetSession installs the bearer token of an authenticated session and
// requests a connection. An empty token ends the session: the socket is
// closed cleanly and nothing reconnects until a new session is set.
func (c *Connection) SetSession(token string) {
	c.mu.Lock()
	c.token = token
	ev := EventConnect
	if token == "" {
		ev = EventDisconnect
	}
	after := c.stepLocked(ev)
	c.mu.Unlock()
	after()
}

// Connect requests a connection for the current session. It is a no-op
// while connecting, connected or backing off.
func (c *Connection) Connect() {
	c.fire(EventConnect)
}

// Disconnect closes the connection cleanly without ending the session.
func (c *Connection) Disconnect() {
	c.fire(EventDisconnect)
}

// SetOnline forwards the host's online/offline signal.
func (c *Connection) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	ev := EventOffline
	if online {
		ev = EventOnline
	}
	after := c.stepLocked(ev)
	c.mu.Unlock()
	after()
}

// Send writes one text frame. It fails with ErrNotConnected unless the
// connection is open.
func (c *Connection) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	phase := c.state.Phase
	c.mu.Unlock()

	if phase != Connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Close ends the session, closes the socket and waits for the connection's
// goroutines to exit. The Connection cannot be reused.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.token = ""
	after := c.stepLocked(EventDisconnect)
	c.closed = true
	c.mu.Unlock()
	after()

	c.wg.Wait()
	return nil
}

func (c *Connection) fire(ev Event) {
	c.mu.Lock()
	after := c.stepLocked(ev)
	c.mu.Unlock()
	after()
}

// fireGen delivers an event from the socket or timer of generation gen.
func (c *Connection) fireGen(gen uint64, ev Event) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	after := c.stepLocked(ev)
	c.mu.Unlock()
	after()
}

// stepLocked applies ev and performs its effects. The returned function runs
// the callbacks and must be called after c.mu is released.
func (c *Connection) stepLocked(ev Event) func() {
	if c.closed {
		return func() {}
	}

	prev := c.state
	next, eff := Step(prev, ev, Input{Online: c.online, Session: c.token != ""}, c.cfg.Backoff)
	c.state = next

	if eff.CancelTimer && c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if eff.Close {
		c.closeSocketLocked()
	}
	if eff.Schedule > 0 {
		gen := c.gen
		c.timer = time.AfterFunc(eff.Schedule, func() { c.fireGen(gen, EventTimer) })
	}
	if eff.Dial {
		c.dialLocked()
	}

	if next == prev {
		return func() {}
	}
	if next.Phase == Backoff {
		c.logger.Printf("Connection %s after %s, retrying in %s", ev, prev.Phase, next.Delay)
	}

	return func() {
		if prev.Phase == Connected && next.Phase != Connected && c.handler != nil {
			c.handler.HandleDisconnected()
		}
		if next.Phase == Connected && prev.Phase != Connected && c.handler != nil {
			c.handler.HandleConnected()
		}
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(next)
		}
	}
}

// closeSocketLocked retires the current socket generation.
func (c *Connection) closeSocketLocked() {
	c.gen++
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil

	if conn == nil && cancel == nil {
		return
	}
	go func() {
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		if cancel != nil {
			cancel()
		}
	}()
}

func (c *Connection) dialLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set(wire.ProtocolHeader, wire.ProtocolVersion)

	c.wg.Add(1)
	go c.run(ctx, gen, header)
}

// run dials, then reads frames until the socket fails or is retired.
func (c *Connection) run(ctx context.Context, gen uint64, header http.Header) {
	defer c.wg.Done()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		if resp != nil {
			c.logger.Printf("Failed to connect to %s: %v (HTTP %d)", c.cfg.URL, err, resp.StatusCode)
		} else if ctx.Err() == nil {
			c.logger.Printf("Failed to connect to %s: %v", c.cfg.URL, err)
		}
		c.fireGen(gen, EventOpenFailed)
		return
	}
	conn.SetReadLimit(wire.MaxFrameSize)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	c.conn = conn
	after := c.stepLocked(EventOpened)
	c.mu.Unlock()
	after()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ev := EventLost
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				ev = EventClosed
			}
			c.fireGen(gen, ev)
			return
		}
		if c.handler != nil {
			c.handler.HandleMessage(data)
		}
	}
}
