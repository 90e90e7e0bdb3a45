// Package engine is the client side of synchronization.
//
// An Engine owns one Connection and one Drainer over a Local Store. Writes
// committed to the store trigger the drainer; frames from the server are
// routed back to the drainer (ack, sync-error) or applied to the store
// through its remote path (sync). Several engines may run in one process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mschirtzinger/lofi/internal/outbox"
	"github.com/Mschirtzinger/lofi/internal/store"
	"github.com/Mschirtzinger/lofi/internal/transport"
	"github.com/Mschirtzinger/lofi/internal/wire"
)

// Config holds engine configuration.
type Config struct {
	// URL is the gateway websocket endpoint.
	URL string

	// Backoff bounds reconnection and transient retry delays.
	Backoff transport.BackoffPolicy

	// RetryTransient resends operations rejected with a retryable error.
	RetryTransient bool

	// OnStateChange observes connection state transitions.
	OnStateChange func(transport.State)

	// OnRemoteChange observes every broadcast applied to the store.
	OnRemoteChange func(wire.Change)

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

// Engine synchronizes one Local Store with the gateway.
type Engine struct {
	store   *store.Store
	conn    *transport.Connection
	drainer *outbox.Drainer
	cfg     Config
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once

	applied atomic.Int64
}

// New creates an engine for st. Call Start to begin draining and Login to
// connect.
func New(st *store.Store, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = transport.DefaultBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:  st,
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	e.conn = transport.New(transport.Config{
		URL:           cfg.URL,
		Backoff:       cfg.Backoff,
		OnStateChange: cfg.OnStateChange,
		Logger:        cfg.Logger,
	}, e)
	e.drainer = outbox.New(st, e.conn, outbox.Config{
		RetryTransient: cfg.RetryTransient,
		Backoff:        cfg.Backoff,
		Logger:         cfg.Logger,
	})
	return e
}

// Start runs the drainer and hooks it to outbox appends.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.store.SetEnqueueHook(func(store.Entry) { e.drainer.Trigger() })

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.drainer.Run(e.ctx)
		}()
		// Entries may be left over from a previous run.
		e.drainer.Trigger()
	})
}

// Close disconnects and stops the drainer. The store stays open.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.store.SetEnqueueHook(nil)
		_ = e.conn.Close()
		e.cancel()
		e.wg.Wait()
	})
	return nil
}

// Store returns the Local Store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Login starts a session with the given bearer token and connects.
func (e *Engine) Login(token string) {
	e.conn.SetSession(token)
}

// Logout ends the session. The connection closes cleanly and pending
// entries stay in the outbox until the next login.
func (e *Engine) Logout() {
	e.conn.SetSession("")
}

// Connect reopens the connection of the current session after Disconnect.
func (e *Engine) Connect() {
	e.conn.Connect()
}

// Disconnect closes the connection cleanly but keeps the session, so a
// later Connect resumes without a new login.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
}

// SetOnline forwards the host's network signal.
func (e *Engine) SetOnline(online bool) {
	e.conn.SetOnline(online)
}

// State returns the connection state.
func (e *Engine) State() transport.State {
	return e.conn.State()
}

// Stats reports drain counters and the number of broadcasts applied.
func (e *Engine) Stats() (outbox.Stats, int64) {
	return e.drainer.Stats(), e.applied.Load()
}

// Flush blocks until the outbox is empty and nothing is in flight, or ctx
// is done.
func (e *Engine) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		n, err := e.store.OutboxLen(ctx)
		if err != nil {
			return err
		}
		if n == 0 && e.drainer.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush interrupted with %d pending operations: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// HandleConnected implements transport.Handler.
func (e *Engine) HandleConnected() {
	e.drainer.Trigger()
}

// HandleDisconnected implements transport.Handler.
func (e *Engine) HandleDisconnected() {
	e.drainer.HandleDisconnected()
}

// HandleMessage implements transport.Handler.
func (e *Engine) HandleMessage(frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		e.logger.Printf("Warning: ignoring frame: %v", err)
		return
	}

	switch m := msg.(type) {
	case *wire.Ack:
		e.drainer.HandleAck(e.ctx, m.OpID)

	case *wire.SyncError:
		e.drainer.HandleSyncError(e.ctx, *m)

	case *wire.Broadcast:
		applied, err := e.applyRemote(m.Data)
		if err != nil {
			e.logger.Printf("Warning: failed to apply %s %s: %v", m.Data.Type, m.Data.TableName, err)
			return
		}
		if !applied {
			return
		}
		e.applied.Add(1)
		if e.cfg.OnRemoteChange != nil {
			e.cfg.OnRemoteChange(m.Data)
		}
	}
}

// applyRemote reports false for changes to tables this client does not
// know, which a newer server schema may broadcast.
func (e *Engine) applyRemote(c wire.Change) (bool, error) {
	in, err := e.store.RemoteFromChange(c)
	if errors.Is(err, store.ErrUnknownTable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, e.store.ApplyRemote(e.ctx, in)
}
