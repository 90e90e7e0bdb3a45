package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/Mschirtzinger/lofi/internal/actions"
	"github.com/Mschirtzinger/lofi/internal/auth"
	"github.com/Mschirtzinger/lofi/internal/wire"
)

const (
	writeTimeout = 5 * time.Second
	outBuffer    = 64
)

// client is one authenticated connection.
type client struct {
	conn *websocket.Conn
	id   auth.Identity
	sub  *Subscriber

	// out carries replies to this client: acks and sync-errors.
	out chan []byte
}

// handleSync authenticates and upgrades a sync connection, then processes
// its operations until it closes.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := wire.CheckCompatible(r.Header.Get(wire.ProtocolHeader)); err != nil {
		http.Error(w, err.Error(), http.StatusUpgradeRequired)
		return
	}

	id, err := s.authenticate(r)
	if err != nil {
		s.logger.Printf("Rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	// Operations between MaxOpSize and MaxFrameSize are read and rejected
	// with a sync-error so the sender can discard them.
	conn.SetReadLimit(wire.MaxFrameSize)

	scope := id.UserID
	if s.cfg.Scope == ScopeGlobal {
		scope = ""
	}
	c := &client{
		conn: conn,
		id:   id,
		sub:  s.topic.Subscribe(scope),
		out:  make(chan []byte, outBuffer),
	}
	count := s.addClient(c)
	s.logger.Printf("Client %s connected (total: %d)", id.UserID, count)

	ctx, cancel := context.WithCancel(s.ctx)
	defer func() {
		cancel()
		s.topic.Unsubscribe(c.sub)
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, c)
		// The reader must not outlive a failed writer.
		cancel()
	}()

	s.readLoop(ctx, c)
	cancel()
	<-writerDone
}

// authenticate resolves the identity of an upgrade request. An identity
// without a user id would subscribe to every owner's broadcasts, so it is
// refused.
func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	if s.auth == nil {
		return auth.Identity{}, fmt.Errorf("%w: no authenticator configured", auth.ErrUnauthenticated)
	}
	id, err := s.auth.Authenticate(r)
	if err != nil {
		return auth.Identity{}, err
	}
	if id.UserID == "" {
		return auth.Identity{}, fmt.Errorf("%w: empty user id", auth.ErrUnauthenticated)
	}
	return id, nil
}

// readLoop processes inbound operations one at a time, in arrival order.
func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		s.process(ctx, c, data)
	}
}

// process runs authorize, apply, broadcast and ack for one frame.
func (s *Server) process(ctx context.Context, c *client, frame []byte) {
	op, err := wire.DecodeOp(frame)
	if err != nil {
		if op == nil || op.OpID == "" {
			s.logger.Printf("Warning: dropping malformed frame from %s: %v", c.id.UserID, err)
			return
		}
		s.reject(ctx, c, op.OpID, err, false)
		return
	}

	reg := s.Registry()
	if reg == nil {
		s.reject(ctx, c, op.OpID, errors.New("no schema loaded"), true)
		return
	}

	change, err := reg.Apply(ctx, c.id, op)
	if err != nil {
		s.reject(ctx, c, op.OpID, err, actions.IsRetryable(err))
		return
	}
	s.applied.Add(1)

	frameOut, err := json.Marshal(wire.NewBroadcast(change))
	if err != nil {
		s.logger.Printf("Failed to marshal broadcast: %v", err)
	} else {
		scope := c.id.UserID
		if s.cfg.Scope == ScopeGlobal {
			scope = ""
		}
		s.topic.Publish(scope, frameOut)
	}

	s.reply(ctx, c, wire.NewAck(op.OpID))
}

func (s *Server) reject(ctx context.Context, c *client, opID string, err error, retryable bool) {
	s.rejected.Add(1)
	s.logger.Printf("Rejected %s from %s: %v", opID, c.id.UserID, err)
	s.reply(ctx, c, wire.NewSyncError(opID, err, retryable))
}

func (s *Server) reply(ctx context.Context, c *client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal reply: %v", err)
		return
	}
	select {
	case c.out <- data:
	case <-ctx.Done():
	}
}

// writeLoop is the only writer of c.conn.
func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-c.sub.Overflow():
			s.logger.Printf("Warning: client %s fell behind, closing", c.id.UserID)
			_ = c.conn.Close(websocket.StatusPolicyViolation, "broadcast buffer overflow")
			return

		case frame := <-c.sub.C():
			if !s.write(ctx, c, frame) {
				return
			}

		case frame := <-c.out:
			// A reply follows the broadcast of the same operation, which
			// was published before the reply was queued.
			if !s.flushBroadcasts(ctx, c) || !s.write(ctx, c, frame) {
				return
			}
		}
	}
}

func (s *Server) flushBroadcasts(ctx context.Context, c *client) bool {
	for {
		select {
		case frame := <-c.sub.C():
			if !s.write(ctx, c, frame) {
				return false
			}
		default:
			return true
		}
	}
}

func (s *Server) write(ctx context.Context, c *client, frame []byte) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, frame); err != nil {
		s.logger.Printf("Failed to send to client %s: %v", c.id.UserID, err)
		return false
	}
	return true
}
