// Package outbox delivers queued intents to the server, one at a time, in
// enqueue order.
//
// The Drainer reads the oldest outbox entry, sends it verbatim and then waits
// for the server's ack or sync-error for that opId before reading the next
// one. It never resends on its own: when the connection drops the in-flight
// flag is cleared and the next connect re-reads the same oldest entry.
package outbox

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mschirtzinger/lofi/internal/store"
	"github.com/Mschirtzinger/lofi/internal/transport"
	"github.com/Mschirtzinger/lofi/internal/wire"
)

// Source is the outbox the drainer consumes.
type Source interface {
	Oldest(ctx context.Context) (*store.Entry, error)
	RemoveEntry(ctx context.Context, opID string) (bool, error)
}

// Sender is the transport the drainer sends on.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
	Connected() bool
}

// Config holds drainer configuration.
type Config struct {
	// RetryTransient keeps entries rejected with a retryable sync-error and
	// resends them after a backoff delay. When false every sync-error
	// discards the entry.
	RetryTransient bool

	// Backoff spaces retries of transient failures (default: transport.DefaultBackoff).
	Backoff transport.BackoffPolicy

	// Logger for drain activity (default: stderr logger).
	Logger *log.Logger
}

// Stats counts drain outcomes since the drainer was created.
type Stats struct {
	Sent     int64
	Acked    int64
	Rejected int64
	Retried  int64
}

// Drainer ships outbox entries over a Sender.
type Drainer struct {
	src    Source
	sender Sender
	cfg    Config
	logger *log.Logger

	trigger chan struct{}

	mu         sync.Mutex
	inFlight   string
	waiting    bool
	attempt    int
	retryTimer *time.Timer

	sent, acked, rejected, retried atomic.Int64
}

// New creates a drainer. Call Run to start it.
func New(src Source, sender Sender, cfg Config) *Drainer {
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = transport.DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Drainer{
		src:     src,
		sender:  sender,
		cfg:     cfg,
		logger:  cfg.Logger,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger asks the drainer to look at the outbox. It never blocks; triggers
// that arrive while one is pending are coalesced.
func (d *Drainer) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run processes triggers until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	defer d.stopRetry()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
			d.drainOnce(ctx)
		}
	}
}

// drainOnce sends the oldest entry if nothing is in flight.
func (d *Drainer) drainOnce(ctx context.Context) {
	d.mu.Lock()
	busy := d.inFlight != "" || d.waiting
	d.mu.Unlock()
	if busy || !d.sender.Connected() {
		return
	}

	entry, err := d.src.Oldest(ctx)
	if err != nil {
		d.logger.Printf("Warning: failed to read outbox: %v", err)
		return
	}
	if entry == nil {
		return
	}

	d.mu.Lock()
	d.inFlight = entry.OpID
	d.mu.Unlock()

	if err := d.sender.Send(ctx, entry.Payload); err != nil {
		// The entry stays queued; the next connect triggers a resend.
		d.logger.Printf("Failed to send %s: %v", entry.OpID, err)
		d.clearInFlight(entry.OpID)
		return
	}
	d.sent.Add(1)
}

// HandleAck removes the acknowledged entry and moves on to the next one.
func (d *Drainer) HandleAck(ctx context.Context, opID string) {
	if _, err := d.src.RemoveEntry(ctx, opID); err != nil {
		d.logger.Printf("Warning: failed to remove acknowledged entry %s: %v", opID, err)
	}
	d.acked.Add(1)

	d.mu.Lock()
	if d.inFlight == opID {
		d.attempt = 0
	}
	d.mu.Unlock()
	d.clearInFlight(opID)
	d.Trigger()
}

// HandleSyncError applies the error policy to a rejected entry. Permanent
// failures are logged and discarded so that one bad operation cannot block
// the queue. Retryable failures are resent after a backoff delay when
// RetryTransient is set.
func (d *Drainer) HandleSyncError(ctx context.Context, se wire.SyncError) {
	if se.Retryable && d.cfg.RetryTransient {
		d.mu.Lock()
		if d.inFlight != se.OpID {
			d.mu.Unlock()
			return
		}
		d.inFlight = ""
		d.attempt++
		delay := d.cfg.Backoff.Delay(d.attempt)
		d.waiting = true
		d.retryTimer = time.AfterFunc(delay, func() {
			d.mu.Lock()
			d.waiting = false
			d.retryTimer = nil
			d.mu.Unlock()
			d.Trigger()
		})
		d.mu.Unlock()

		d.retried.Add(1)
		d.logger.Printf("Operation %s failed transiently (%s), retrying in %s", se.OpID, se.Error, delay)
		return
	}

	d.logger.Printf("Warning: server rejected operation %s: %s", se.OpID, se.Error)
	if _, err := d.src.RemoveEntry(ctx, se.OpID); err != nil {
		d.logger.Printf("Warning: failed to remove rejected entry %s: %v", se.OpID, err)
	}
	d.rejected.Add(1)
	d.clearInFlight(se.OpID)
	d.Trigger()
}

// HandleDisconnected abandons the in-flight wait. The entry stays queued.
func (d *Drainer) HandleDisconnected() {
	d.mu.Lock()
	d.inFlight = ""
	d.mu.Unlock()
	d.stopRetry()
}

// InFlight returns the opId awaiting a response, or "".
func (d *Drainer) InFlight() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Idle reports whether nothing is in flight or waiting to be retried.
func (d *Drainer) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight == "" && !d.waiting
}

// Stats returns the drain counters.
func (d *Drainer) Stats() Stats {
	return Stats{
		Sent:     d.sent.Load(),
		Acked:    d.acked.Load(),
		Rejected: d.rejected.Load(),
		Retried:  d.retried.Load(),
	}
}

func (d *Drainer) clearInFlight(opID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight == opID {
		d.inFlight = ""
	}
}

func (d *Drainer) stopRetry() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
	d.waiting = false
}
