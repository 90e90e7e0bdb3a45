package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/Mschirtzinger/lofi/internal/store"
	"github.com/Mschirtzinger/lofi/internal/transport"
	"github.com/Mschirtzinger/lofi/internal/wire"
)

// memSource is an in-memory outbox.
type memSource struct {
	mu      sync.Mutex
	entries []store.Entry
}

func (m *memSource) add(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, _ := json.Marshal(wire.Op{OpID: opID, TableName: "todos", Type: wire.OpPut, Data: json.RawMessage(`{"id":"` + opID + `"}`)})
	m.entries = append(m.entries, store.Entry{Seq: int64(len(m.entries) + 1), OpID: opID, Payload: payload})
}

func (m *memSource) Oldest(ctx context.Context) (*store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[0]
	return &e, nil
}

func (m *memSource) RemoveEntry(ctx context.Context, opID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.OpID == opID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memSource) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// fakeSender records sent opIds.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	fail      bool
	sent      []string
}

func (f *fakeSender) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("socket closed")
	}
	var op wire.Op
	if err := json.Unmarshal(frame, &op); err != nil {
		return err
	}
	f.sent = append(f.sent, op.OpID)
	return nil
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeSender) sentOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func startDrainer(t *testing.T, src Source, sender Sender, cfg Config) *Drainer {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	d := New(src, sender, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDrainOneAtATime(t *testing.T) {
	ctx := context.Background()
	src := &memSource{}
	for _, id := range []string{"op1", "op2", "op3"} {
		src.add(id)
	}
	sender := &fakeSender{connected: true}
	d := startDrainer(t, src, sender, Config{})

	d.Trigger()
	waitFor(t, "first send", func() bool { return len(sender.sentOps()) == 1 })

	// Extra triggers must not send the next entry before the ack.
	d.Trigger()
	d.Trigger()
	time.Sleep(20 * time.Millisecond)
	if got := sender.sentOps(); len(got) != 1 {
		t.Fatalf("sent %v before ack, want only op1", got)
	}
	if got := d.InFlight(); got != "op1" {
		t.Errorf("InFlight() = %q, want op1", got)
	}

	d.HandleAck(ctx, "op1")
	waitFor(t, "second send", func() bool { return len(sender.sentOps()) == 2 })
	d.HandleAck(ctx, "op2")
	waitFor(t, "third send", func() bool { return len(sender.sentOps()) == 3 })
	d.HandleAck(ctx, "op3")

	waitFor(t, "idle", d.Idle)
	got := sender.sentOps()
	want := []string{"op1", "op2", "op3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := src.len(); n != 0 {
		t.Errorf("outbox has %d entries, want 0", n)
	}
	if s := d.Stats(); s.Sent != 3 || s.Acked != 3 {
		t.Errorf("Stats() = %+v, want 3 sent and 3 acked", s)
	}
}

func TestDrainWaitsForConnection(t *testing.T) {
	src := &memSource{}
	src.add("op1")
	sender := &fakeSender{}
	d := startDrainer(t, src, sender, Config{})

	d.Trigger()
	time.Sleep(20 * time.Millisecond)
	if got := sender.sentOps(); len(got) != 0 {
		t.Fatalf("sent %v while disconnected, want nothing", got)
	}

	sender.setConnected(true)
	d.Trigger()
	waitFor(t, "send after connect", func() bool { return len(sender.sentOps()) == 1 })
}

func TestPermanentSyncErrorDiscardsEntry(t *testing.T) {
	ctx := context.Background()
	src := &memSource{}
	src.add("bad")
	src.add("good")
	sender := &fakeSender{connected: true}
	d := startDrainer(t, src, sender, Config{RetryTransient: true})

	d.Trigger()
	waitFor(t, "first send", func() bool { return len(sender.sentOps()) == 1 })

	d.HandleSyncError(ctx, wire.NewSyncError("bad", errors.New("not authorized"), false))
	waitFor(t, "next send", func() bool { return len(sender.sentOps()) == 2 })

	if got := sender.sentOps()[1]; got != "good" {
		t.Errorf("second send = %s, want good", got)
	}
	if n := src.len(); n != 1 {
		t.Errorf("outbox has %d entries, want 1", n)
	}
	if s := d.Stats(); s.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", s.Rejected)
	}
}

func TestRetryableSyncError(t *testing.T) {
	ctx := context.Background()
	backoff := transport.BackoffPolicy{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}

	t.Run("retried when enabled", func(t *testing.T) {
		src := &memSource{}
		src.add("busy")
		sender := &fakeSender{connected: true}
		d := startDrainer(t, src, sender, Config{RetryTransient: true, Backoff: backoff})

		d.Trigger()
		waitFor(t, "first send", func() bool { return len(sender.sentOps()) == 1 })

		d.HandleSyncError(ctx, wire.NewSyncError("busy", errors.New("database is locked"), true))
		waitFor(t, "resend", func() bool { return len(sender.sentOps()) == 2 })

		if got := sender.sentOps(); got[1] != "busy" {
			t.Errorf("resent %s, want busy", got[1])
		}
		if n := src.len(); n != 1 {
			t.Errorf("outbox has %d entries, want 1", n)
		}

		d.HandleAck(ctx, "busy")
		waitFor(t, "empty outbox", func() bool { return src.len() == 0 })
		if s := d.Stats(); s.Retried != 1 {
			t.Errorf("Retried = %d, want 1", s.Retried)
		}
	})

	t.Run("discarded when disabled", func(t *testing.T) {
		src := &memSource{}
		src.add("busy")
		sender := &fakeSender{connected: true}
		d := startDrainer(t, src, sender, Config{Backoff: backoff})

		d.Trigger()
		waitFor(t, "first send", func() bool { return len(sender.sentOps()) == 1 })

		d.HandleSyncError(ctx, wire.NewSyncError("busy", errors.New("database is locked"), true))
		waitFor(t, "empty outbox", func() bool { return src.len() == 0 })
		time.Sleep(30 * time.Millisecond)
		if got := sender.sentOps(); len(got) != 1 {
			t.Errorf("sent %v, want no resend", got)
		}
	})
}

func TestDisconnectKeepsEntryForResend(t *testing.T) {
	src := &memSource{}
	src.add("op1")
	sender := &fakeSender{connected: true}
	d := startDrainer(t, src, sender, Config{})

	d.Trigger()
	waitFor(t, "first send", func() bool { return len(sender.sentOps()) == 1 })

	sender.setConnected(false)
	d.HandleDisconnected()
	if got := d.InFlight(); got != "" {
		t.Errorf("InFlight() = %q after disconnect, want empty", got)
	}
	if n := src.len(); n != 1 {
		t.Fatalf("outbox has %d entries after disconnect, want 1", n)
	}

	sender.setConnected(true)
	d.Trigger()
	waitFor(t, "resend", func() bool { return len(sender.sentOps()) == 2 })
	if got := sender.sentOps(); got[0] != got[1] {
		t.Errorf("resent %s, want same opId %s", got[1], got[0])
	}
}

func TestSendFailureLeavesEntryQueued(t *testing.T) {
	src := &memSource{}
	src.add("op1")
	sender := &fakeSender{connected: true, fail: true}
	d := startDrainer(t, src, sender, Config{})

	d.Trigger()
	waitFor(t, "in-flight cleared", func() bool { return d.Idle() })
	time.Sleep(10 * time.Millisecond)

	if !d.Idle() {
		t.Error("Idle() = false after failed send, want true")
	}
	if n := src.len(); n != 1 {
		t.Errorf("outbox has %d entries, want 1", n)
	}
}

func TestDuplicateAckIsHarmless(t *testing.T) {
	ctx := context.Background()
	src := &memSource{}
	src.add("op1")
	src.add("op2")
	sender := &fakeSender{connected: true}
	d := startDrainer(t, src, sender, Config{})

	d.Trigger()
	waitFor(t, "first send", func() bool { return len(sender.sentOps()) == 1 })
	d.HandleAck(ctx, "op1")
	waitFor(t, "second send", func() bool { return len(sender.sentOps()) == 2 })

	d.HandleAck(ctx, "op1")
	time.Sleep(20 * time.Millisecond)
	if got := d.InFlight(); got != "op2" {
		t.Errorf("InFlight() = %q after duplicate ack, want op2", got)
	}
	if n := src.len(); n != 1 {
		t.Errorf("outbox has %d entries, want 1", n)
	}
}
