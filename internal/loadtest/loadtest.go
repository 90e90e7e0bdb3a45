// Package loadtest drives a gateway with many concurrent clients.
//
// Each simulated client opens its own websocket, sends puts one at a time
// the way the outbox drainer does, and records the time from send to ack.
// Broadcasts from other clients arriving in between are skipped.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Mschirtzinger/lofi/internal/wire"
)

// Options configures a run.
type Options struct {
	// URL is the gateway websocket endpoint.
	URL string

	// Tokens are assigned to clients round-robin.
	Tokens []string

	Clients      int
	OpsPerClient int

	// Table receives the puts (default "todos").
	Table string

	// Record builds the data for one put. The default writes
	// {"id": "lt-<client>-<op>", "content": "..."}.
	Record func(client, op int) map[string]any
}

// LatencyStats captures send-to-ack latency for a run.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Ops       int
	Errors    int
	Elapsed   time.Duration
	Durations []time.Duration
}

// Throughput is acknowledged operations per second.
func (s *LatencyStats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Ops) / s.Elapsed.Seconds()
}

// Run executes the load test. Rejected operations count as errors; a
// failed connection aborts the run.
func Run(ctx context.Context, opts Options) (*LatencyStats, error) {
	if opts.Clients <= 0 || opts.OpsPerClient <= 0 {
		return nil, fmt.Errorf("clients and ops per client must be positive")
	}
	if len(opts.Tokens) == 0 {
		return nil, fmt.Errorf("at least one token is required")
	}
	if opts.Table == "" {
		opts.Table = "todos"
	}
	if opts.Record == nil {
		opts.Record = defaultRecord
	}

	var (
		mu        sync.Mutex
		durations = make([]time.Duration, 0, opts.Clients*opts.OpsPerClient)
		errCount  int
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Clients; i++ {
		client := i
		g.Go(func() error {
			local, rejected, err := runClient(gctx, opts, client)
			mu.Lock()
			durations = append(durations, local...)
			errCount += rejected
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := computeLatencyStats(durations)
	stats.Errors = errCount
	stats.Elapsed = time.Since(start)
	return stats, nil
}

func runClient(ctx context.Context, opts Options, client int) ([]time.Duration, int, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Tokens[client%len(opts.Tokens)])
	header.Set(wire.ProtocolHeader, wire.ProtocolVersion)

	conn, _, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, 0, fmt.Errorf("client %d: failed to connect: %w", client, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wire.MaxFrameSize)

	durations := make([]time.Duration, 0, opts.OpsPerClient)
	rejected := 0
	for i := 0; i < opts.OpsPerClient; i++ {
		data, err := json.Marshal(opts.Record(client, i))
		if err != nil {
			return nil, 0, fmt.Errorf("client %d: failed to encode record: %w", client, err)
		}
		op := wire.Op{
			OpID:      uuid.NewString(),
			TableName: opts.Table,
			Type:      wire.OpPut,
			Data:      data,
		}

		sent := time.Now()
		if err := wsjson.Write(ctx, conn, op); err != nil {
			return nil, 0, fmt.Errorf("client %d: failed to send: %w", client, err)
		}
		ok, err := awaitReply(ctx, conn, op.OpID)
		if err != nil {
			return nil, 0, fmt.Errorf("client %d: %w", client, err)
		}
		if !ok {
			rejected++
			continue
		}
		durations = append(durations, time.Since(sent))
	}

	conn.Close(websocket.StatusNormalClosure, "")
	return durations, rejected, nil
}

// awaitReply reads frames until the ack or sync-error for opID arrives.
func awaitReply(ctx context.Context, conn *websocket.Conn, opID string) (bool, error) {
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, fmt.Errorf("connection closed before reply to %s", opID)
			}
			return false, fmt.Errorf("failed to read reply: %w", err)
		}
		msg, err := wire.Decode(frame)
		if err != nil {
			return false, err
		}
		switch m := msg.(type) {
		case *wire.Ack:
			if m.OpID == opID {
				return true, nil
			}
		case *wire.SyncError:
			if m.OpID == opID {
				return false, nil
			}
		}
	}
}

func defaultRecord(client, op int) map[string]any {
	return map[string]any{
		"id":      fmt.Sprintf("lt-%d-%d", client, op),
		"content": fmt.Sprintf("load test record %d from client %d", op, client),
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(sorted)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Ops:       len(sorted),
		Durations: sorted,
	}
}

// Fprint writes a summary of the statistics.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Acked Ops:     %d\n", s.Ops)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Elapsed:       %v\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Throughput:    %.1f ops/s\n", s.Throughput())
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
