// Package loadtest drives simulated devices against a snapshot store.
//
// Every simulated device pushes full snapshots for the same user while the
// others do the same, and reads the row back after each push. The run
// checks what a real deployment depends on: the store keeps exactly one
// row per user, and that row is one of the writes that was acknowledged.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizdesk/bsync/internal/remote"
)

// Options configures a run.
type Options struct {
	// Devices is the number of concurrent simulated devices.
	Devices int

	// Pushes is how many snapshots each device pushes.
	Pushes int

	// Collections are the keys included in every snapshot.
	Collections []string

	// PayloadBytes is the approximate size of each collection value.
	PayloadBytes int

	// UserID is the shared snapshot owner. Defaults to a random id.
	UserID string
}

// DefaultOptions returns a small run suitable for a laptop.
func DefaultOptions() Options {
	return Options{
		Devices:      20,
		Pushes:       10,
		Collections:  []string{"customers", "gym_members", "quotations"},
		PayloadBytes: 512,
	}
}

// LatencyStats summarizes request latencies.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Total int           `json:"total"`
}

// Result is the outcome of a run.
type Result struct {
	UserID   string        `json:"user_id"`
	Push     LatencyStats  `json:"push"`
	Fetch    LatencyStats  `json:"fetch"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`

	// FinalDevice and FinalUpdatedAt identify the row left in the store.
	FinalDevice    string    `json:"final_device"`
	FinalUpdatedAt time.Time `json:"final_updated_at"`

	// FirstError is the first failure seen, if any.
	FirstError string `json:"first_error,omitempty"`
}

// Throughput returns completed pushes per second.
func (r *Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Push.Total) / r.Duration.Seconds()
}

type write struct {
	device    string
	updatedAt time.Time
}

// Run executes the load against store and verifies the final row.
func Run(ctx context.Context, store remote.Store, opts Options) (*Result, error) {
	if opts.Devices <= 0 || opts.Pushes <= 0 {
		return nil, fmt.Errorf("devices and pushes must be positive")
	}
	if len(opts.Collections) == 0 {
		return nil, fmt.Errorf("collections cannot be empty")
	}
	if opts.UserID == "" {
		opts.UserID = "loadtest-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		pushes   []time.Duration
		fetches  []time.Duration
		acked    = make(map[write]bool)
		errCount int
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	start := time.Now()
	for i := 0; i < opts.Devices; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			deviceID := fmt.Sprintf("load-%03d", n)

			for j := 0; j < opts.Pushes; j++ {
				if ctx.Err() != nil {
					return
				}
				snap := buildSnapshot(opts, deviceID, j)

				t0 := time.Now()
				stored, err := store.Upsert(ctx, snap)
				pushed := time.Since(t0)
				if err != nil {
					record(fmt.Errorf("device %s push %d failed: %w", deviceID, j, err))
					continue
				}

				t1 := time.Now()
				_, err = store.Fetch(ctx, opts.UserID)
				fetched := time.Since(t1)
				if err != nil {
					record(fmt.Errorf("device %s fetch %d failed: %w", deviceID, j, err))
				}

				mu.Lock()
				pushes = append(pushes, pushed)
				if err == nil {
					fetches = append(fetches, fetched)
				}
				acked[write{stored.DeviceID, stored.UpdatedAt.UTC()}] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	result := &Result{
		UserID:   opts.UserID,
		Push:     computeLatencyStats(pushes),
		Fetch:    computeLatencyStats(fetches),
		Errors:   errCount,
		Duration: time.Since(start),
	}
	if firstErr != nil {
		result.FirstError = firstErr.Error()
	}
	if len(pushes) == 0 {
		return result, fmt.Errorf("no pushes completed: %v", firstErr)
	}

	final, err := store.Fetch(ctx, opts.UserID)
	if err != nil {
		return result, fmt.Errorf("failed to fetch final snapshot: %w", err)
	}
	result.FinalDevice = final.DeviceID
	result.FinalUpdatedAt = final.UpdatedAt

	if !acked[write{final.DeviceID, final.UpdatedAt.UTC()}] {
		return result, fmt.Errorf("final row (%s at %s) matches no acknowledged push",
			final.DeviceID, final.UpdatedAt.Format(time.RFC3339Nano))
	}
	for _, key := range opts.Collections {
		if _, ok := final.Data[key]; !ok {
			return result, fmt.Errorf("final row is missing collection %s", key)
		}
	}
	return result, nil
}

func buildSnapshot(opts Options, deviceID string, seq int) *remote.Snapshot {
	now := time.Now().UTC()
	data := make(map[string]json.RawMessage, len(opts.Collections))
	log := make([]remote.ChangeLogEntry, 0, len(opts.Collections))

	filler := strings.Repeat("x", opts.PayloadBytes)
	for _, key := range opts.Collections {
		value, _ := json.Marshal([]map[string]interface{}{
			{"device": deviceID, "seq": seq, "notes": filler},
		})
		data[key] = value
		log = append(log, remote.ChangeLogEntry{
			Timestamp:  now,
			DeviceID:   deviceID,
			Action:     remote.ActionSync,
			Collection: key,
		})
	}

	return &remote.Snapshot{
		UserID:    opts.UserID,
		Data:      data,
		DeviceID:  deviceID,
		Version:   remote.SnapshotVersion,
		ChangeLog: log,
		UpdatedAt: now,
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Total: len(sorted),
	}
}

// Print writes the statistics in a fixed layout.
func (s LatencyStats) Print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s (%d requests):\n", title, s.Total)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
