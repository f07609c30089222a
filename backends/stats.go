package backends

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// statsRelativeAccuracy is the relative error guarantee of the latency sketches.
const statsRelativeAccuracy = 0.01

// Stats wraps any Backend and records per-operation latency distributions
// and byte counters.
type Stats struct {
	backend Backend

	mu       sync.Mutex
	sketches map[string]*ddsketch.DDSketch

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

// OpStats summarizes the latency distribution of one operation type.
type OpStats struct {
	Op    string
	Count int64
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
}

// StatsSnapshot is a point-in-time copy of the recorded statistics.
type StatsSnapshot struct {
	Ops          []OpStats
	BytesRead    int64
	BytesWritten int64
}

// NewStats creates a new statistics-recording wrapper around an existing backend.
func NewStats(backend Backend) *Stats {
	return &Stats{
		backend:  backend,
		sketches: make(map[string]*ddsketch.DDSketch),
	}
}

func (s *Stats) observe(op string, start time.Time) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	sketch, ok := s.sketches[op]
	if !ok {
		var err error
		sketch, err = ddsketch.NewDefaultDDSketch(statsRelativeAccuracy)
		if err != nil {
			return
		}
		s.sketches[op] = sketch
	}
	// Add only rejects negative values.
	_ = sketch.Add(elapsed)
}

// Snapshot returns the statistics recorded so far, ops sorted by name.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
	}
	for op, sketch := range s.sketches {
		if sketch.IsEmpty() {
			continue
		}
		snap.Ops = append(snap.Ops, OpStats{
			Op:    op,
			Count: int64(sketch.GetCount()),
			P50:   quantile(sketch, 0.5),
			P90:   quantile(sketch, 0.9),
			P99:   quantile(sketch, 0.99),
		})
	}
	sort.Slice(snap.Ops, func(i, j int) bool { return snap.Ops[i].Op < snap.Ops[j].Op })
	return snap
}

func quantile(sketch *ddsketch.DDSketch, q float64) time.Duration {
	v, err := sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Millisecond))
}

// Abs passes through without recording.
func (s *Stats) Abs(dir string) (string, error) {
	return s.backend.Abs(dir)
}

// MkdirAll creates dir, recording its latency.
func (s *Stats) MkdirAll(ctx context.Context, dir string) error {
	defer s.observe("mkdir", time.Now())
	return s.backend.MkdirAll(ctx, dir)
}

// List lists dir, recording its latency.
func (s *Stats) List(ctx context.Context, dir string) ([]string, error) {
	defer s.observe("list", time.Now())
	return s.backend.List(ctx, dir)
}

// Exists checks path, recording its latency.
func (s *Stats) Exists(ctx context.Context, path string) (bool, error) {
	defer s.observe("exists", time.Now())
	return s.backend.Exists(ctx, path)
}

// Size stats path, recording its latency.
func (s *Stats) Size(ctx context.Context, path string) (int64, error) {
	defer s.observe("size", time.Now())
	return s.backend.Size(ctx, path)
}

// Read reads path, recording its latency and size.
func (s *Stats) Read(ctx context.Context, path string) ([]byte, error) {
	defer s.observe("read", time.Now())
	data, err := s.backend.Read(ctx, path)
	if err == nil {
		s.bytesRead.Add(int64(len(data)))
	}
	return data, err
}

// Write writes path, recording its latency and size.
func (s *Stats) Write(ctx context.Context, path string, data []byte) error {
	defer s.observe("write", time.Now())
	err := s.backend.Write(ctx, path, data)
	if err == nil {
		s.bytesWritten.Add(int64(len(data)))
	}
	return err
}

// Remove deletes path, recording its latency.
func (s *Stats) Remove(ctx context.Context, path string) error {
	defer s.observe("remove", time.Now())
	return s.backend.Remove(ctx, path)
}

// Close passes through.
func (s *Stats) Close() error {
	return s.backend.Close()
}
