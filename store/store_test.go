package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/loadercache/backends"
	"github.com/richardartoul/loadercache/dedupe"
)

var testOptions = map[string]any{"quality": 80, "format": "webp"}

func newTestStore(t *testing.T, backend backends.Backend, opts Options) *Store {
	t.Helper()
	if backend == nil {
		backend = backends.NewDisk(false)
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(backend, opts)
}

// newPrimedStore returns a store primed at a fresh temporary directory.
func newPrimedStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s := newTestStore(t, nil, opts)
	require.NoError(t, s.Prime(context.Background(), dir))
	return s, dir
}

func key(hash string) Key {
	return Key{InputHash: hash, Options: testOptions, Ext: ".bin"}
}

func requireExists(t *testing.T, path string, want bool) {
	t.Helper()
	_, err := os.Stat(path)
	if want {
		require.NoError(t, err, "expected %s to exist", path)
		return
	}
	require.True(t, errors.Is(err, os.ErrNotExist), "expected %s to be gone, got %v", path, err)
}

func TestFilenameIsDeterministic(t *testing.T) {
	s, dir := newPrimedStore(t, Options{})

	a, err := s.FilenameFor("src/a.png", key("abc"))
	require.NoError(t, err)
	b, err := s.FilenameFor("src/b.png", Key{
		InputHash: "abc",
		Options:   map[string]any{"format": "webp", "quality": 80},
		Ext:       ".bin",
	})
	require.NoError(t, err)
	require.Equal(t, a, b)

	digest, err := Digest(testOptions)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "abc-"+digest+".bin"), a)

	c, err := s.FilenameFor("src/a.png", Key{InputHash: "abc", Options: map[string]any{"quality": 81}})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestDigestWithoutOptions(t *testing.T) {
	d1, err := Digest(nil)
	require.NoError(t, err)
	d2, err := Digest(nil)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
	require.Len(t, d1, 64)

	_, err = Digest(func() {})
	require.Error(t, err)
}

func TestOwnershipAppendsDuplicates(t *testing.T) {
	s, _ := newPrimedStore(t, Options{})

	for i := 0; i < 3; i++ {
		_, err := s.FilenameFor("a", key("same"))
		require.NoError(t, err)
	}
	require.Len(t, s.Owned("a"), 3)
}

func TestOwnershipDedupeOption(t *testing.T) {
	s, _ := newPrimedStore(t, Options{DedupeOwnership: true})

	for i := 0; i < 3; i++ {
		_, err := s.FilenameFor("a", key("same"))
		require.NoError(t, err)
	}
	_, err := s.FilenameFor("a", key("other"))
	require.NoError(t, err)
	require.Len(t, s.Owned("a"), 2)
}

func TestInvalidKey(t *testing.T) {
	s, _ := newPrimedStore(t, Options{})

	_, err := s.FilenameFor("a", Key{InputHash: "../escape"})
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.FilenameFor("a", Key{InputHash: "ok", Ext: "/x"})
	require.ErrorIs(t, err, ErrInvalidKey)
	require.Empty(t, s.Owned("a"))
}

func TestOperationsBeforePrimeFail(t *testing.T) {
	s := newTestStore(t, nil, Options{})
	ctx := context.Background()

	_, err := s.FilenameFor("a", key("x"))
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = s.Has(ctx, "a", key("x"))
	require.ErrorIs(t, err, ErrNotRunning)
	_, _, err = s.Read(ctx, "a", key("x"))
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = s.Write(ctx, "a", key("x"), []byte("data"))
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = s.Collect(ctx, nil)
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, s.AwaitReady(ctx), ErrNotRunning)

	require.NoError(t, s.Prime(ctx, t.TempDir()))
	require.NoError(t, s.AwaitReady(ctx))
	_, err = s.Write(ctx, "a", key("x"), []byte("data"))
	require.NoError(t, err)
	ok, err := s.Has(ctx, "a", key("x"))
	require.NoError(t, err)
	require.True(t, ok)
}

// gatedBackend counts priming calls and holds List until released.
type gatedBackend struct {
	backends.Backend
	mkdirs  atomic.Int32
	lists   atomic.Int32
	release chan struct{}
}

func (g *gatedBackend) MkdirAll(ctx context.Context, dir string) error {
	g.mkdirs.Add(1)
	return g.Backend.MkdirAll(ctx, dir)
}

func (g *gatedBackend) List(ctx context.Context, dir string) ([]string, error) {
	g.lists.Add(1)
	<-g.release
	return g.Backend.List(ctx, dir)
}

func TestPrimeIsSingleFlight(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover"), nil, 0644))

	backend := &gatedBackend{Backend: backends.NewDisk(false), release: make(chan struct{})}
	s := newTestStore(t, backend, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Prime(ctx, dir)
		}()
	}

	// Derivation works while priming I/O is in flight.
	require.Eventually(t, func() bool { return s.Dir() != "" }, time.Second, time.Millisecond)
	_, err := s.FilenameFor("a", key("x"))
	require.NoError(t, err)

	close(backend.release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, s.Prime(ctx, filepath.Join(dir, "ignored")))
	require.Equal(t, int32(1), backend.mkdirs.Load())
	require.Equal(t, int32(1), backend.lists.Load())
	require.Equal(t, []string{filepath.Join(dir, "leftover")}, s.Unattributed())
	require.Equal(t, dir, s.Dir())
}

func TestAwaitReadyHonorsContext(t *testing.T) {
	backend := &gatedBackend{Backend: backends.NewDisk(false), release: make(chan struct{})}
	s := newTestStore(t, backend, Options{})
	dir := t.TempDir()

	primed := make(chan error, 1)
	go func() { primed <- s.Prime(context.Background(), dir) }()
	require.Eventually(t, func() bool { return backend.lists.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.AwaitReady(ctx), context.Canceled)

	// The shared priming still completes for everyone else.
	close(backend.release)
	require.NoError(t, <-primed)
	require.NoError(t, s.AwaitReady(context.Background()))
}

func TestPrimeFailureIsMemoized(t *testing.T) {
	ctx := context.Background()
	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, nil, 0644))

	s := newTestStore(t, nil, Options{})
	err := s.Prime(ctx, filepath.Join(notADir, "cache"))
	require.Error(t, err)

	require.Equal(t, err, s.Prime(ctx, t.TempDir()))
	require.Equal(t, err, s.AwaitReady(ctx))
	_, err = s.FilenameFor("a", key("x"))
	require.Error(t, err)
}

func TestReadAfterWrite(t *testing.T) {
	s, _ := newPrimedStore(t, Options{})
	ctx := context.Background()

	path, err := s.Write(ctx, "a", key("abc"), []byte("artifact bytes"))
	require.NoError(t, err)

	entry, ok, err := s.Read(ctx, "a", key("abc"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "artifact bytes", string(entry.Data))
	require.Equal(t, path, entry.Path)
}

func TestReadAbsent(t *testing.T) {
	s, _ := newPrimedStore(t, Options{})

	entry, ok, err := s.Read(context.Background(), "a", key("never-written"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, Entry{}, entry)
	// The lookup still registers ownership.
	require.Len(t, s.Owned("a"), 1)
}

func TestConcurrentWrites(t *testing.T) {
	s, _ := newPrimedStore(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write(ctx, "a", key("shared"), []byte("same content"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, s.Owned("a"), 20)
	entry, ok, err := s.Read(ctx, "a", key("shared"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "same content", string(entry.Data))
}

func TestInvalidateChildrenUntracked(t *testing.T) {
	s, _ := newPrimedStore(t, Options{})
	s.InvalidateChildren("unknown")
	require.Empty(t, s.Unattributed())
	require.Empty(t, s.Resources())
}

func TestWritesThroughFlockGroup(t *testing.T) {
	writes, err := dedupe.NewFlockGroup(t.TempDir())
	require.NoError(t, err)
	s, _ := newPrimedStore(t, Options{Writes: writes})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write(ctx, "a", key("locked"), []byte("locked content"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, ok, err := s.Read(ctx, "a", key("locked"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "locked content", string(entry.Data))
}

// heldWrite records every Write and holds writes of held bytes until released.
type heldWrite struct {
	backends.Backend
	held    string
	started chan struct{}
	release chan struct{}

	mu      sync.Mutex
	written []string
}

func (h *heldWrite) Write(ctx context.Context, path string, data []byte) error {
	h.mu.Lock()
	h.written = append(h.written, string(data))
	h.mu.Unlock()

	if string(data) == h.held {
		close(h.started)
		<-h.release
	}
	return h.Backend.Write(ctx, path, data)
}

func (h *heldWrite) payloads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.written...)
}

func TestConcurrentWritesOfDifferentBytes(t *testing.T) {
	backend := &heldWrite{
		Backend: backends.NewDisk(false),
		held:    "first",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newTestStore(t, backend, Options{})
	ctx := context.Background()
	require.NoError(t, s.Prime(ctx, t.TempDir()))

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Write(ctx, "a", key("racy"), []byte("first"))
		firstDone <- err
	}()
	<-backend.started

	secondDone := make(chan error, 1)
	go func() {
		_, err := s.Write(ctx, "b", key("racy"), []byte("second"))
		secondDone <- err
	}()

	// The second writer waits its turn instead of borrowing the first result.
	select {
	case err := <-secondDone:
		t.Fatalf("second write finished while the first held the path: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	require.Equal(t, []string{"first", "second"}, backend.payloads())
	entry, ok, err := s.Read(ctx, "b", key("racy"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", string(entry.Data))
}

func TestWriteSurvivesCallerCancellation(t *testing.T) {
	backend := &heldWrite{
		Backend: backends.NewDisk(false),
		held:    "slow",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newTestStore(t, backend, Options{})
	require.NoError(t, s.Prime(context.Background(), t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Write(ctx, "a", key("slow"), []byte("slow"))
		done <- err
	}()
	<-backend.started
	cancel()
	close(backend.release)
	require.NoError(t, <-done)

	entry, ok, err := s.Read(context.Background(), "a", key("slow"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "slow", string(entry.Data))
}

// failingList holds List until released and then fails it.
type failingList struct {
	backends.Backend
	release chan struct{}
}

func (f *failingList) List(context.Context, string) ([]string, error) {
	<-f.release
	return nil, errors.New("listing denied")
}

func TestPrimeFailureDiscardsPendingOwnership(t *testing.T) {
	backend := &failingList{Backend: backends.NewDisk(false), release: make(chan struct{})}
	s := newTestStore(t, backend, Options{})
	ctx := context.Background()

	primed := make(chan error, 1)
	go func() { primed <- s.Prime(ctx, t.TempDir()) }()
	require.Eventually(t, func() bool { return s.Dir() != "" }, time.Second, time.Millisecond)

	hasErr := make(chan error, 1)
	go func() {
		_, err := s.Has(ctx, "a", key("x"))
		hasErr <- err
	}()
	require.Eventually(t, func() bool { return len(s.Owned("a")) == 1 }, time.Second, time.Millisecond)

	close(backend.release)
	require.ErrorContains(t, <-primed, "listing denied")
	require.ErrorContains(t, <-hasErr, "listing denied")
	require.Empty(t, s.Owned("a"))
	require.Empty(t, s.Resources())
}
