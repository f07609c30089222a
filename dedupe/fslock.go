package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	defaultLockTimeout = time.Second
	lockRetryDelay     = 10 * time.Millisecond
)

// ErrLockTimeout is returned when a lock could not be acquired in time.
var ErrLockTimeout = errors.New("timed out acquiring artifact lock")

// FSLockGroup serializes writes with lock files, so it also covers several
// cache processes sharing one cache directory. Results are never shared: a
// caller that waited for the lock still runs fn, which rewrites the same
// bytes.
//
// The lock directory must not be the cache directory itself, otherwise lock
// files would be picked up as unattributed cache entries.
type FSLockGroup struct {
	lockDir string
	timeout time.Duration
}

// NewFlockGroup creates lockDir if needed. An empty lockDir means
// os.TempDir()/loadercache-dedupe-locks.
func NewFlockGroup(lockDir string) (*FSLockGroup, error) {
	if lockDir == "" {
		lockDir = filepath.Join(os.TempDir(), "loadercache-dedupe-locks")
	}

	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FSLockGroup{
		lockDir: lockDir,
		timeout: defaultLockTimeout,
	}, nil
}

// lockPath maps key, an arbitrary artifact path, to a flat file name.
func (g *FSLockGroup) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(g.lockDir, hex.EncodeToString(sum[:])+".lock")
}

func (g *FSLockGroup) Do(key string, fn func() error) (bool, error) {
	fileLock := flock.New(g.lockPath(key))

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	acquired, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return false, fmt.Errorf("failed to acquire lock for %s: %w", key, err)
	}
	if !acquired {
		return false, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	defer fileLock.Unlock()

	return false, fn()
}
