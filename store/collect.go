package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// maxDeleteAttempts is how many consecutive passes may fail to delete a path
// before it is dropped from the unattributed set.
const maxDeleteAttempts = 3

// CollectResult describes one collection pass.
type CollectResult struct {
	// PassID identifies the pass in logs.
	PassID string

	// Live is the number of distinct live resources passed in.
	Live int

	// Candidates is the number of distinct paths considered for deletion.
	Candidates int

	// Retained is the number of distinct paths owned by live resources.
	Retained int

	// Deleted lists the stale paths that were removed, sorted.
	Deleted []string

	// Missing lists the stale paths that were already gone, sorted.
	Missing []string

	// Failed maps each stale path whose deletion failed to its error.
	Failed map[string]error

	// Abandoned lists the failed paths that will not be retried, sorted.
	// Every other failed path is queued for the next pass.
	Abandoned []string
}

// Err joins every deletion failure, or returns nil if there was none.
func (r CollectResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}

	paths := make([]string, 0, len(r.Failed))
	for path := range r.Failed {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	errs := make([]error, 0, len(paths))
	for _, path := range paths {
		errs = append(errs, fmt.Errorf("failed to delete %s: %w", path, r.Failed[path]))
	}
	return errors.Join(errs...)
}

// Collect deletes every cache file that is no longer reachable from live, the
// resources present in the build pass that just completed.
//
// Candidates are the unattributed files plus everything owned by resources
// missing from live; those resources are forgotten. A candidate is only
// deleted if no live resource owns it as well. Deletions run independently:
// a failure is recorded in the result, returned through the joined error, and
// the path is queued again for the next pass, up to maxDeleteAttempts passes.
// Passes never overlap.
//
// Callers must only collect after every artifact access of the pass has been
// made, and should skip collection for passes that ended in error, since the
// live set is then incomplete.
func (s *Store) Collect(ctx context.Context, live []string) (CollectResult, error) {
	if err := s.AwaitReady(ctx); err != nil {
		return CollectResult{}, err
	}

	s.collectMu.Lock()
	defer s.collectMu.Unlock()

	result := CollectResult{
		PassID: uuid.NewString(),
		Failed: make(map[string]error),
	}
	logger := s.logger.With("pass_id", result.PassID)

	liveSet := make(map[string]struct{}, len(live))
	for _, resource := range live {
		liveSet[resource] = struct{}{}
	}
	result.Live = len(liveSet)
	logger.Debug("checking resources appearing in the build", "resources", result.Live)

	s.mu.Lock()
	// every unattributed file gets checked now, so the set starts over
	candidates := s.unattributed
	s.unattributed = make(map[string]struct{})

	retained := make(map[string]struct{})
	for resource, paths := range s.owners {
		if _, ok := liveSet[resource]; ok {
			for _, path := range paths {
				retained[path] = struct{}{}
			}
			continue
		}
		for _, path := range paths {
			candidates[path] = struct{}{}
		}
		delete(s.owners, resource)
	}
	s.mu.Unlock()

	result.Candidates = len(candidates)
	result.Retained = len(retained)
	logger.Debug("found potentially stale files",
		"candidates", result.Candidates,
		"references", result.Retained)

	var stale []string
	for path := range candidates {
		if _, ok := retained[path]; !ok {
			stale = append(stale, path)
		}
	}
	sort.Strings(stale)

	if len(stale) == 0 {
		logger.Debug("found no stale files")
		return result, nil
	}
	logger.Info("deleting stale files", "count", len(stale))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.deleteConcurrency)
	for _, path := range stale {
		path := path
		g.Go(func() error {
			deleted, err := s.removeIfExists(ctx, path)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed[path] = err
			case deleted:
				result.Deleted = append(result.Deleted, path)
			default:
				result.Missing = append(result.Missing, path)
			}
			// always nil: failures live in result.Failed
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Deleted)
	sort.Strings(result.Missing)

	for _, path := range result.Deleted {
		delete(s.deleteFailures, path)
	}
	for _, path := range result.Missing {
		delete(s.deleteFailures, path)
	}

	if len(result.Failed) > 0 {
		var abandoned []string
		s.mu.Lock()
		for path := range result.Failed {
			s.deleteFailures[path]++
			if s.deleteFailures[path] >= maxDeleteAttempts {
				delete(s.deleteFailures, path)
				abandoned = append(abandoned, path)
				continue
			}
			s.unattributed[path] = struct{}{}
		}
		s.mu.Unlock()
		logger.Warn("failed to delete stale files", "failed", len(result.Failed))

		sort.Strings(abandoned)
		result.Abandoned = abandoned
		for _, path := range abandoned {
			logger.Warn("giving up on stale file", "path", path, "attempts", maxDeleteAttempts)
		}
	}
	logger.Debug("collection complete",
		"deleted", len(result.Deleted),
		"missing", len(result.Missing))

	return result, result.Err()
}

// removeIfExists deletes path, tolerating files removed behind our back.
func (s *Store) removeIfExists(ctx context.Context, path string) (bool, error) {
	exists, err := s.backend.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	if err := s.backend.Remove(ctx, path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
