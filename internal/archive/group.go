package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryInterval is how often TryLockContext polls while waiting for
// another process to finish creating a group.
const lockRetryInterval = 5 * time.Millisecond

// groupLockTimeout bounds how long a caller waits for the group-creation
// lock before giving up; group creation is a brief critical section (stat
// + mkdir), so this is generous, not a steady-state budget.
const groupLockTimeout = 10 * time.Second

// createGroupLocked creates the root archive directory (if absent) and the
// named stream group directory, serializing the group-exists-check /
// group-create critical section across processes with an advisory file
// lock on a sibling .lock file -- held only for this function's duration,
// never across sample writes, per spec.md §4.1/§5.
//
// Returns true if this call created the group (false if it already
// existed), which the caller uses to decide whether to write fresh
// per-group metadata or reopen an existing one.
func createGroupLocked(archivePath, streamName string) (groupDir string, created bool, err error) {
	if err := os.MkdirAll(archivePath, 0o755); err != nil {
		return "", false, fmt.Errorf("archive: mkdir archive root %s: %w", archivePath, err)
	}

	lockPath := filepath.Join(archivePath, ".lock")
	lock := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), groupLockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return "", false, fmt.Errorf("archive: acquire group-creation lock %s: %w", lockPath, err)
	}
	if !locked {
		return "", false, fmt.Errorf("archive: could not acquire group-creation lock %s", lockPath)
	}
	defer lock.Unlock()

	groupDir = filepath.Join(archivePath, streamName)
	if _, statErr := os.Stat(groupDir); statErr == nil {
		return groupDir, false, nil
	} else if !os.IsNotExist(statErr) {
		return "", false, fmt.Errorf("archive: stat group dir %s: %w", groupDir, statErr)
	}

	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return "", false, fmt.Errorf("archive: mkdir group dir %s: %w", groupDir, err)
	}
	return groupDir, true, nil
}
