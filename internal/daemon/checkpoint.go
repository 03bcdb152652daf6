package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/agape-platform/convsync/internal/profile"
	"github.com/agape-platform/convsync/internal/store"
	intsync "github.com/agape-platform/convsync/internal/sync"
)

// LastRefresh reads the time of the last completed refresh from a profile's
// journal. It reports false when the profile has never refreshed. Reading
// does not need the profile lock.
func LastRefresh(profileName string) (time.Time, bool, error) {
	path := profile.DBPath(profileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	db, err := store.Open(path)
	if err != nil {
		return time.Time{}, false, err
	}
	defer func() { _ = db.Close() }()

	v, err := db.Checkpoint(intsync.CheckpointLastRefresh)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read refresh checkpoint: %w", err)
	}
	if v == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse refresh checkpoint %q: %w", v, err)
	}
	return t, true, nil
}
