package lifecycle

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PollInterval is how often Wait re-reads the status when no file events
// arrive, covering directories that do not exist yet and filesystems
// without change notification.
var PollInterval = 250 * time.Millisecond

// StatusFilter selects the records written by one server run. A status.json
// left behind by an earlier process is treated as absent. The zero value
// accepts every record.
type StatusFilter struct {
	// PID, when set, must match the pid in the record.
	PID int
	// Since, when set, rejects records last updated before it.
	Since time.Time
}

// Accepts reports whether st belongs to the run the filter describes.
func (f StatusFilter) Accepts(st *Status) bool {
	if st == nil {
		return false
	}
	if f.PID != 0 && st.PID != f.PID {
		return false
	}
	if !f.Since.IsZero() && st.UpdatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Wait blocks until a status in dir accepted by filter is ready or error,
// and returns it. A missing file means the server has not started writing
// yet.
func Wait(ctx context.Context, dir string, filter StatusFilter) (*Status, error) {
	done := func(st *Status) bool {
		return filter.Accepts(st) && st.State.Terminal()
	}

	if st, err := ReadStatus(dir); err != nil || done(st) {
		return st, err
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		// The directory may not exist yet; polling covers that case.
		if err := watcher.Add(dir); err == nil {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	return watch(ctx, dir, done, events, errs)
}

// watch re-reads the status on every relevant event, watcher error or poll
// tick until done accepts it.
func watch(ctx context.Context, dir string, done func(*Status) bool, events <-chan fsnotify.Event, errs <-chan error) (*Status, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	statusPath := filepath.Join(dir, StatusFile)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Atomic writes show up as a create or rename of status.json.
			if filepath.Clean(ev.Name) != statusPath {
				continue
			}
		case _, ok := <-errs:
			// A dropped event may have been the one we wanted; re-read.
			if !ok {
				errs = nil
				continue
			}
		case <-ticker.C:
		}

		st, err := ReadStatus(dir)
		if err != nil {
			return nil, err
		}
		if done(st) {
			return st, nil
		}
	}
}
