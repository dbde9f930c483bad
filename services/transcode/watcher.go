package transcode

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchPollInterval = 2 * time.Second

// WatchSegments emits the index of every segment file that appears in dir,
// each index at most once. Filesystem create events drive it, backed by a
// poll of the directory every couple of seconds because inotify delivery is
// not guaranteed for files written by a child process. The returned channel
// is closed when ctx is cancelled.
//
// This is the engine's only source of truth for "segment N is done": a
// segment file is only renamed into place once ffmpeg finished it, so
// existence means complete.
func WatchSegments(ctx context.Context, dir string, pattern *regexp.Regexp) (<-chan int, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan int, 64)
	go func() {
		defer close(out)
		defer func() {
			// Teardown failure is non-fatal; the handle dies with us anyway.
			_ = watcher.Close()
		}()

		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()

		seen := make(map[int]bool)
		emit := func(idx int) bool {
			if seen[idx] {
				return true
			}
			seen[idx] = true
			select {
			case out <- idx:
				return true
			case <-ctx.Done():
				return false
			}
		}
		scan := func() bool {
			entries, err := os.ReadDir(dir)
			if err != nil {
				return true
			}
			for _, e := range entries {
				if idx, ok := segmentIndex(e.Name(), pattern); ok {
					if !emit(idx) {
						return false
					}
				}
			}
			return true
		}

		// Catch segments that landed before the watch was registered.
		if !scan() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if idx, ok := segmentIndex(filepath.Base(ev.Name), pattern); ok {
					if !emit(idx) {
						return
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[hls] segment watch error on %s: %v", dir, err)
			case <-ticker.C:
				if !scan() {
					return
				}
			}
		}
	}()
	return out, nil
}

// segmentIndex extracts the trailing integer a segment pattern captures.
func segmentIndex(name string, pattern *regexp.Regexp) (int, bool) {
	m := pattern.FindStringSubmatch(name)
	if m == nil || len(m) < 2 {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}
