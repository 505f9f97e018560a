package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/riftwaf/sentry/internal/waf"
)

// Watcher monitors the bundle file and invokes onChange with the rebuilt
// SecurityPolicy map on every relevant write; it reloads the policy bundle
// only, not the content-filter rule database. Stop releases filesystem
// resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Watch wires fsnotify around the bundle file named by path, rebuilding
// and delivering the policy map on every change after a short debounce.
func Watch(ctx context.Context, path string, onChange func(map[string]*waf.SecurityPolicy), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("policy: watch requires a change callback")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("policy: watch: %w", err)
	}

	reload := func() {
		bundle, err := LoadBundle(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		policies, err := bundle.Build()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(policies)
	}
	reload()

	targetFile := filepath.Clean(path)
	if abs, err := filepath.Abs(path); err == nil {
		targetFile = filepath.Clean(abs)
	}
	if err := fsw.Add(filepath.Dir(targetFile)); err != nil {
		cancel()
		_ = fsw.Close()
		return nil, fmt.Errorf("policy: watch add %s: %w", filepath.Dir(targetFile), err)
	}

	done := make(chan struct{})
	watcher := &Watcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := fsw.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("policy: watch close: %w", err))
			}
		}()

		const debounce = 25 * time.Millisecond
		var timer *time.Timer
		var signal <-chan time.Time
		schedule := func() {
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			signal = timer.C
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-signal:
				signal = nil
				reload()
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != targetFile {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
					schedule()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("policy: watch error: %w", err))
				}
			}
		}
	}()

	return watcher, nil
}
