package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher keeps a Table in sync with a rules file on disk. Edits that fail to
// parse or validate leave the previous table in place.
type Watcher struct {
	path     string
	table    *Table
	debounce time.Duration

	mu        sync.Mutex
	listeners []func([]Rule)
	fsw       *fsnotify.Watcher
	timer     *time.Timer
}

// NewWatcher returns a watcher that reloads path into table.
func NewWatcher(path string, table *Table) *Watcher {
	return &Watcher{path: filepath.Clean(path), table: table, debounce: defaultDebounce}
}

// OnReload registers fn to receive the new list after each successful reload.
func (w *Watcher) OnReload(fn func([]Rule)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reload reads the file now and swaps the table on success.
func (w *Watcher) Reload() error {
	list, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	w.table.Replace(list)

	w.mu.Lock()
	listeners := append([]func([]Rule){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(list)
	}
	slog.Info("rules reloaded", slog.String("component", "rules"), slog.String("path", w.path), slog.Int("count", len(list)))
	return nil
}

// Start begins watching until ctx is done. The parent directory is watched
// rather than the file so atomic replace-by-rename is seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch rules dir: %w", err)
	}
	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()
	slog.Info("watching rules file", slog.String("component", "rules"), slog.String("path", w.path))
	go w.loop(ctx, fsw)
	return nil
}

// Stop closes the underlying watcher and cancels a pending reload.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
		w.fsw = nil
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Error("rules watcher error", slog.String("component", "rules"), slog.Any("err", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			slog.Warn("rules reload failed; keeping previous rules", slog.String("component", "rules"), slog.Any("err", err))
		}
	})
}
