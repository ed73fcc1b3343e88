// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// selfWriteWindow is how long after a store write an event on the same
// path is attributed to the store.
const selfWriteWindow = 2 * time.Second

// ExternalChange describes a write to the tree that the Store did not make.
type ExternalChange struct {
	Path string
	Op   string
	At   time.Time
}

// Watcher reports modifications to the workspace made by other processes.
//
// It is purely observational: changes are logged at warn level and
// counted, and the optional callback is invoked. Nothing is blocked.
//
// # Thread Safety
//
// Start, Stop and the accessors are safe for concurrent use.
type Watcher struct {
	store    *Store
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	onChange func(ExternalChange)

	external atomic.Int64
	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithOnChange registers a callback for external changes. It runs on the
// watcher goroutine.
func WithOnChange(fn func(ExternalChange)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher over every directory Walk would enter.
func NewWatcher(store *Store, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		store:  store,
		fsw:    fsw,
		logger: store.logger,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	err = filepath.WalkDir(store.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != store.root && store.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Debug("watch directory failed", slog.String("dir", path), slog.String("error", err.Error()))
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start runs the event loop in a goroutine until ctx is done or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, strings.TrimSuffix(tempPattern, "*")) {
		return
	}
	if w.store.wroteRecently(event.Name, selfWriteWindow) {
		return
	}

	change := ExternalChange{
		Path: w.store.Rel(event.Name),
		Op:   event.Op.String(),
		At:   time.Now(),
	}
	w.external.Add(1)
	w.logger.Warn("workspace modified outside rakune",
		slog.String("path", change.Path),
		slog.String("op", change.Op),
	)
	if w.onChange != nil {
		w.onChange(change)
	}
}

// ExternalChanges returns how many external modifications were observed.
func (w *Watcher) ExternalChanges() int64 {
	return w.external.Load()
}

// Stop closes the underlying watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.fsw.Close()
	})
	if w.started.Load() {
		<-w.done
	}
	return err
}
