// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace is the file store used by the convergence loop.
//
// All paths handed to a Store are interpreted relative to its root and must
// stay inside it. Writes are atomic (temp file in the same directory, fsync,
// rename), so a crash mid-write leaves either the old or the new content.
//
// The store assumes it is the only writer of the tree for the duration of a
// run. RunLock makes that visible to other rakune processes and Watcher
// reports edits made by anything else; neither prevents them.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// tempPattern is the prefix for files created by atomic writes.
const tempPattern = ".rakune-tmp-*"

// DefaultIgnoreDirs are skipped by Walk in addition to dot-directories.
var DefaultIgnoreDirs = []string{"target", "node_modules", "vendor"}

// Store reads and writes files under a root directory.
//
// # Thread Safety
//
// Safe for concurrent use. Writes to the same path are not serialized;
// callers apply transformations sequentially.
type Store struct {
	root       string
	ignoreDirs map[string]struct{}
	logger     *slog.Logger

	mu         sync.Mutex
	selfWrites map[string]time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIgnoreDirs replaces the directory names skipped by Walk.
func WithIgnoreDirs(names ...string) StoreOption {
	return func(s *Store) {
		s.ignoreDirs = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.ignoreDirs[n] = struct{}{}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store rooted at root.
//
// Description:
//
//	Resolves root to an absolute, symlink-free path and verifies that it
//	is a directory.
//
// Inputs:
//
//	root - The workspace directory.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Store - The store.
//	error - Non-nil if root does not exist or is not a directory.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s: %w", abs, ErrNotRegular)
	}

	s := &Store{
		root:       abs,
		logger:     slog.Default(),
		selfWrites: make(map[string]time.Time),
	}
	WithIgnoreDirs(DefaultIgnoreDirs...)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string {
	return s.root
}

// Resolve maps a workspace path to an absolute path inside the root.
//
// Absolute inputs are accepted when they point inside the root.
func (s *Store) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty path: %w", ErrNotFound)
	}
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(s.root, path)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return abs, nil
}

// Rel returns the root-relative, slash-separated form of path.
func (s *Store) Rel(path string) string {
	abs, err := s.Resolve(path)
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// Exists reports whether path exists.
func (s *Store) Exists(path string) (bool, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(abs)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadDocument reads path as a Document.
//
// Outputs:
//
//	*Document - The file's lines.
//	error - ErrNotFound if missing, ErrNotRegular for directories.
func (s *Store) ReadDocument(path string) (*Document, error) {
	data, err := s.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDocument(data), nil
}

// ReadFile reads the raw bytes of path.
func (s *Store) ReadFile(path string) ([]byte, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}
	return os.ReadFile(abs)
}

// ReadRange returns lines [start, end) of path and the file's line count.
//
// The range is validated against the current content; it is never clamped.
//
// Outputs:
//
//	[]string - The requested lines.
//	int - Total line count of the file.
//	error - *BoundsError if the range does not fit.
func (s *Store) ReadRange(path string, start, end int) ([]string, int, error) {
	doc, err := s.ReadDocument(path)
	if err != nil {
		return nil, 0, err
	}
	if err := CheckRange(path, start, end, doc.Len()); err != nil {
		return nil, doc.Len(), err
	}
	return doc.Lines[start:end], doc.Len(), nil
}

// WriteDocument atomically replaces path with doc. The file must exist.
func (s *Store) WriteDocument(path string, doc *Document) error {
	return s.WriteFile(path, doc.Bytes())
}

// WriteFile atomically replaces the content of an existing file, keeping
// its permissions.
func (s *Store) WriteFile(path string, content []byte) error {
	abs, err := s.Resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", path, ErrNotRegular)
	}
	s.noteWrite(abs)
	if err := atomicWriteFile(abs, content, info.Mode().Perm()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.logger.Debug("file written",
		slog.String("path", path),
		slog.Int("bytes", len(content)),
	)
	return nil
}

// Create creates an empty file, adding parent directories as needed.
func (s *Store) Create(path string) error {
	abs, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create parents of %s: %w", path, err)
	}
	s.noteWrite(abs)
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrAlreadyExists)
		}
		return err
	}
	return f.Close()
}

// Remove deletes a file.
func (s *Store) Remove(path string) error {
	abs, err := s.Resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrNotRegular)
	}
	s.noteWrite(abs)
	return os.Remove(abs)
}

// Move renames oldPath to newPath, creating parent directories of newPath.
//
// Outputs:
//
//	error - ErrNotFound if oldPath is missing, ErrAlreadyExists if newPath exists.
func (s *Store) Move(oldPath, newPath string) error {
	src, err := s.Resolve(oldPath)
	if err != nil {
		return err
	}
	dst, err := s.Resolve(newPath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", oldPath, ErrNotFound)
		}
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s: %w", newPath, ErrAlreadyExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create parents of %s: %w", newPath, err)
	}
	s.noteWrite(src)
	s.noteWrite(dst)
	return os.Rename(src, dst)
}

// Walk calls fn with the root-relative, slash-separated path of every
// regular file in the tree, in lexical order. Dot-directories and the
// configured ignore directories are skipped.
func (s *Store) Walk(fn func(rel string) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.root && s.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel))
	})
}

// Files returns every path Walk would visit.
func (s *Store) Files() ([]string, error) {
	var files []string
	err := s.Walk(func(rel string) error {
		files = append(files, rel)
		return nil
	})
	sort.Strings(files)
	return files, err
}

func (s *Store) skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := s.ignoreDirs[name]
	return ok
}

// noteWrite records that the store is about to touch abs.
func (s *Store) noteWrite(abs string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfWrites[abs] = time.Now()
}

// wroteRecently reports whether the store touched abs within window.
func (s *Store) wroteRecently(abs string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.selfWrites[abs]
	return ok && time.Since(at) <= window
}

// atomicWriteFile writes content to a temp file in the target's directory
// and renames it over path.
func atomicWriteFile(path string, content []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return nil
}
