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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// LockPath returns the lock file used for root. It lives in the system temp
// directory so it never shows up in the tree's diff or commits.
func LockPath(root string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(root)))
	return filepath.Join(os.TempDir(), "rakune-"+hex.EncodeToString(sum[:8])+".lock")
}

// lockRetryDelay is the polling interval while waiting for the lock.
const lockRetryDelay = 10 * time.Millisecond

// RunLock is an advisory, process-level lock on a workspace.
//
// It only excludes other rakune runs; editors and build tools ignore it.
type RunLock struct {
	fl *flock.Flock
}

// AcquireRunLock takes the run lock for root, waiting up to timeout.
//
// Description:
//
//	A zero timeout tries once and fails immediately if the lock is held.
//
// Inputs:
//
//	ctx - Cancels the wait.
//	root - The workspace root.
//	timeout - Maximum wait.
//
// Outputs:
//
//	*RunLock - The held lock; release with Release.
//	error - ErrLocked if another run holds it.
func AcquireRunLock(ctx context.Context, root string, timeout time.Duration) (*RunLock, error) {
	fl := flock.New(LockPath(root))

	if timeout <= 0 {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return nil, ErrLocked
		}
		return &RunLock{fl: fl}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := fl.TryLockContext(waitCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &RunLock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	return l.fl.Path()
}

// Release unlocks. Safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
