// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records what each stage of a convergence run did.
//
// Events live in an in-memory badger instance and are gone when the
// process exits. The journal exists so a run can be explained after the
// fact by the CLI, not to resume or replay runs.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Stage names a step of the convergence loop.
type Stage string

const (
	StageSnapshot Stage = "snapshot"
	StageGenerate Stage = "generate"
	StageApply    Stage = "apply"
	StageBuild    Stage = "build"
	StageFinalize Stage = "finalize"
	StageCommit   Stage = "commit"
)

// Event is one journal entry.
type Event struct {
	RunID           string        `json:"run_id"`
	Seq             uint64        `json:"seq"`
	Time            time.Time     `json:"time"`
	Cycle           int           `json:"cycle"`
	Stage           Stage         `json:"stage"`
	Lineage         string        `json:"lineage,omitempty"`
	Comment         string        `json:"comment,omitempty"`
	Transformations int           `json:"transformations,omitempty"`
	Diagnostics     int           `json:"diagnostics,omitempty"`
	Attempts        int           `json:"attempts,omitempty"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
}

// Journal is an in-memory, append-only event log keyed by run.
//
// # Thread Safety
//
// Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger

	mu  sync.Mutex
	seq map[string]uint64
}

// Open creates an empty in-memory journal.
//
// Inputs:
//
//	logger - Receives badger's internal log lines. Nil silences them.
//
// Outputs:
//
//	*Journal - The journal. Close it when done.
//	error - Non-nil if badger fails to start.
func Open(logger *slog.Logger) (*Journal, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db, logger: logger, seq: make(map[string]uint64)}, nil
}

// Record appends ev to its run. Seq and, if zero, Time are assigned here.
func (j *Journal) Record(ctx context.Context, ev Event) error {
	if ev.RunID == "" {
		return errors.New("journal event has no run id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	j.seq[ev.RunID]++
	ev.Seq = j.seq[ev.RunID]
	j.mu.Unlock()

	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode journal event: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(ev.RunID, ev.Seq), value)
	})
	if err != nil {
		return fmt.Errorf("write journal event: %w", err)
	}
	return nil
}

// Events returns every event of runID in the order it was recorded.
func (j *Journal) Events(runID string) ([]Event, error) {
	var events []Event
	prefix := runPrefix(runID)
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev Event
				if err := json.Unmarshal(val, &ev); err != nil {
					return err
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read journal for run %s: %w", runID, err)
	}
	return events, nil
}

// Close releases the in-memory store.
func (j *Journal) Close() error {
	return j.db.Close()
}

func runPrefix(runID string) []byte {
	return []byte("run/" + runID + "/")
}

// eventKey zero-pads seq so byte order matches record order.
func eventKey(runID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("run/%s/%020d", runID, seq))
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
