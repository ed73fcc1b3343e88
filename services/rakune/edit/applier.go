// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/rakune/services/rakune/workspace"
)

// binarySniffLen is how much of a file is checked for NUL bytes before a
// rename rewrites it.
const binarySniffLen = 8 << 10

// defaultScanWorkers bounds concurrent reads during RenameSymbol.
const defaultScanWorkers = 8

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Applier applies transformations to a workspace.Store.
//
// Application is not transactional: when ApplyAll fails partway, the
// transformations before the failure stay on disk.
//
// # Thread Safety
//
// Not safe for concurrent use on the same tree.
type Applier struct {
	store       *workspace.Store
	logger      *slog.Logger
	scanWorkers int
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithApplierLogger sets the logger.
func WithApplierLogger(logger *slog.Logger) ApplierOption {
	return func(a *Applier) {
		a.logger = logger
	}
}

// WithScanWorkers sets how many files RenameSymbol reads concurrently.
func WithScanWorkers(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.scanWorkers = n
		}
	}
}

// NewApplier creates an Applier over store.
func NewApplier(store *workspace.Store, opts ...ApplierOption) *Applier {
	a := &Applier{
		store:       store,
		logger:      slog.Default(),
		scanWorkers: defaultScanWorkers,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ApplyAll applies ts in order and stops at the first failure.
//
// Outputs:
//
//	int - How many transformations were applied before the failure.
//	error - The failure, or nil.
func (a *Applier) ApplyAll(ctx context.Context, ts []Transformation) (int, error) {
	for i, t := range ts {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := a.Apply(ctx, t); err != nil {
			return i, err
		}
	}
	return len(ts), nil
}

// Apply applies a single transformation.
//
// Description:
//
//	Dispatches on the variant. Every variant in this package has defined
//	semantics; any other Transformation implementation is rejected with
//	an ApplyUnsupported error. Line ranges are validated against the
//	file as it is on disk now, and a failed validation leaves the file
//	untouched.
//
// Inputs:
//
//	ctx - Used for tracing and to stop RenameSymbol scans.
//	t - The transformation.
//
// Outputs:
//
//	error - *ApplyError for contract violations; other errors are I/O
//	        failures.
func (a *Applier) Apply(ctx context.Context, t Transformation) (err error) {
	kind := KindUnknown
	if t != nil {
		kind = t.Kind()
	}
	ctx, span := tracer.Start(ctx, "Applier.Apply")
	span.SetAttributes(attribute.String("edit.kind", kind.String()))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		recordApplyMetrics(ctx, kind, time.Since(start), err)
	}()

	switch v := t.(type) {
	case UpdateFragment:
		err = a.applyUpdate(v)
	case InsertFragment:
		err = a.applyInsert(v)
	case CreateFile:
		err = a.mapStoreErr(KindCreateFile, v.Path, a.store.Create(v.Path))
	case DeleteFile:
		err = a.mapStoreErr(KindDeleteFile, v.Path, a.store.Remove(v.Path))
	case MoveFile:
		err = a.mapStoreErr(KindMoveFile, v.Old+" -> "+v.New, a.store.Move(v.Old, v.New))
	case RenameSymbol:
		err = a.applyRename(ctx, v)
	case nil:
		err = unsupported(KindUnknown, "", "nil transformation")
	default:
		err = unsupported(kind, "", fmt.Sprintf("no handler for %T", t))
	}

	if err == nil {
		a.logger.Debug("transformation applied", slog.String("transformation", Describe(t)))
	}
	return err
}

func (a *Applier) applyUpdate(u UpdateFragment) error {
	f := u.Fragment
	doc, err := a.store.ReadDocument(f.FilePath)
	if err != nil {
		return a.mapStoreErr(KindUpdateFragment, f.FilePath, err)
	}
	if err := f.Validate(doc.Len()); err != nil {
		return a.mapStoreErr(KindUpdateFragment, f.FilePath, err)
	}
	doc.Splice(f.Start, f.End, u.UpdatedLines)
	return a.mapStoreErr(KindUpdateFragment, f.FilePath, a.store.WriteDocument(f.FilePath, doc))
}

func (a *Applier) applyInsert(ins InsertFragment) error {
	doc, err := a.store.ReadDocument(ins.FilePath)
	if err != nil {
		return a.mapStoreErr(KindInsertFragment, ins.FilePath, err)
	}
	if err := workspace.CheckRange(ins.FilePath, ins.LineNo, ins.LineNo, doc.Len()); err != nil {
		return a.mapStoreErr(KindInsertFragment, ins.FilePath, err)
	}
	doc.Splice(ins.LineNo, ins.LineNo, ins.Content)
	return a.mapStoreErr(KindInsertFragment, ins.FilePath, a.store.WriteDocument(ins.FilePath, doc))
}

// applyRename replaces whole-token occurrences of r.Old with r.New in
// every text file the store walks. Files are read concurrently and
// written one at a time.
func (a *Applier) applyRename(ctx context.Context, r RenameSymbol) error {
	if !identPattern.MatchString(r.Old) || !identPattern.MatchString(r.New) {
		return unsupported(KindRenameSymbol, r.Old, fmt.Sprintf("%q -> %q is not an identifier rename", r.Old, r.New))
	}
	if r.Old == r.New {
		return unsupported(KindRenameSymbol, r.Old, "old and new names are identical")
	}

	files, err := a.store.Files()
	if err != nil {
		return fmt.Errorf("rename %s: list files: %w", r.Old, err)
	}

	token := regexp.MustCompile(`\b` + regexp.QuoteMeta(r.Old) + `\b`)
	rewritten := make([][]byte, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.scanWorkers)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := a.store.ReadFile(path)
			if err != nil {
				return err
			}
			if isBinary(data) || !token.Match(data) {
				return nil
			}
			rewritten[i] = token.ReplaceAllLiteral(data, []byte(r.New))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("rename %s: scan: %w", r.Old, err)
	}

	changed := 0
	for i, data := range rewritten {
		if data == nil {
			continue
		}
		if err := a.store.WriteFile(files[i], data); err != nil {
			return a.mapStoreErr(KindRenameSymbol, files[i], err)
		}
		changed++
	}
	if changed == 0 {
		return &ApplyError{Kind: ApplyNotFound, Op: KindRenameSymbol, Path: r.Old,
			Err: errors.New("symbol does not occur in the workspace")}
	}
	a.logger.Debug("symbol renamed",
		slog.String("old", r.Old),
		slog.String("new", r.New),
		slog.Int("files", changed),
	)
	return nil
}

// mapStoreErr converts workspace errors into ApplyErrors. Errors outside
// the taxonomy are returned wrapped as I/O failures.
func (a *Applier) mapStoreErr(op Kind, path string, err error) error {
	if err == nil {
		return nil
	}
	var be *workspace.BoundsError
	switch {
	case errors.As(err, &be):
		return &ApplyError{Kind: ApplyOutOfBounds, Op: op, Path: path,
			Start: be.Start, End: be.End, ActualLen: be.Len, Err: err}
	case errors.Is(err, workspace.ErrNotFound):
		return &ApplyError{Kind: ApplyNotFound, Op: op, Path: path, Err: err}
	case errors.Is(err, workspace.ErrAlreadyExists):
		return &ApplyError{Kind: ApplyAlreadyExists, Op: op, Path: path, Err: err}
	case errors.Is(err, workspace.ErrOutsideRoot), errors.Is(err, workspace.ErrNotRegular):
		return &ApplyError{Kind: ApplyUnsupported, Op: op, Path: path, Err: err}
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}
