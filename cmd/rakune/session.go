// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/rakune/cmd/rakune/config"
	"github.com/AleutianAI/rakune/pkg/logging"
	"github.com/AleutianAI/rakune/pkg/telemetry"
	"github.com/AleutianAI/rakune/pkg/ux"
	"github.com/AleutianAI/rakune/services/rakune/diagnostics"
	"github.com/AleutianAI/rakune/services/rakune/journal"
	"github.com/AleutianAI/rakune/services/rakune/project"
	"github.com/AleutianAI/rakune/services/rakune/workspace"
)

// session is the state every workspace command shares: configuration,
// logging, telemetry and the file store.
type session struct {
	cfg      config.RakuneConfig
	log      *logging.Logger
	logger   *slog.Logger
	printer  *ux.Printer
	store    *workspace.Store
	language string
	build    []string
	lint     []string
	journal  *journal.Journal

	closers []func(context.Context) error
}

// openSession loads configuration and opens the workspace.
//
// Description:
//
//	Explicit build and lint vectors from the config win over project
//	detection. Detection failing is only an error when no build command
//	is configured.
//
// Outputs:
//
//	*session - Close it when done.
//	error - Wraps config.ErrInvalid for configuration problems.
func openSession(ctx context.Context, cmd *cobra.Command, g *globalFlags) (*session, error) {
	cfg, err := config.Load(g.root, g.configPath)
	if err != nil {
		return nil, err
	}
	if g.verbose {
		cfg.Logging.Level = "debug"
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	format := logging.FormatAuto
	if cfg.Logging.JSON {
		format = logging.FormatJSON
	}
	log := logging.New(logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  cfg.Logging.Dir,
		Service: "rakune",
		Output:  cmd.ErrOrStderr(),
	})

	s := &session{cfg: cfg, log: log, logger: log.Slog(), printer: g.printer(cmd)}
	s.closers = append(s.closers, func(context.Context) error { return log.Close() })

	if err := s.openWorkspace(); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *session) openWorkspace() error {
	ws := s.cfg.Workspace
	store, err := workspace.NewStore(ws.Root,
		workspace.WithIgnoreDirs(ws.IgnoreDirs...),
		workspace.WithLogger(s.logger),
	)
	if err != nil {
		return fmt.Errorf("%w: workspace: %v", config.ErrInvalid, err)
	}
	s.store = store

	s.build = s.cfg.Build.Command
	s.lint = s.cfg.Build.Lint
	s.language = s.cfg.Build.Language

	p, err := project.Detect(store.Root())
	switch {
	case err == nil:
		if len(s.build) == 0 {
			s.build = p.Build
		}
		if len(s.cfg.Build.Lint) == 0 {
			s.lint = p.Lint
		}
		if s.language == "" {
			s.language = string(p.Language)
		}
		s.logger.Debug("project detected",
			slog.String("language", string(p.Language)),
			slog.String("marker", p.Marker),
			slog.String("module", p.Module),
		)
	case len(s.build) == 0:
		return fmt.Errorf("%w: no build command configured and %v", config.ErrInvalid, err)
	}
	return nil
}

// extractor builds the diagnostics extractor for the session's commands.
func (s *session) extractor() (*diagnostics.Extractor, error) {
	return diagnostics.NewExtractor(diagnostics.Config{
		Build:   s.build,
		Lint:    s.lint,
		Dir:     s.store.Root(),
		Timeout: s.cfg.Build.Timeout,
		Matcher: diagnostics.MatcherFor(s.language, s.cfg.Build.Markers),
	}, diagnostics.WithLogger(s.logger))
}

// startTelemetry installs the otel providers and, when configured, serves
// /metrics.
func (s *session) startTelemetry(ctx context.Context, version string) error {
	tcfg := s.cfg.Telemetry
	tcfg.ServiceVersion = version
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("%w: telemetry: %v", config.ErrInvalid, err)
	}
	s.closers = append(s.closers, shutdown)

	handler := telemetry.MetricsHandler()
	if handler == nil || tcfg.PrometheusPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(tcfg.PrometheusPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	s.logger.Debug("serving metrics", slog.String("addr", srv.Addr))
	s.closers = append(s.closers, srv.Shutdown)
	return nil
}

// Close releases everything in reverse order of acquisition.
func (s *session) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil && s.logger != nil {
			s.logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}
	s.closers = nil
}
