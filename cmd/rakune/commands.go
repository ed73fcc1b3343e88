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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/rakune/pkg/ux"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	root        string
	personality string
	verbose     bool
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag
// state out of package globals, so tests can run commands side by side.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rakune",
		Short: "Drive a language model through edit, build and diagnose cycles",
		Long: `rakune applies an instruction to a source tree through a language model,
builds the result, and feeds build errors back to the model until the
project builds or the retry budget runs out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default: <root>/rakune.yaml)")
	rootCmd.PersistentFlags().StringVarP(&g.root, "root", "C", ".", "workspace root")
	rootCmd.PersistentFlags().StringVar(&g.personality, "personality", "", "output style: standard, minimal, machine")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging and the stage journal")

	rootCmd.AddCommand(
		newRunCmd(g),
		newDiagnoseCmd(g),
		newInitCmd(g),
		newVersionCmd(g),
	)
	return rootCmd
}

// printer returns the ux printer for cmd's streams.
func (g *globalFlags) printer(cmd *cobra.Command) *ux.Printer {
	f, _ := cmd.OutOrStdout().(*os.File)
	level := ux.DetectPersonality(f)
	if g.personality != "" {
		level = ux.ParsePersonalityLevel(g.personality)
	}
	return &ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr(), Level: level}
}
