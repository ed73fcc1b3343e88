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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/rakune/cmd/rakune/config"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default rakune.yaml to the workspace root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := g.configPath
			if path == "" {
				path = filepath.Join(g.root, config.FileName)
			}
			if err := config.WriteDefault(path); err != nil {
				return usageErrorf("%v", err)
			}
			g.printer(cmd).Success("wrote " + path)
			return nil
		},
	}
}
