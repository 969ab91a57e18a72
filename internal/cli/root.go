// Copyright 2026 Autoflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli defines the autoflow command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// NewRootCommand creates the root Cobra command for Autoflow
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autoflow",
		Short: "Autoflow - cross-service workflow automation",
		Long: `Autoflow turns natural-language instructions into executable
cross-service workflows. It generates a workflow definition from an
instruction, layers it into a parallel execution plan, and runs the
plan against registered service adapters.

Run 'autoflow serve' to start the HTTP daemon.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.SetHelpCommand(newHelpCommand(cmd))

	return cmd
}
