// Copyright 2024 AgentFS Authors
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

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agentfs/internal/agentfs"
	"agentfs/internal/hostfs"
)

var (
	importNoGitignore bool
	importExcludes    []string
)

var importCmd = &cobra.Command{
	Use:   "import SRC [DEST]",
	Short: "Copy a host file or directory tree into the filesystem",
	Long: `Copy the host path SRC into the agent filesystem at DEST (default: the
root). Directories are merged into DEST; existing files are overwritten.

.git is always skipped and .gitignore rules found under SRC are honored
unless --no-gitignore is given.

Examples:
  agentfs import ./project /project
  agentfs import --exclude node_modules --exclude dist ./web /web`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := "/"
		if len(args) > 1 {
			dest = args[1]
		}
		filter := hostfs.NewFilter(args[0], !importNoGitignore, importExcludes)
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			sum, err := hostfs.Import(ctx, a.FS, args[0], dest, filter)
			if err != nil {
				return err
			}
			printSummary(cmd, "Imported", sum)
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export SRC DEST",
	Short: "Copy a file or subtree out to the host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			sum, err := hostfs.Export(ctx, a.FS, args[0], args[1])
			if err != nil {
				return err
			}
			printSummary(cmd, "Exported", sum)
			return nil
		})
	},
}

func init() {
	importCmd.Flags().BoolVar(&importNoGitignore, "no-gitignore", false, "copy files matched by .gitignore too")
	importCmd.Flags().StringSliceVar(&importExcludes, "exclude", nil, "skip this path relative to SRC (repeatable)")
	rootCmd.AddCommand(importCmd, exportCmd)
}

func printSummary(cmd *cobra.Command, verb string, sum hostfs.Summary) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d files (%d bytes), %d directories, %d symlinks", verb, sum.Files, sum.Bytes, sum.Dirs, sum.Symlinks)
	if sum.Skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), ", skipped %d", sum.Skipped)
	}
	fmt.Fprintln(cmd.OutOrStdout())
}
