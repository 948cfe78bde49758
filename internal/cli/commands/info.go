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
	"net/url"

	"github.com/spf13/cobra"

	"agentfs/internal/agentfs"
	"agentfs/internal/config"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show configuration and storage usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			stats, err := a.FS.Usage(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			source := configPath
			if source == "" {
				source = config.Path()
			}
			fmt.Fprintf(out, "Config: %s\n", source)
			fmt.Fprintf(out, "Agent: %s\n", cfg.AgentID)
			fmt.Fprintf(out, "Mount: %s\n", a.FS.MountPath())
			fmt.Fprintf(out, "Database: %s (%s)\n", describeDatabase(), a.Store().Backend().Dialect())
			fmt.Fprintf(out, "Inodes: %d (%d directories, %d files, %d symlinks)\n",
				stats.Inodes, stats.Directories, stats.Files, stats.Symlinks)
			fmt.Fprintf(out, "Data: %d bytes in %d chunks (%d stored)\n", stats.Bytes, stats.Chunks, stats.StoredBytes)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

// redactDSN hides the password of a connection URL.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "postgres"
	}
	return u.Redacted()
}
