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
	"os"

	"github.com/spf13/cobra"

	"agentfs/internal/agentfs"
	"agentfs/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config file and database",
	Long: `Write the default config.yaml to the config directory ($AGENTFS_CONFIG_DIR,
default ~/.agentfs) unless one exists, then create the database schema.

Running init again is safe: an existing config is never overwritten.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	existed := false
	if _, err := os.Stat(config.Path()); err == nil {
		existed = true
	}
	path, err := config.Init()
	if err != nil {
		return err
	}
	if existed {
		fmt.Fprintf(out, "Reinitialized existing AgentFS config in %s\n", config.Dir())
		fmt.Fprintf(out, "  config.yaml already exists (not modified)\n")
	} else {
		fmt.Fprintf(out, "Initialized AgentFS config in %s\n", config.Dir())
		fmt.Fprintf(out, "  created config.yaml\n")
	}

	// Pick up the file just written unless --config pointed elsewhere.
	if configPath == "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if dbFlag != "" {
			loaded.SetDatabase(dbFlag)
		}
		cfg = loaded
	}

	return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
		stats, err := a.FS.Usage(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  database: %s (%s, %d inodes)\n", describeDatabase(), a.Store().Backend().Dialect(), stats.Inodes)
		return nil
	})
}

// describeDatabase returns where the configured database lives, without
// credentials.
func describeDatabase() string {
	if cfg.Storage.Driver == "postgres" {
		return redactDSN(cfg.Storage.DSN)
	}
	return cfg.DatabasePath()
}
