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
	"io"

	"github.com/spf13/cobra"

	"agentfs/internal/agentfs"
)

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Read and write the agent's key-value store",
	Long: `Keys are scoped to the configured agent_id, so two agents sharing one
database never see each other's entries.`,
}

var kvGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print a value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			value, err := a.KV.Get(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(value)
			return err
		})
	},
}

var kvSetCmd = &cobra.Command{
	Use:   "set KEY [VALUE]",
	Short: "Store a value, read from stdin when VALUE is omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value []byte
		if len(args) == 2 {
			value = []byte(args[1])
		} else {
			var err error
			if value, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return err
			}
		}
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			return a.KV.Set(ctx, args[0], value)
		})
	},
}

var kvRmCmd = &cobra.Command{
	Use:   "rm KEY...",
	Short: "Delete keys",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			for _, key := range args {
				if err := a.KV.Delete(ctx, key); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var kvLsCmd = &cobra.Command{
	Use:   "ls [PREFIX]",
	Short: "List keys",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			keys, err := a.KV.Scan(ctx, prefix)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		})
	},
}

func init() {
	kvCmd.AddCommand(kvGetCmd, kvSetCmd, kvRmCmd, kvLsCmd)
	rootCmd.AddCommand(kvCmd)
}
