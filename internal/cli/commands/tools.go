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
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentfs/internal/agentfs"
	"agentfs/internal/tools"
)

var (
	toolsName   string
	toolsLimit  int
	toolsSince  time.Duration
	toolsParams string
	toolsResult string
	toolsError  string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect and append to the tool-call log",
}

var toolsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent tool calls, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			f := tools.Filter{ToolName: toolsName, Limit: toolsLimit}
			if toolsSince > 0 {
				f.Since = time.Now().Add(-toolsSince)
			}
			calls, err := a.Tools.Query(ctx, f)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOOL\tSTARTED\tDURATION\tSTATUS")
			for i := range calls {
				c := &calls[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.ToolName,
					c.StartedAt.Local().Format(time.DateTime), formatDuration(c), callStatus(c))
			}
			return w.Flush()
		})
	},
}

var toolsShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one tool call as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			call, err := a.Tools.Get(ctx, args[0])
			if err != nil {
				return err
			}
			out := struct {
				ID        string          `json:"id"`
				Tool      string          `json:"tool"`
				Params    json.RawMessage `json:"params,omitempty"`
				Result    json.RawMessage `json:"result,omitempty"`
				Error     string          `json:"error,omitempty"`
				StartedAt time.Time       `json:"started_at"`
				EndedAt   *time.Time      `json:"ended_at,omitempty"`
			}{
				ID:        call.ID,
				Tool:      call.ToolName,
				Params:    call.Params,
				Result:    call.Result,
				Error:     call.Error,
				StartedAt: call.StartedAt,
			}
			if !call.Pending() {
				out.EndedAt = &call.EndedAt
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		})
	},
}

var toolsRecordCmd = &cobra.Command{
	Use:   "record TOOL",
	Short: "Append a finished tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		call := tools.Call{ToolName: args[0], Error: toolsError}
		for _, f := range []struct {
			flag  string
			value string
			dst   *json.RawMessage
		}{
			{"params", toolsParams, &call.Params},
			{"result", toolsResult, &call.Result},
		} {
			if f.value == "" {
				continue
			}
			if !json.Valid([]byte(f.value)) {
				return fmt.Errorf("--%s is not valid JSON", f.flag)
			}
			*f.dst = json.RawMessage(f.value)
		}
		if call.Error != "" && call.Result != nil {
			return errors.New("--result and --error are mutually exclusive")
		}
		call.StartedAt = time.Now()
		call.EndedAt = call.StartedAt
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			id, err := a.Tools.Record(ctx, call)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

func init() {
	toolsLsCmd.Flags().StringVar(&toolsName, "name", "", "only calls to this tool")
	toolsLsCmd.Flags().IntVarP(&toolsLimit, "limit", "n", 20, "maximum number of calls, 0 for all")
	toolsLsCmd.Flags().DurationVar(&toolsSince, "since", 0, "only calls started within this duration")
	toolsRecordCmd.Flags().StringVar(&toolsParams, "params", "", "call parameters as JSON")
	toolsRecordCmd.Flags().StringVar(&toolsResult, "result", "", "call result as JSON")
	toolsRecordCmd.Flags().StringVar(&toolsError, "error", "", "error message of a failed call")

	toolsCmd.AddCommand(toolsLsCmd, toolsShowCmd, toolsRecordCmd)
	rootCmd.AddCommand(toolsCmd)
}

func formatDuration(c *tools.Call) string {
	if c.Pending() {
		return "-"
	}
	return c.Duration().Round(time.Millisecond).String()
}

func callStatus(c *tools.Call) string {
	switch {
	case c.Pending():
		return "pending"
	case c.Error != "":
		return "error: " + c.Error
	default:
		return "ok"
	}
}
