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
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"agentfs/internal/agentfs"
	"agentfs/internal/storage"
	"agentfs/internal/vfs"
)

var (
	mkdirParents   bool
	writeFrom      string
	lsLong         bool
	statNoFollow   bool
	rmRecursive    bool
	lnSymbolic     bool
	truncateToSize int64
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH...",
	Short: "Create directories",
	Long:  "Create directories. Missing parent directories are always created.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			for _, p := range args {
				var err error
				if mkdirParents {
					err = a.FS.MkdirAll(ctx, p)
				} else {
					err = a.FS.Mkdir(ctx, p)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write PATH",
	Short: "Replace a file's contents with stdin or --from",
	Long: `Write stdin (or the host file given by --from) to PATH, creating the file if
needed and replacing any previous contents. The parent directory must exist.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd)
		if err != nil {
			return err
		}
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			return a.FS.WriteFile(ctx, args[0], data)
		})
	},
}

var appendCmd = &cobra.Command{
	Use:   "append PATH",
	Short: "Append stdin or --from to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd)
		if err != nil {
			return err
		}
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			return a.FS.AppendFile(ctx, args[0], data)
		})
	},
}

var truncateCmd = &cobra.Command{
	Use:   "truncate PATH",
	Short: "Shrink or extend a file to --size bytes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			return a.FS.Truncate(ctx, args[0], truncateToSize)
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat PATH...",
	Short: "Print file contents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			for _, p := range args {
				data, err := a.FS.ReadFile(ctx, p)
				if err != nil {
					return err
				}
				if _, err := cmd.OutOrStdout().Write(data); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "/"
		if len(args) > 0 {
			dir = args[0]
		}
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			entries, err := a.FS.Readdir(ctx, dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				if !lsLong {
					fmt.Fprintln(out, e.Name)
					continue
				}
				name := e.Name
				if e.Kind == storage.KindSymlink {
					if target, err := a.FS.Readlink(ctx, path.Join(dir, e.Name)); err == nil {
						name += " -> " + target
					}
				}
				fmt.Fprintf(out, "%s %10d %s\n", modeString(e.Kind, e.Mode), e.Size, name)
			}
			return nil
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat PATH",
	Short: "Show inode metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			var (
				md  *vfs.Metadata
				err error
			)
			if statNoFollow {
				md, err = a.FS.Lstat(ctx, args[0])
			} else {
				md, err = a.FS.Stat(ctx, args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Path: %s\n", args[0])
			fmt.Fprintf(out, "Inode: %d\n", md.Ino)
			fmt.Fprintf(out, "Type: %s\n", md.Kind)
			fmt.Fprintf(out, "Mode: %s (%04o)\n", modeString(md.Kind, md.Mode), md.Mode&0o7777)
			fmt.Fprintf(out, "Size: %d\n", md.Size)
			if md.IsSymlink() {
				fmt.Fprintf(out, "Target: %s\n", md.LinkTarget)
			}
			fmt.Fprintf(out, "Created: %s\n", md.CreatedAt.Format(time.RFC3339Nano))
			fmt.Fprintf(out, "Modified: %s\n", md.ModifiedAt.Format(time.RFC3339Nano))
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm PATH...",
	Short: "Remove files, symlinks or directories",
	Long: `Remove each PATH. Directories must be empty unless -r is given, in which
case the whole subtree and its file contents are deleted. Symlinks are
removed themselves, never their targets.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			for _, p := range args {
				if err := a.FS.Remove(ctx, p, rmRecursive); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var lnCmd = &cobra.Command{
	Use:   "ln -s TARGET PATH",
	Short: "Create a symbolic link",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !lnSymbolic {
			return fmt.Errorf("hard links are not supported, use ln -s")
		}
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			return a.FS.Symlink(ctx, args[0], args[1])
		})
	},
}

var readlinkCmd = &cobra.Command{
	Use:   "readlink PATH",
	Short: "Print a symlink's target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			target, err := a.FS.Readlink(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv SRC DST",
	Short: "Rename or move an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *agentfs.AgentFS) error {
			return a.FS.Rename(ctx, args[0], args[1])
		})
	},
}

func init() {
	mkdirCmd.Flags().BoolVarP(&mkdirParents, "parents", "p", false, "no error if the directory already exists")
	writeCmd.Flags().StringVar(&writeFrom, "from", "", "read contents from this host file instead of stdin")
	appendCmd.Flags().StringVar(&writeFrom, "from", "", "read contents from this host file instead of stdin")
	truncateCmd.Flags().Int64VarP(&truncateToSize, "size", "s", 0, "new size in bytes")
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "show mode, size and link targets")
	statCmd.Flags().BoolVar(&statNoFollow, "no-follow", false, "describe a final symlink itself")
	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "remove directories and their contents")
	lnCmd.Flags().BoolVarP(&lnSymbolic, "symbolic", "s", false, "make a symbolic link")

	rootCmd.AddCommand(mkdirCmd, writeCmd, appendCmd, truncateCmd, catCmd, lsCmd,
		statCmd, rmCmd, lnCmd, readlinkCmd, mvCmd)
}

// readInput returns the --from file or all of stdin.
func readInput(cmd *cobra.Command) ([]byte, error) {
	if writeFrom != "" {
		return os.ReadFile(writeFrom)
	}
	return io.ReadAll(cmd.InOrStdin())
}

// modeString renders an ls-style mode such as drwxr-xr-x.
func modeString(kind storage.Kind, mode uint32) string {
	c := '-'
	switch kind {
	case storage.KindDirectory:
		c = 'd'
	case storage.KindSymlink:
		c = 'l'
	}
	return string(c) + os.FileMode(mode&0o777).String()[1:]
}
