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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"agentfs/internal/agentfs"
	"agentfs/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Root flags
var (
	configPath  string
	dbFlag      string
	logLevel    string
	metricsAddr string
)

// cfg is loaded once per invocation by the root PersistentPreRunE.
var cfg *config.Config

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "agentfs",
	Short: "Filesystem, key-value store and tool-call log for AI agents",
	Long: `AgentFS keeps an agent's files, key-value state and tool-call history in a
single database (SQLite by default, PostgreSQL optionally).

Paths are absolute; the mount prefix (default /agent) is optional, so
/agent/notes.txt and /notes.txt name the same file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbFlag != "" {
			loaded.SetDatabase(dbFlag)
		}
		if logLevel != "" {
			loaded.Logging.Level = strings.ToLower(logLevel)
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		setupLogging(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("agentfs version {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default $AGENTFS_CONFIG_DIR/config.yaml or ~/.agentfs/config.yaml)")
	pf.StringVar(&dbFlag, "db", "", "SQLite file or postgres:// DSN, overrides the config")
	pf.StringVar(&logLevel, "log-level", "", "none, error, warn, info, debug or trace")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
}

// setupLogging configures the global logrus logger.
func setupLogging(w io.Writer, level, format string) {
	if level == "none" {
		log.SetOutput(io.Discard)
		return
	}
	log.SetOutput(w)
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// withAgent opens the configured database, runs fn and closes it again.
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *agentfs.AgentFS) error) (err error) {
	ctx := cmd.Context()
	a, err := agentfs.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if metricsAddr != "" {
		stop, err := serveMetrics(a, metricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}
	return fn(ctx, a)
}

// metricsHandler exposes the instance registry, or 404 when metrics are
// disabled.
func metricsHandler(a *agentfs.AgentFS) http.Handler {
	mux := http.NewServeMux()
	if reg := a.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux
}

func serveMetrics(a *agentfs.AgentFS, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: metricsHandler(a), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("[AGENTFS] metrics server: %v", err)
		}
	}()
	log.Infof("[AGENTFS] serving metrics on http://%s/metrics", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// Execute runs the root command, cancelling on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
