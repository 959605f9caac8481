// Package cmd implements the watchtower command line.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

type rootOptions struct {
	stateDir string
	logLevel string
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "watchtower",
		Short: "Watchtower dashboard session tools and reference SSO server",
		Long: `Watchtower drives the dashboard's authentication session and profile
navigation hand-off from the command line, and runs the reference SSO backend.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.stateDir, "state-dir", defaultStateDir(),
		"Directory for client state (cookies, pending navigation)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn",
		"Log level: debug, info, warn or error")

	root.AddCommand(
		newServerCmd(opts),
		newStatusCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newLinkCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := newRootCmd().Execute(); err != nil {
		memguard.SafeExit(1)
	}
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "watchtower"
	}
	return ".watchtower"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
