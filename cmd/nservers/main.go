package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var rootFlags struct {
	logFormat string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nservers",
		Short:         "Jump consistent hashing for sharding keys across servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rootFlags.logFormat, "log-format", "json", "log format: json or text")
	root.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newJumpCmd(), newLocateCmd(), newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(rootFlags.logLevel)); err != nil {
		return nil, fmt.Errorf("bad --log-level %q", rootFlags.logLevel)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(rootFlags.logFormat) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("bad --log-format %q", rootFlags.logFormat)
	}
}

// parseKey accepts a decimal or 0x-prefixed hexadecimal uint64.
func parseKey(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("key %q is not an unsigned 64-bit integer", s)
	}
	return v, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nservers:", err)
		os.Exit(1)
	}
}
