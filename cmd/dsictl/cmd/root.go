// Package cmd implements dsictl's command line: a thin gRPC client over
// dsid's unix socket, shaped after talosctl's one-subcommand-per-file
// cobra tree.
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dsu-project/dsid/internal/pkg/service"
)

// Exit codes follow BSD sysexits.h, matching talosctl's convention of
// mapping usage/internal/permission errors onto distinct shell exit
// statuses rather than a flat 0/1.
const (
	exitOK      = 0
	exitUsage   = 64
	exitSoftware = 70
	exitNoPerm  = 77
)

var flags struct {
	socketPath string
}

var rootCmd = &cobra.Command{
	Use:           "dsictl",
	Short:         "Control dsid, the dynamic system installer daemon",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.socketPath, "socket", "/run/dsid/dsid.sock", "dsid unix socket path")
}

// Execute runs the command tree and returns a sysexits-style exit code
// alongside the error that produced it, if any.
func Execute() (int, error) {
	_, err := rootCmd.ExecuteC()
	if err == nil {
		return exitOK, nil
	}

	var usageErr usageError
	if errors.As(err, &usageErr) {
		return exitUsage, err
	}

	// A refusal from the daemon arrives as a gRPC status error that
	// carries only ErrUnauthorized's text, so errors.Is alone misses it.
	if errors.Is(err, service.ErrUnauthorized) || strings.Contains(err.Error(), service.ErrUnauthorized.Error()) {
		return exitNoPerm, err
	}

	return exitSoftware, err
}

// usageError marks an error as a CLI argument/usage problem (exit 64)
// rather than a daemon-side failure (exit 70).
type usageError struct{ error }

func newUsageError(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}
