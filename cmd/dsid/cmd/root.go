// Package cmd implements dsid's command line: a single long-running
// daemon command, following the flat single-command shape of Talos's
// other small daemons (e.g. cmd/installer) rather than talosctl's
// multi-group tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/stats"

	"github.com/dsu-project/dsid/api/dsi"
	"github.com/dsu-project/dsid/internal/pkg/bootstatus"
	"github.com/dsu-project/dsid/internal/pkg/config"
	"github.com/dsu-project/dsid/internal/pkg/grpc/factory"
	"github.com/dsu-project/dsid/internal/pkg/imagestore"
	"github.com/dsu-project/dsid/internal/pkg/progress"
	"github.com/dsu-project/dsid/internal/pkg/service"
)

// defaultShellUID is the uid granted TierSystemOrShell access; on
// Android this is AID_SHELL. It is a flag rather than a hardcoded
// platform constant since dsid also targets non-Android Linux hosts.
const defaultShellUID = 2000

var flags struct {
	socketPath  string
	metadataDir string
	dataDir     string
	configPath  string
	allowedRoot []string
	shellUID    uint32
	debug       bool
}

var rootCmd = &cobra.Command{
	Use:           "dsid",
	Short:         "Dynamic system installer daemon",
	Long:          `dsid installs a Generic System Image onto a secondary, wipeable set of partitions without touching the primary system.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

// Execute adds all child commands to rootCmd and runs it.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	_, err := rootCmd.ExecuteContextC(ctx)

	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.socketPath, "socket", "/run/dsid/dsid.sock", "unix socket path to serve the installer API on")
	rootCmd.PersistentFlags().StringVar(&flags.metadataDir, "metadata-dir", "/metadata/gsi", "directory holding boot-status marker files")
	rootCmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "/data/gsi", "directory holding backing image files")
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "optional YAML config file overlaying the defaults")
	rootCmd.PersistentFlags().StringSliceVar(&flags.allowedRoot, "allowed-root", nil, "additional install-directory prefix to allow (repeatable)")
	rootCmd.PersistentFlags().Uint32Var(&flags.shellUID, "shell-uid", defaultShellUID, "uid granted read-only (System-or-shell tier) API access")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
}

func newLogger() (*zap.Logger, error) {
	if flags.debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

// bootedInstalled reports whether the running kernel was booted from the
// installed image, by checking /proc/cmdline for a dsid.booted=1
// marker; kept as a narrow function so tests can stub it out entirely.
func bootedInstalled() bool {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return false
	}

	return strings.Contains(string(data), "dsid.booted=1")
}

type connStatsHandler struct {
	svc *service.Service
}

func (h *connStatsHandler) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context { return ctx }
func (h *connStatsHandler) HandleRPC(context.Context, stats.RPCStats)                        {}
func (h *connStatsHandler) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return ctx
}

func (h *connStatsHandler) HandleConn(_ context.Context, s stats.ConnStats) {
	switch s.(type) {
	case *stats.ConnBegin:
		h.svc.ClientConnected()
	case *stats.ConnEnd:
		h.svc.ClientDisconnected()
	}
}

func run(ctx context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("dsid: constructing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	if flags.metadataDir != "" {
		cfg.MetadataDir = flags.metadataDir
	}

	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}

	if flags.socketPath != "" {
		cfg.SocketPath = flags.socketPath
	}

	cfg.AllowedRoots = append(cfg.AllowedRoots, flags.allowedRoot...)

	for _, dir := range []string{cfg.MetadataDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("dsid: creating %s: %w", dir, err)
		}
	}

	store, err := imagestore.Open(cfg.MetadataDir, cfg.DataDir, imagestore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("dsid: opening image store: %w", err)
	}

	boot := bootstatus.New(cfg.MetadataDir, store, logger, bootedInstalled)

	svc := service.New(&cfg, store, boot, progress.New(), logger, flags.shellUID)

	if err := svc.RunStartupTasks(); err != nil {
		return fmt.Errorf("dsid: startup recovery: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc.OnLastClientDisconnected(func() {
		logger.Info("last client disconnected, shutting down")
		cancel()
	})

	logger.Info("dsid starting", zap.String("socket", cfg.SocketPath))

	registrator := registratorFunc(func(s *grpc.Server) {
		s.RegisterService(&dsi.ServiceDesc, svc)
	})

	return factory.Listen(ctx, registrator,
		factory.WithSocketPath(cfg.SocketPath),
		factory.WithServerOptions(
			grpc.Creds(service.PeerCredCreds{}),
			grpc.StatsHandler(&connStatsHandler{svc: svc}),
		),
	)
}

type registratorFunc func(*grpc.Server)

func (f registratorFunc) Register(s *grpc.Server) { f(s) }
