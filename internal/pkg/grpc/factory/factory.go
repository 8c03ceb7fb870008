// Package factory adapts Talos's internal/pkg/grpc/factory Listen/
// Registrator pattern to a single privileged unix-socket listener: dsid
// serves exactly one service (the installer) over one socket, so there is
// no TLS/port configuration to thread through, only the socket path and
// the server options a caller wants applied (e.g. privilege interceptors).
package factory

import (
	"context"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"
)

// Registrator is implemented by the installer service so it can register
// itself against a freshly constructed *grpc.Server.
type Registrator interface {
	Register(*grpc.Server)
}

// Options configures Listen.
type Options struct {
	SocketPath    string
	ServerOptions []grpc.ServerOption
}

// Option is a functional option over Options.
type Option func(*Options)

// WithSocketPath sets the unix socket path to listen on.
func WithSocketPath(path string) Option {
	return func(o *Options) { o.SocketPath = path }
}

// WithServerOptions appends grpc.ServerOption values (e.g. unary
// interceptors enforcing caller privilege tiers).
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *Options) { o.ServerOptions = append(o.ServerOptions, opts...) }
}

// Listen builds a *grpc.Server, registers r against it, binds the unix
// socket (removing any stale socket file first), and serves until ctx is
// canceled, at which point it gracefully stops the server and returns nil.
func Listen(ctx context.Context, r Registrator, setters ...Option) error {
	opts := &Options{}
	for _, setter := range setters {
		setter(opts)
	}

	if opts.SocketPath == "" {
		return fmt.Errorf("factory: a socket path is required")
	}

	if err := os.Remove(opts.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("factory: removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", opts.SocketPath)
	if err != nil {
		return fmt.Errorf("factory: listening on %s: %w", opts.SocketPath, err)
	}

	server := grpc.NewServer(opts.ServerOptions...)
	r.Register(server)

	errCh := make(chan error, 1)

	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.GracefulStop()

		return nil
	case err := <-errCh:
		return err
	}
}
