package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/cruciblehq/box/internal/server"
)

// Represents the 'box serve' command.
type ServeCmd struct {
	Timeout time.Duration `short:"t" help:"Default limit for each run directive when a request sets none."`
	DryRun  bool          `short:"n" help:"Serve builds from an in-memory engine."`
}

// Executes the serve command.
//
// Starts the daemon on a Unix domain socket and blocks until the context is
// cancelled (e.g. via SIGINT or SIGTERM) or a client requests shutdown. The
// engine is closed when the server stops.
func (c *ServeCmd) Run(ctx context.Context) error {
	engine, closeEngine, err := openEngine(c.DryRun)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		SocketPath:     RootCmd.Socket,
		CommandTimeout: c.Timeout,
	}, engine)

	if err := srv.Start(); err != nil {
		closeEngine()
		return err
	}

	slog.Info("box daemon is running")

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case <-waitFor(srv):
	}

	return srv.Stop()
}

// Returns a channel closed once the server stops.
func waitFor(srv *server.Server) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()
	return done
}
