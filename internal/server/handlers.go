package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/box/internal"
	"github.com/cruciblehq/box/internal/build"
	"github.com/cruciblehq/box/internal/protocol"
	"github.com/cruciblehq/box/internal/recipe"
)

// Handles a build command.
//
// Parses the recipe in the request and executes it against the engine. The
// build is cancelled if the client disconnects.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	if !filepath.IsAbs(req.Context) {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: fmt.Sprintf("%s: build context %q is not an absolute path", ErrInvalidRequest, req.Context),
		})
		return
	}

	r, err := recipe.Read(recipe.Format(req.Format), []byte(req.Recipe), req.Params)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	timeout := time.Duration(req.Timeout)
	if timeout == 0 {
		timeout = s.commandTimeout
	}

	result, err := build.Run(ctx, s.engine, r, build.Options{
		Root:           req.Context,
		CommandTimeout: timeout,
		VerifyFlatten:  req.VerifyFlatten,
		Logger:         slog.Default().With("context", req.Context),
	})
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{
		Tag:     result.Tag,
		Handle:  string(result.Handle),
		Session: result.Session,
		Layers:  result.Layers,
	})
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Builds:  builds,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go s.Stop()
}
