package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Default time allowed for connecting to the daemon.
const dialTimeout = 5 * time.Second

// Talks to the daemon over its Unix socket.
//
// Each call opens its own connection and performs a single exchange, so a
// Client is safe for concurrent use.
type Client struct {
	socketPath string
}

// Creates a client for the daemon listening at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Runs a recipe on the daemon.
//
// The build keeps running only while the connection is open; cancelling ctx
// closes it, which cancels the build.
func (c *Client) Build(ctx context.Context, req *BuildRequest) (*BuildResult, error) {
	return call[BuildResult](ctx, c, CmdBuild, req)
}

// Queries the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	return call[StatusResult](ctx, c, CmdStatus, nil)
}

// Asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.send(ctx, CmdShutdown, nil)
	return err
}

// Sends a request and decodes the successful response payload.
func call[T any](ctx context.Context, c *Client, cmd Command, payload any) (*T, error) {
	env, err := c.send(ctx, cmd, payload)
	if err != nil {
		return nil, err
	}
	return DecodePayload[T](env.Payload)
}

// Performs one request/response exchange.
func (c *Client) send(ctx context.Context, cmd Command, payload any) (*Envelope, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer conn.Close()

	// Unblock reads when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := Encode(cmd, payload)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	env, _, err := Decode(line)
	if err != nil {
		return nil, err
	}

	if env.Command == CmdError {
		res, err := DecodePayload[ErrorResult](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDaemon, errors.New(res.Message))
	}
	return env, nil
}
