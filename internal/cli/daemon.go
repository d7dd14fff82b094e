package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/box/internal/protocol"
)

// Represents the 'box status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	status, err := protocol.NewClient(socketPath()).Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("running  %v\n", status.Running)
	fmt.Printf("version  %s\n", status.Version)
	fmt.Printf("pid      %d\n", status.Pid)
	fmt.Printf("uptime   %s\n", status.Uptime)
	fmt.Printf("builds   %d\n", status.Builds)
	return nil
}

// Represents the 'box stop' command.
type StopCmd struct{}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	return protocol.NewClient(socketPath()).Shutdown(ctx)
}
