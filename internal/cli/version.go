package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/box/internal"
)

// Represents the 'box version' command.
type VersionCmd struct{}

// Executes the version command.
func (c *VersionCmd) Run(ctx context.Context) error {
	fmt.Println(internal.VersionString())
	return nil
}
