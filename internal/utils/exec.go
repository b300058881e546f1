//go:build !windows

package utils

import (
	"context"
	"os/exec"
)

// CommandContext creates a command bound to ctx.
func CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}
