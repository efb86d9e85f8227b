package promoter

import (
	"context"
	"fmt"
	"os/exec"
)

// runShellCommand runs a configured action string through the system shell.
// It is the Shell runner's only primitive: unlike the Systemd runner it has
// no unit graph to lean on, so the configured "start"/"stop" entry IS the
// command that runs, verbatim, for both promotion and dependent services.
func runShellCommand(ctx context.Context, action string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", action)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sh -c %q: %w", action, err)
	}
	return nil
}
