package must

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/oczsync/zsync/pkg/logging"
)

// Close closes c, logging (rather than silently discarding) any error. It is
// meant for defer sites where a close failure doesn't change the outcome of
// the call it guards but is still worth surfacing.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn(fmt.Errorf("unable to close: %w", err))
	}
}

// IOCopy copies from src to dst, logging rather than returning any error.
// Used for the rare defer-time copy (e.g. flushing a diagnostic stream)
// where the caller has already committed to its own return value.
func IOCopy(dst io.Writer, src io.Reader, logger *logging.Logger) {
	if _, err := io.Copy(dst, src); err != nil {
		logger.Warn(fmt.Errorf("unable to copy from source to destination: %w", err))
	}
}

// CommandHelp prints a Cobra command's help text, logging rather than
// returning any error encountered while doing so.
func CommandHelp(c *cobra.Command, logger *logging.Logger) {
	if err := c.Help(); err != nil {
		logger.Warn(fmt.Errorf("unable to print help: %w", err))
	}
}
