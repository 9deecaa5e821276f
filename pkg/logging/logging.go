package logging

import (
	"log"
	"os"

	"github.com/oczsync/zsync/pkg/zsync"
)

func init() {
	// Set the global logger to use standard output.
	log.SetOutput(os.Stdout)

	// Honor the debug environment variable as a default level; the CLIs' -v
	// flag overrides this (with LevelInfo) via SetLevel once flag parsing
	// runs.
	if zsync.DebugEnabled {
		SetLevel(LevelDebug)
	}
}
