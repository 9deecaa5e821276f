package zsync

import "os"

// DebugEnabled controls whether verbose internal diagnostics are enabled. It
// is set automatically based on the OCZSYNC_DEBUG environment variable, and
// consulted by pkg/logging's init, which then raises the default level to
// LevelDebug so its Debug* methods log.
var DebugEnabled bool

func init() {
	DebugEnabled = os.Getenv("OCZSYNC_DEBUG") == "1"
}
