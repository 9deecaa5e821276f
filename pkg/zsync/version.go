package zsync

import "fmt"

// These constants form the components of the version number. They're
// provided as constants so that other code (such as build scripts) can
// extract the version using simple tools (e.g. grep and sed).
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
	VersionTag   = ""
)

// Version provides the full version string.
var Version = fmt.Sprintf("%d.%d.%d%s", VersionMajor, VersionMinor, VersionPatch, VersionTag)
