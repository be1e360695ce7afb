package version

import (
	"runtime"
	"strings"
)

// Version is the engine version reported in invocation payloads
// as the pywren_version field.
const Version = "1.5.2"

// HostLanguageVersion returns the host language version in the short
// "major.minor" form stored in runtime metadata, e.g. "1.23".
// Runtime compatibility checks compare this against the version the
// remote runtime reports.
func HostLanguageVersion() string {
	v := strings.TrimPrefix(runtime.Version(), "go")
	parts := strings.Split(v, ".")
	if len(parts) >= 2 {
		return parts[0] + "." + parts[1]
	}
	return v
}
