// Package version carries the build identity stamped into release
// binaries via -ldflags.
package version

import "strings"

// Product is the agent name announced to casters in the Source-Agent
// header and on the boot sentence.
const Product = "NTRIP-Duo"

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// Agent returns the version without a leading "v", which is the form
// used on the wire.
func Agent() string {
	return strings.TrimPrefix(version, "v")
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// FormatVersion returns a display-friendly version string. For normal versions
// it ensures a "v" prefix (e.g. "0.3.0" → "v0.3.0"). Special values like
// "dev" and empty strings are returned as-is.
func FormatVersion(v string) string {
	if v == "" || v == "dev" {
		return v
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
