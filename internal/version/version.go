// Package version holds the build version and compares it with peers.
package version

import (
	"fmt"
	"regexp"
	"strings"
)

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// describeSuffix is the "-N-gHASH" tail git describe adds past a tag.
var describeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

// release reduces v to the tag it was built from. Development and untagged
// builds have no release and report "".
func release(v string) string {
	switch v {
	case "", "dev", "0.0.0", "v0.0.0":
		return ""
	}
	return describeSuffix.ReplaceAllString(strings.TrimPrefix(v, "v"), "")
}

// FormatVersion adds the "v" prefix to tagged versions. "dev" and "" pass
// through unchanged.
func FormatVersion(v string) string {
	if v == "" || v == "dev" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// Compatible reports whether peer was built from the same release as this
// binary. Builds without a release are compatible with everything.
func Compatible(peer string) bool {
	local, remote := release(version), release(peer)
	return local == "" || remote == "" || local == remote
}

// Mismatch returns a warning naming both releases when peer is not
// Compatible, and "" otherwise. role names the peer in the message.
func Mismatch(role, peer string) string {
	if Compatible(peer) {
		return ""
	}
	return fmt.Sprintf("version mismatch: %s runs %s, this build is %s",
		role, FormatVersion(peer), FormatVersion(version))
}
