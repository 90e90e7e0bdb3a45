package wire

import (
	"fmt"

	"golang.org/x/mod/semver"
)

const (
	// ProtocolVersion is the wire protocol spoken by this build.
	ProtocolVersion = "v1.1.0"

	// ProtocolHeader carries the client's protocol version on the upgrade request.
	ProtocolHeader = "Lofi-Protocol"
)

// CheckCompatible reports whether a peer speaking version can talk to this
// build. Versions are compatible when their major versions match. An empty
// version is treated as v1.0.0, the first release.
func CheckCompatible(version string) error {
	if version == "" {
		version = "v1.0.0"
	}
	if !semver.IsValid(version) {
		return fmt.Errorf("invalid protocol version %q", version)
	}
	if semver.Major(version) != semver.Major(ProtocolVersion) {
		return fmt.Errorf("protocol %s is incompatible with %s", version, ProtocolVersion)
	}
	return nil
}
