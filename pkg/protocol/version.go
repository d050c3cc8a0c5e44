package protocol

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

// Version is the protocol version stamped on every outgoing envelope.
const Version = "1.0.0"

// supportedRange is the constraint incoming envelope versions must satisfy.
// Minor and patch revisions of the current major are accepted.
const supportedRange = "^1.0"

var supportedConstraint, _ = masterminds.NewConstraint(supportedRange)

// CheckVersion verifies that an envelope version is one this node can speak.
func CheckVersion(version string) *Error {
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return NewError(ErrUnsupportedVersion,
			fmt.Sprintf("header.version %q is not a valid version", version))
	}
	if !supportedConstraint.Check(v) {
		return NewError(ErrUnsupportedVersion,
			fmt.Sprintf("header.version %s is outside the supported range %s", version, supportedRange)).
			WithDetails(map[string]string{"supported": supportedRange, "current": Version})
	}
	return nil
}
