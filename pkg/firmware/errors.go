package firmware

import (
	"errors"
	"fmt"
)

// NoMatchingArtifactError is returned by Match when no archive in the current
// snapshot lists the requested hardware identifier.
type NoMatchingArtifactError struct {
	Identifier string
	OSVersion  string
	BuildID    string
}

func (e NoMatchingArtifactError) Error() string {
	if e.OSVersion == "" {
		return fmt.Sprintf("no firmware archive for device %s", e.Identifier)
	}
	return fmt.Sprintf("no firmware archive for device %s os %s build %s", e.Identifier, e.OSVersion, e.BuildID)
}

// IsNoMatchingArtifact reports whether err is a NoMatchingArtifactError.
func IsNoMatchingArtifact(err error) bool {
	var e NoMatchingArtifactError
	return errors.As(err, &e)
}
