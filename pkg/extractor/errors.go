package extractor

import (
	"errors"
	"fmt"
)

// ErrExtractionTimeout is returned when the caller's wait for a scan elapses.
// The scan itself keeps running in the background and its outcome is recorded
// in the store.
var ErrExtractionTimeout = errors.New("extraction wait elapsed, scan continues in background")

// ExtractionFailure reports a scan that could not produce symbols: the
// archive was undecodable, contained no shared caches, or the store rejected
// the extracted ranges. The failure is recorded on the scan row.
type ExtractionFailure struct {
	ArtifactKey string
	Reason      string
}

func (e ExtractionFailure) Error() string {
	return fmt.Sprintf("extraction failed for %s: %s", e.ArtifactKey, e.Reason)
}

// IsExtractionFailure reports whether err is an ExtractionFailure.
func IsExtractionFailure(err error) bool {
	var e ExtractionFailure
	return errors.As(err, &e)
}
