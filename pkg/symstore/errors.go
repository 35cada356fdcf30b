package symstore

import (
	"errors"
	"fmt"
)

// ErrSymbolNotFound is the clean lookup miss: no range in the partition
// covers the address. Infrastructure failures are returned as distinct,
// wrapped errors.
var ErrSymbolNotFound = errors.New("symbol not found")

// OverlappingRangeError rejects a bulk insert whose ranges conflict with
// existing rows or with each other inside the same partition.
type OverlappingRangeError struct {
	Library          string
	DeviceIdentifier string
	OSVersion        string
	Architecture     string
	StartAddress     uint64
	EndAddress       uint64
}

func (e OverlappingRangeError) Error() string {
	return fmt.Sprintf("overlapping symbol range [%#x, %#x) in %s/%s/%s",
		e.StartAddress, e.EndAddress, e.Library, e.DeviceIdentifier, e.OSVersion)
}

// IsOverlappingRange reports whether err is an OverlappingRangeError.
func IsOverlappingRange(err error) bool {
	var e OverlappingRangeError
	return errors.As(err, &e)
}
