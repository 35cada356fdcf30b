package device

import (
	"errors"
	"fmt"
)

// UnknownDeviceError is returned when an input can neither be found in the
// device dataset nor interpreted as a hardware identifier.
type UnknownDeviceError struct {
	Input string
}

func (e UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device %q", e.Input)
}

// IsUnknownDevice reports whether err is an UnknownDeviceError.
func IsUnknownDevice(err error) bool {
	var e UnknownDeviceError
	return errors.As(err, &e)
}
