//go:build !linux

package jobregistry

import "errors"

// setProcessName is not supported outside Linux; workers keep their
// executable name and fail the identity check, so Stop and IsRunning only
// work on Linux hosts.
func setProcessName() error {
	return errors.New("setting the process name is only supported on linux")
}
