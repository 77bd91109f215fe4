package models

import "fmt"

// CommunicationError reports a device that did not acknowledge a request.
type CommunicationError struct {
	Device     string
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *CommunicationError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d: %v", e.Device, e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Device, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s %s: unexpected status %d", e.Device, e.Op, e.StatusCode)
	}
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}
