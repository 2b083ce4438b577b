package p2p

import "fmt"

// ViolationError marks a peer that broke the protocol: an oversized or
// malformed frame, or a handshake out of order. The connection is closed;
// the process never crashes over it.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

func NewViolationError(reason string) *ViolationError {
	return &ViolationError{Reason: reason}
}

func IsViolationError(err error) bool {
	_, ok := err.(*ViolationError)
	return ok
}
