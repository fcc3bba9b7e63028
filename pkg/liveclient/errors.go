package liveclient

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyJoined is returned by a Negotiator when a join has already been
	// negotiated for the current cycle and has not been reset.
	ErrAlreadyJoined = errors.New("liveclient: join already negotiated")
	// ErrNotConnected is returned by room operations that require an
	// established connection.
	ErrNotConnected = errors.New("liveclient: room not connected")
)

// NegotiationError indicates the join endpoint was unreachable or rejected the
// request. Recoverable: the caller may retry the whole join.
type NegotiationError struct {
	SessionID string
	Err       error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiate join for session %s: %v", e.SessionID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TransportError indicates a room connect or signaling failure. Recoverable:
// the caller may retry the join.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("room %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeviceError indicates a local capture device (camera/microphone) could not
// be acquired. Recoverable: the session degrades to fewer tracks instead of
// failing.
type DeviceError struct {
	Kind TrackKind
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("acquire %s device: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// SubmitError indicates the leave report did not reach the backend. Non-fatal:
// local teardown proceeds regardless.
type SubmitError struct {
	SessionID string
	Err       error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit attendance for session %s: %v", e.SessionID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }
