package authenticator

import (
	"errors"
	"fmt"
)

// ErrConnectTimeout is returned when an authenticator exchange gets no
// reply within its deadline.
var ErrConnectTimeout = errors.New("timed out waiting for authenticator reply")

// ErrAddressNotFound indicates a selected gateway without an authenticator
// address.
var ErrAddressNotFound = errors.New("authenticator address not found on selected gateway")

// ErrInvalidResponse indicates a reply of the wrong kind for the pending
// request.
var ErrInvalidResponse = errors.New("invalid authenticator response for pending request")

// ErrRegistrationDataVerification indicates registration data that failed
// local verification.
var ErrRegistrationDataVerification = errors.New("failed to verify registration data")

// WrongVersionError reports a protocol version mismatch on a reply.
type WrongVersionError struct {
	Expected uint8
	Received uint8
}

func (e *WrongVersionError) Error() string {
	return fmt.Sprintf("authenticator responded with wrong version: expected %d, received %d", e.Expected, e.Received)
}

// MalformedReplyError reports an undecodable authenticator reply.
type MalformedReplyError struct {
	Detail string
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("malformed authenticator reply: %s", e.Detail)
}

// NotPossibleError reports that authentication could not proceed at all.
type NotPossibleError struct {
	Reason string
}

func (e *NotPossibleError) Error() string {
	return fmt.Sprintf("authentication not possible: %s", e.Reason)
}
