package venue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced venue order id is unknown to the
	// venue. Surfaced on direct calls, swallowed during best-effort OCO
	// cancellation.
	ErrNotFound = errors.New("order not found at venue")

	// ErrInvalidTransition means the venue refused the call because the
	// order is already in a state that does not admit it.
	ErrInvalidTransition = errors.New("invalid order state for request")

	// ErrUnsupported means the venue does not implement the capability.
	// Position/account data may be partially available per venue.
	ErrUnsupported = errors.New("capability not supported by venue")
)

// TransportError wraps a transient transmission failure. Submits failing
// with it are retry-eligible under the engine's bounded policy.
type TransportError struct {
	Venue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("venue %s: transport: %v", e.Venue, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError wraps a venue rejection. Terminal, never retried.
type RejectionError struct {
	Venue   string
	OrderID string
	Reason  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("venue %s rejected order %s: %s", e.Venue, e.OrderID, e.Reason)
}

// IsTransport reports whether err is a retry-eligible transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejection reports whether err is a terminal venue rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
