package outreach

import "errors"

var (
	// ErrNotFound is returned when a referenced message, task or recipient does not exist
	// (or is not visible to the caller).
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change violates the message lattice.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrImmutableRecord is returned when mutating a message that is no longer a draft.
	ErrImmutableRecord = errors.New("record is immutable")
	// ErrAlreadyScheduled is returned when a parent already has a live follow-up.
	ErrAlreadyScheduled = errors.New("follow-up already scheduled")
	// ErrDeliveryFailed is returned when the delivery adapter rejects or times out.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrImport marks a single inbound record that could not be imported.
	ErrImport = errors.New("import error")
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// DeliveryError carries the adapter's failure message unchanged.
type DeliveryError struct {
	MessageID uint
	Reason    string
}

func (e *DeliveryError) Error() string {
	return e.Reason
}

func (e *DeliveryError) Unwrap() error {
	return ErrDeliveryFailed
}
