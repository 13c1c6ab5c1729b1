package pool

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrPoolClosed       = errors.New("pool closed")
	ErrSubscription     = errors.New("subscription error")
	ErrProtocol         = errors.New("protocol error")
	ErrMalformedMessage = errors.New("malformed message")
)

// SubscriptionError is surfaced when the feed rejects or fails a single
// subscription. The subscription stays registered.
type SubscriptionError struct {
	SubscriptionID int64
	HasID          bool
	Message        string
}

func (e *SubscriptionError) Error() string {
	if e.HasID {
		return fmt.Sprintf("subscription %d: %s", e.SubscriptionID, e.Message)
	}
	return "subscription error: " + e.Message
}

func (e *SubscriptionError) Is(target error) bool {
	return target == ErrSubscription
}

// ProtocolError is surfaced when the feed reports a generic error that is not
// tied to a subscription.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// MalformedMessageError is surfaced when a text frame cannot be decoded. The
// frame is still delivered to listeners.
type MalformedMessageError struct {
	LinkID int
	Err    error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message on link %d: %v", e.LinkID, e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}
