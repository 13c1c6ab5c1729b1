package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a decoded server message.
type Kind int

const (
	KindUnknown Kind = iota
	KindStreamUpdated
	KindSubscribed
	KindUnsubscribed
	KindSubscriptionError
	KindError
)

// String returns the wire-level name for the kind.
func (k Kind) String() string {
	switch k {
	case KindStreamUpdated:
		return TypeStreamUpdated
	case KindSubscribed:
		return TypeSubscribed
	case KindUnsubscribed:
		return TypeUnsubscribed
	case KindSubscriptionError:
		return TypeSubscriptionError
	case KindError:
		return TypeError
	default:
		return "unknown"
	}
}

// IsError reports whether the kind carries an error indication.
func (k Kind) IsError() bool {
	return k == KindSubscriptionError || k == KindError
}

// Envelope is a server message decoded once into its kind plus the fields
// needed for routing and error reporting. Raw is the original payload.
type Envelope struct {
	Kind           Kind
	Type           string
	SubscriptionID int64
	HasID          bool
	Error          string
	Raw            []byte
}

// Decode classifies a JSON text payload. A well-formed object without a
// type field decodes as KindUnknown.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrEmptyPayload
	}

	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env := Envelope{
		Kind:  kindOf(wire.Type),
		Type:  wire.Type,
		Error: wire.Error,
		Raw:   data,
	}
	if wire.SubscriptionID != nil {
		env.SubscriptionID = *wire.SubscriptionID
		env.HasID = true
	}
	return env, nil
}

// DecodeStreamUpdate fully decodes a "streamUpdated" payload.
func DecodeStreamUpdate(data []byte) (StreamUpdate, error) {
	var upd StreamUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return StreamUpdate{}, fmt.Errorf("decode stream update: %w", err)
	}
	if upd.Type != TypeStreamUpdated {
		return StreamUpdate{}, fmt.Errorf("unexpected message type %q", upd.Type)
	}
	return upd, nil
}

func kindOf(t string) Kind {
	switch t {
	case TypeStreamUpdated:
		return KindStreamUpdated
	case TypeSubscribed:
		return KindSubscribed
	case TypeUnsubscribed:
		return KindUnsubscribed
	case TypeSubscriptionError:
		return KindSubscriptionError
	case TypeError:
		return KindError
	default:
		return KindUnknown
	}
}
