package protocol

import (
	"encoding/json"
	"errors"
)

// Request and response type names used on the wire.
const (
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeSubscribed        = "subscribed"
	TypeUnsubscribed      = "unsubscribed"
	TypeSubscriptionError = "subscriptionError"
	TypeError             = "error"
	TypeStreamUpdated     = "streamUpdated"
)

// Errors
var (
	ErrEmptyPayload = errors.New("empty payload")
)

// Request is a client request sent to the feed endpoint.
// The pool only looks at Type and SubscriptionID; everything else is passed
// through to the server untouched.
type Request struct {
	Type               string   `json:"type"`
	SubscriptionID     int64    `json:"subscriptionId"`
	PriceFeedIDs       []int64  `json:"priceFeedIds,omitempty"`
	Properties         []string `json:"properties,omitempty"`
	Chains             []string `json:"chains,omitempty"`
	DeliveryFormat     string   `json:"deliveryFormat,omitempty"` // "json" or "binary"
	Channel            string   `json:"channel,omitempty"`        // e.g. "fixed_rate@200ms", "real_time"
	JSONBinaryEncoding string   `json:"jsonBinaryEncoding,omitempty"`
	Parsed             *bool    `json:"parsed,omitempty"`
}

// SubscribeParams describes what a subscription asks for.
type SubscribeParams struct {
	PriceFeedIDs       []int64
	Properties         []string
	Chains             []string
	DeliveryFormat     string
	Channel            string
	JSONBinaryEncoding string
	Parsed             *bool
}

// Subscribe builds a subscribe request.
func Subscribe(id int64, p SubscribeParams) Request {
	return Request{
		Type:               TypeSubscribe,
		SubscriptionID:     id,
		PriceFeedIDs:       p.PriceFeedIDs,
		Properties:         p.Properties,
		Chains:             p.Chains,
		DeliveryFormat:     p.DeliveryFormat,
		Channel:            p.Channel,
		JSONBinaryEncoding: p.JSONBinaryEncoding,
		Parsed:             p.Parsed,
	}
}

// Unsubscribe builds an unsubscribe request.
func Unsubscribe(id int64) Request {
	return Request{
		Type:           TypeUnsubscribe,
		SubscriptionID: id,
	}
}

// Marshal encodes the request for the wire.
func (r Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// StreamUpdate is the payload of a "streamUpdated" message.
type StreamUpdate struct {
	Type           string          `json:"type"`
	SubscriptionID int64           `json:"subscriptionId"`
	Parsed         *ParsedPayload  `json:"parsed,omitempty"`
	EVM            json.RawMessage `json:"evm,omitempty"`
	Solana         json.RawMessage `json:"solana,omitempty"`
	LeEcdsa        json.RawMessage `json:"leEcdsa,omitempty"`
	LeUnsigned     json.RawMessage `json:"leUnsigned,omitempty"`
}

// ParsedPayload carries the decoded price feeds of a stream update.
type ParsedPayload struct {
	TimestampUs string              `json:"timestampUs"` // Microseconds, decimal string
	PriceFeeds  []ParsedFeedPayload `json:"priceFeeds"`
}

// ParsedFeedPayload is one feed inside a parsed stream update.
// Prices are decimal strings scaled by 10^Exponent.
type ParsedFeedPayload struct {
	PriceFeedID    int64  `json:"priceFeedId"`
	Price          string `json:"price,omitempty"`
	BestBidPrice   string `json:"bestBidPrice,omitempty"`
	BestAskPrice   string `json:"bestAskPrice,omitempty"`
	PublisherCount int    `json:"publisherCount,omitempty"`
	Exponent       int    `json:"exponent,omitempty"`
	Confidence     string `json:"confidence,omitempty"`
}

// envelopeWire is the minimal shape needed to classify a message.
type envelopeWire struct {
	Type           string `json:"type"`
	SubscriptionID *int64 `json:"subscriptionId,omitempty"`
	Error          string `json:"error,omitempty"`
}
