package pool

import (
	"strconv"

	"github.com/rickgao/pricefeed-pool/internal/dedup"
	"github.com/rickgao/pricefeed-pool/internal/link"
	"github.com/rickgao/pricefeed-pool/internal/protocol"
)

// HandleMessage runs one received frame through the fan-in. Duplicates seen
// within the TTL are dropped. Every first-seen frame is delivered to all
// listeners, including error messages and frames that fail to decode. The
// returned error is a *SubscriptionError, *ProtocolError or
// *MalformedMessageError when the frame carried or caused one; the same error
// is passed to error listeners.
func (p *Pool) HandleMessage(linkID int, msg link.Message) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.received.Add(1)
	p.metrics.ObserveReceived(strconv.Itoa(linkID))

	// Check, insert and forward happen under one lock so that links racing on
	// the same sequence cannot reorder it.
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	if p.cache.Seen(dedup.Fingerprint(msg.Data, msg.Binary)) {
		p.duplicates.Add(1)
		p.metrics.ObserveDuplicate()
		p.logger.Debug("dropping duplicate message", "link", linkID, "bytes", len(msg.Data))
		return nil
	}

	out := Message{
		LinkID:     linkID,
		Data:       msg.Data,
		Binary:     msg.Binary,
		ReceivedAt: msg.ReceivedAt,
	}

	var surfaced error
	if !msg.Binary {
		env, err := protocol.Decode(msg.Data)
		if err != nil {
			surfaced = &MalformedMessageError{LinkID: linkID, Err: err}
		} else {
			out.Envelope = env
			surfaced = errorFromEnvelope(env)
		}
	}

	p.dispatch(out)

	if surfaced != nil {
		p.surface(linkID, surfaced)
	}
	return surfaced
}

// errorFromEnvelope converts an error message from the feed into a typed error.
func errorFromEnvelope(env protocol.Envelope) error {
	if !env.Kind.IsError() {
		return nil
	}
	switch env.Kind {
	case protocol.KindSubscriptionError:
		return &SubscriptionError{
			SubscriptionID: env.SubscriptionID,
			HasID:          env.HasID,
			Message:        env.Error,
		}
	case protocol.KindError:
		return &ProtocolError{Message: env.Error}
	default:
		return nil
	}
}

// dispatch delivers msg to every listener in registration order. It stops
// early if a listener shuts the pool down. Callers hold dispatchMu.
func (p *Pool) dispatch(msg Message) {
	p.listenersMu.RLock()
	listeners := p.listeners
	p.listenersMu.RUnlock()

	for _, l := range listeners {
		if p.closed.Load() {
			return
		}
		l(msg)
	}
	p.forwarded.Add(1)
	p.metrics.ObserveForwarded()
}

func (p *Pool) surface(linkID int, err error) {
	kind := "malformed"
	switch err.(type) {
	case *SubscriptionError:
		kind = protocol.KindSubscriptionError.String()
	case *ProtocolError:
		kind = protocol.KindError.String()
	}

	p.protocolErrors.Add(1)
	p.metrics.ObserveProtocolError(kind)
	p.logger.Warn("feed reported error", "link", linkID, "kind", kind, "error", err)

	p.listenersMu.RLock()
	listeners := p.errorListeners
	p.listenersMu.RUnlock()

	for _, l := range listeners {
		l(err)
	}
}
