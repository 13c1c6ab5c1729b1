package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/pricefeed-pool/internal/link"
)

// fakeLink records sends and lets tests drive callbacks by hand.
type fakeLink struct {
	id  int
	cfg link.Config

	mu          sync.Mutex
	sent        [][]byte
	connects    int
	dials       int64
	connected   bool
	userClosed  bool
	sendErr     error
	onMessage   func(link.Message)
	onReconnect func()
	onError     func(error)
}

func (f *fakeLink) ID() int     { return f.id }
func (f *fakeLink) URL() string { return f.cfg.URL }

func (f *fakeLink) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.userClosed {
		return link.ErrAlreadyClosed
	}
	f.connected = true
	return nil
}

func (f *fakeLink) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeLink) OnMessage(fn func(link.Message)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeLink) OnReconnect(fn func()) {
	f.mu.Lock()
	f.onReconnect = fn
	f.mu.Unlock()
}

func (f *fakeLink) OnError(fn func(error)) {
	f.mu.Lock()
	f.onError = fn
	f.mu.Unlock()
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userClosed = true
	f.connected = false
	return nil
}

func (f *fakeLink) UserClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userClosed
}

func (f *fakeLink) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) Stats() link.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return link.Stats{
		ID:         f.id,
		URL:        f.cfg.URL,
		Connected:  f.connected,
		UserClosed: f.userClosed,
		Connects:   f.dials,
	}
}

// open counts a new connection and makes the link sendable without firing
// the reconnect callback, leaving the link between dial and replay.
func (f *fakeLink) open() {
	f.mu.Lock()
	f.dials++
	f.connected = true
	f.mu.Unlock()
}

// reconnect fires the registered reconnect callback, as a real link does
// after a successful redial.
func (f *fakeLink) reconnect() {
	f.mu.Lock()
	fn := f.onReconnect
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// deliver feeds a text frame through the registered message callback.
func (f *fakeLink) deliver(data string) {
	f.deliverFrame([]byte(data), false)
}

func (f *fakeLink) deliverFrame(data []byte, binary bool) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(link.Message{Data: data, Binary: binary, ReceivedAt: time.Now()})
	}
}

func (f *fakeLink) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

func (f *fakeLink) resetSent() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

// fakeFactory builds fake links and remembers them by index.
type fakeFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (ff *fakeFactory) new(id int, cfg link.Config, _ *slog.Logger) link.Link {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	l := &fakeLink{id: id, cfg: cfg}
	ff.links = append(ff.links, l)
	return l
}

func (ff *fakeFactory) get(i int) *fakeLink {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.links[i]
}

func (ff *fakeFactory) all() []*fakeLink {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*fakeLink(nil), ff.links...)
}
