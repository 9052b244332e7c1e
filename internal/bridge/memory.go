// ABOUTME: In-process Transport for tests and single-node deployments
// ABOUTME: Transports attached to the same MemoryNetwork see each other's messages

package bridge

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Transport = (*MemoryTransport)(nil)

// memoryQueueSize bounds undelivered messages per subscriber; further messages are dropped.
const memoryQueueSize = 1024

// MemoryNetwork is a shared in-process message bus. Subjects match exactly.
type MemoryNetwork struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{subs: make(map[string][]*memorySub)}
}

// Connect attaches a new transport to the network.
func (n *MemoryNetwork) Connect() *MemoryTransport {
	return &MemoryTransport{net: n}
}

func (n *MemoryNetwork) add(s *memorySub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[s.subject] = append(n.subs[s.subject], s)
}

func (n *MemoryNetwork) remove(s *memorySub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.subs[s.subject]
	for i, other := range list {
		if other == s {
			n.subs[s.subject] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(n.subs[s.subject]) == 0 {
		delete(n.subs, s.subject)
	}
}

func (n *MemoryNetwork) subscribers(subject string) []*memorySub {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*memorySub(nil), n.subs[subject]...)
}

// MemoryTransport is one instance's connection to a MemoryNetwork.
type MemoryTransport struct {
	net *MemoryNetwork

	mu     sync.Mutex
	closed bool
	subs   map[*memorySub]struct{}
}

type memorySub struct {
	transport *MemoryTransport
	subject   string
	handler   MessageHandler
	responder RequestHandler
	queue     chan []byte
	done      chan struct{}
	once      sync.Once
}

func (s *memorySub) run() {
	for {
		select {
		case data := <-s.queue:
			s.handler(data)
		case <-s.done:
			return
		}
	}
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.transport.net.remove(s)
		s.transport.forget(s)
		close(s.done)
	})
	return nil
}

func (t *MemoryTransport) track(s *memorySub) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.subs == nil {
		t.subs = make(map[*memorySub]struct{})
	}
	t.subs[s] = struct{}{}
	t.net.add(s)
	return nil
}

func (t *MemoryTransport) forget(s *memorySub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish implements Transport.
func (t *MemoryTransport) Publish(subject string, data []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	for _, s := range t.net.subscribers(subject) {
		if s.handler == nil {
			continue
		}
		msg := append([]byte(nil), data...)
		select {
		case s.queue <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements Transport. Each subscriber handles messages in order on its own goroutine.
func (t *MemoryTransport) Subscribe(subject string, fn MessageHandler) (Subscription, error) {
	s := &memorySub{
		transport: t,
		subject:   subject,
		handler:   fn,
		queue:     make(chan []byte, memoryQueueSize),
		done:      make(chan struct{}),
	}
	if err := t.track(s); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

// Serve implements Transport.
func (t *MemoryTransport) Serve(subject string, fn RequestHandler) (Subscription, error) {
	s := &memorySub{
		transport: t,
		subject:   subject,
		responder: fn,
		done:      make(chan struct{}),
	}
	if err := t.track(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Request implements Transport. The first registered responder answers. A
// responder that returns an error leaves the caller waiting until ctx ends.
func (t *MemoryTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	var responder *memorySub
	for _, s := range t.net.subscribers(subject) {
		if s.responder != nil {
			responder = s
			break
		}
	}
	if responder == nil {
		return nil, fmt.Errorf("%s: %w", subject, ErrNoResponders)
	}

	replies := make(chan []byte, 1)
	msg := append([]byte(nil), data...)
	go func() {
		reply, err := responder.responder(msg)
		if err == nil {
			replies <- reply
		}
	}()

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", subject, ctx.Err())
	}
}

// Close unsubscribes everything this transport registered.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*memorySub, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}
