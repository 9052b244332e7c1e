// ABOUTME: Transport is the pub/sub plus request/reply surface the bridge needs from a message bus
// ABOUTME: Implemented by NATS for production and an in-memory network for tests and single-node runs

package bridge

import (
	"context"
	"errors"
)

// ErrNoResponders is returned by Request when nothing listens on the subject.
var ErrNoResponders = errors.New("no responders")

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// MessageHandler receives published payloads.
type MessageHandler func(data []byte)

// RequestHandler answers a request. Returning an error sends no reply.
type RequestHandler func(data []byte) ([]byte, error)

// Subscription is an active subscriber or responder.
type Subscription interface {
	Unsubscribe() error
}

// Transport moves opaque payloads between instances.
type Transport interface {
	// Publish sends data to every subscriber of subject without waiting for delivery.
	Publish(subject string, data []byte) error
	Subscribe(subject string, fn MessageHandler) (Subscription, error)
	// Serve registers fn as a responder for requests on subject.
	Serve(subject string, fn RequestHandler) (Subscription, error)
	// Request sends data to one responder and waits for its reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Close() error
}
