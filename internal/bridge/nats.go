// ABOUTME: NATS-backed Transport for multi-instance deployments
// ABOUTME: Reconnects forever; connection state changes are logged

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Compile-time interface check.
var _ Transport = (*NATSTransport)(nil)

// NATSTransport adapts a *nats.Conn to Transport.
type NATSTransport struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// DialNATS connects to the NATS server at url. name identifies this instance in server monitoring.
func DialNATS(url, name string, logger *slog.Logger) (*NATSTransport, error) {
	logger = logger.With("component", "bridge.nats")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bridge disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bridge reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("bridge async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}

	logger.Info("bridge connected", "url", nc.ConnectedUrlRedacted())
	return &NATSTransport{nc: nc, logger: logger}, nil
}

// NewNATSTransport wraps an existing connection.
func NewNATSTransport(nc *nats.Conn, logger *slog.Logger) *NATSTransport {
	return &NATSTransport{nc: nc, logger: logger.With("component", "bridge.nats")}
}

// Publish implements Transport.
func (t *NATSTransport) Publish(subject string, data []byte) error {
	if err := t.nc.Publish(subject, data); err != nil {
		return mapNATSError(err)
	}
	return nil
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(subject string, fn MessageHandler) (Subscription, error) {
	sub, err := t.nc.Subscribe(subject, func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, mapNATSError(err))
	}
	return sub, nil
}

// Serve implements Transport.
func (t *NATSTransport) Serve(subject string, fn RequestHandler) (Subscription, error) {
	sub, err := t.nc.Subscribe(subject, func(m *nats.Msg) {
		reply, err := fn(m.Data)
		if err != nil {
			t.logger.Debug("request not answered", "subject", subject, "error", err)
			return
		}
		if err := m.Respond(reply); err != nil {
			t.logger.Warn("responding to request", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("serving %s: %w", subject, mapNATSError(err))
	}
	return sub, nil
}

// Request implements Transport.
func (t *NATSTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := t.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", subject, mapNATSError(err))
	}
	return msg.Data, nil
}

// Close drains subscriptions and closes the connection.
func (t *NATSTransport) Close() error {
	if err := t.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}

func mapNATSError(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return ErrNoResponders
	case errors.Is(err, nats.ErrConnectionClosed):
		return ErrTransportClosed
	}
	return err
}
