// Package bus wraps the NATS connection every component shares. It owns
// reconnect policy, graceful draining, and the versioned message schema
// that crosses the wire.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when the transport cannot accept a message.
// Callers treat it as transient; the connection reconnects on its own.
var ErrUnavailable = errors.New("bus unavailable")

// Subjects used by the core. Per-device subjects are built by the helper
// functions below.
const (
	SubjectDiscovery  = "vibe.discovery.announce"
	SubjectHeartbeat  = "vibe.heartbeat"
	SubjectTransition = "vibe.liveness.transition"
)

func SyncSubject(provider string) string {
	return "vibe.storage.sync." + provider
}

func ServeSubject(provider string) string {
	return "vibe.storage.serve." + provider
}

// Msg is a delivered message. Respond replies on the request's reply
// subject and is a no-op error for messages that carried none.
type Msg struct {
	Subject string
	Data    []byte
	respond func([]byte) error
}

func (m *Msg) Respond(data []byte) error {
	if m.respond == nil {
		return fmt.Errorf("message on %s has no reply subject", m.Subject)
	}
	return m.respond(data)
}

// Subscription is an active handler registration.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport contract the components program against. The NATS
// implementation is Conn; Memory is the in-process implementation used by
// tests and single-process runs.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(*Msg)) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Close() error
}

// Config controls the NATS connection.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	// PendingLimit bounds the reconnect buffer in bytes; publishes beyond
	// it are dropped rather than queued without bound.
	PendingLimit int
	DrainTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.URL == "" {
		out.URL = nats.DefaultURL
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = 2 * time.Second
	}
	if out.PendingLimit <= 0 {
		out.PendingLimit = 8 * 1024 * 1024
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = 10 * time.Second
	}
	return out
}

// Conn is the NATS-backed Bus.
type Conn struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials NATS with unlimited reconnects and a bounded pending
// buffer. Disconnect and reconnect events are logged, never fatal.
func Connect(cfg Config, logger *zap.Logger) (*Conn, error) {
	cfg = cfg.withDefaults()

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectBufSize(cfg.PendingLimit),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("bus disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("bus connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to bus at %s: %w", cfg.URL, err)
	}

	logger.Info("connected to bus", zap.String("url", nc.ConnectedUrl()))
	return &Conn{nc: nc, logger: logger}, nil
}

func (c *Conn) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, subject, err)
	}
	return nil
}

func (c *Conn) Subscribe(subject string, handler func(*Msg)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		msg := &Msg{Subject: m.Subject, Data: m.Data}
		if m.Reply != "" {
			msg.respond = m.Respond
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (c *Conn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	resp, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: request %s: %v", ErrUnavailable, subject, err)
		}
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return resp.Data, nil
}

// Close drains the connection so in-flight publishes and pending handler
// callbacks complete before the socket closes.
func (c *Conn) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("drain bus: %w", err)
	}
	return nil
}
