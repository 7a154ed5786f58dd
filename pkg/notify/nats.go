package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the part of a JetStream context the notifier uses.
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSConfig configures the JetStream notifier.
type NATSConfig struct {
	URL    string
	Stream string
	// Prefix is the first subject token, e.g. "settlements".
	Prefix string
	MaxAge time.Duration
}

// NATSNotifier publishes events to <prefix>.<pipeline>.<type>.
type NATSNotifier struct {
	conn   *nats.Conn
	js     Publisher
	prefix string
	log    *zap.Logger
}

// NewNATSNotifier publishes through js. It does not own a connection.
func NewNATSNotifier(js Publisher, prefix string, log *zap.Logger) *NATSNotifier {
	if prefix == "" {
		prefix = "settlements"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSNotifier{js: js, prefix: prefix, log: log}
}

// NewJetStreamNotifier connects to NATS and makes sure the stream covering
// <prefix>.> exists.
func NewJetStreamNotifier(cfg NATSConfig, log *zap.Logger) (*NATSNotifier, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "settlements"
	}
	if cfg.Stream == "" {
		cfg.Stream = "SETTLEMENTS"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}

	conn, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			conn.Close()
			return nil, fmt.Errorf("failed to look up stream %s: %w", cfg.Stream, err)
		}
		if log != nil {
			log.Info("creating notification stream", zap.String("stream", cfg.Stream), zap.String("subjects", cfg.Prefix+".>"))
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Prefix + ".>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    cfg.MaxAge,
			Replicas:  1,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	n := NewNATSNotifier(js, cfg.Prefix, log)
	n.conn = conn
	return n, nil
}

// Subject returns the subject ev is published on.
func (n *NATSNotifier) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, ev.Pipeline, ev.Type)
}

func (n *NATSNotifier) Notify(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	subject := n.Subject(ev)
	if _, err := n.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	n.log.Debug("event published", zap.String("subject", subject))
	return nil
}

// Close drains the connection if the notifier owns one.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
