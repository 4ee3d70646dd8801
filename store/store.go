// Package store implements the streaming message store capability on
// NATS: pub/sub over named topics, command consumption with replies, and
// the interface-state registry in a JetStream KV bucket.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/natsclient"
)

// Message is one decoded topic message. Values are strings, numbers, and
// base64-encoded byte fields as produced by encoding/json.
type Message map[string]any

// StringField returns the named field as a string, empty when absent
func (m Message) StringField(key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// Has reports whether the field is present
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// BytesField returns the named field decoded from base64
func (m Message) BytesField(key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("no field named %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("field %s is not a string", key)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("field %s is not base64: %w", key, err)
	}
	return data, nil
}

// Handler processes one (topic, message) pair and returns the reply string
// routed back to the original requester
type Handler func(topic string, msg Message) string

// InterfaceStatus is the registry snapshot of one interface
type InterfaceStatus struct {
	Name          string   `json:"name"`
	State         string   `json:"state"`
	TargetNames   []string `json:"target_names"`
	AutoReconnect bool     `json:"auto_reconnect"`
	ReadAllowed   bool     `json:"read_allowed"`
	UpdatedAt     int64    `json:"updated_at"` // ns since epoch
}

// Store is the NATS-backed message store
type Store struct {
	client *natsclient.Client
	scope  string
	logger *slog.Logger
}

// New creates a store bound to one scope
func New(client *natsclient.Client, scope string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		scope:  scope,
		logger: logger.With("component", "store", "scope", scope),
	}
}

// Scope returns the opaque namespace prefix
func (s *Store) Scope() string {
	return s.scope
}

// WriteTopic JSON-encodes msg and publishes it on topic
func (s *Store) WriteTopic(ctx context.Context, topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "Store", "WriteTopic", "encode message")
	}
	if err := s.client.Publish(ctx, topic, data); err != nil {
		return errors.Wrap(err, "Store", "WriteTopic", fmt.Sprintf("publish %s", topic))
	}
	return nil
}

// ReceiveCommands consumes the lifecycle and structured-command topics for
// interfaceName, invoking handler for each message in arrival order. The
// handler's return string is responded on the message's reply inbox. The
// call blocks until ctx is cancelled.
func (s *Store) ReceiveCommands(ctx context.Context, interfaceName string, handler Handler) error {
	inbox := make(chan *nats.Msg, 64)
	forward := func(m *nats.Msg) {
		select {
		case inbox <- m:
		case <-ctx.Done():
		}
	}

	subjects := []string{
		CmdInterfaceTopic(s.scope, interfaceName),
		CmdTopic(s.scope, interfaceName),
	}
	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := s.client.Subscribe(subject, forward)
		if err != nil {
			for _, active := range subs {
				_ = active.Unsubscribe()
			}
			return errors.Wrap(err, "Store", "ReceiveCommands",
				fmt.Sprintf("subscribe %s", subject))
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	s.logger.Info("consuming command topics", "interface", interfaceName, "subjects", subjects)

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-inbox:
			var msg Message
			reply := ""
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				reply = err.Error()
			} else {
				reply = handler(m.Subject, msg)
			}
			if m.Reply != "" {
				if err := m.Respond([]byte(reply)); err != nil {
					s.logger.Warn("reply failed", "subject", m.Subject, "error", err)
				}
			}
		}
	}
}

// interfaceBucket names the per-scope KV bucket holding interface state
func (s *Store) interfaceBucket() string {
	return fmt.Sprintf("%s_INTERFACES", s.scope)
}

// SetInterface registers or refreshes the interface state in the registry
func (s *Store) SetInterface(ctx context.Context, status InterfaceStatus, initialize bool) error {
	bucket, err := s.client.KeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      s.interfaceBucket(),
		Description: "interface state registry",
	})
	if err != nil {
		return errors.Wrap(err, "Store", "SetInterface", "open registry bucket")
	}

	data, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "Store", "SetInterface", "encode status")
	}

	if initialize {
		if _, err := bucket.Create(ctx, status.Name, data); err == nil {
			return nil
		}
		// Fall through to an unconditional refresh when the key exists
	}
	if _, err := bucket.Put(ctx, status.Name, data); err != nil {
		return errors.Wrap(err, "Store", "SetInterface", "write status")
	}
	return nil
}
