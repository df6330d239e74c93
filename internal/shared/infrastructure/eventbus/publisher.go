// Package eventbus publishes staged billing events to the message broker.
package eventbus

import "context"

// Publisher sends serialized domain events to the message broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// NoopPublisher discards everything. Used in local deployments without a
// broker; the outbox still records the events for audit.
type NoopPublisher struct{}

// Publish discards the message.
func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }

// Close is a no-op.
func (NoopPublisher) Close() error { return nil }
