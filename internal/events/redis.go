package events

import (
	"context"
	"fmt"
)

// PubSub is a raw byte transport, implemented by cache.RedisClient.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// RedisBroker carries CloudEvents-encoded events over Redis pub/sub so API
// and worker processes can run separately.
type RedisBroker struct {
	ps     PubSub
	source string
}

// NewRedisBroker creates a broker on the given transport. source becomes the
// CloudEvents source attribute.
func NewRedisBroker(ps PubSub, source string) *RedisBroker {
	return &RedisBroker{ps: ps, source: source}
}

// Publish encodes and sends e on the job topic.
func (b *RedisBroker) Publish(ctx context.Context, jobID string, e Event) error {
	data, err := Encode(b.source, e)
	if err != nil {
		return err
	}
	if err := b.ps.Publish(ctx, Topic(jobID), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

// Subscribe decodes events from the job topic. Malformed payloads are skipped.
func (b *RedisBroker) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	raw, cancel, err := b.ps.Subscribe(ctx, Topic(jobID))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Event, cap(raw))
	go func() {
		defer close(out)
		for data := range raw {
			e, err := Decode(data)
			if err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// Close is a no-op; the transport is owned by the caller.
func (b *RedisBroker) Close() error { return nil }
