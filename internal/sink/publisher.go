package sink

import (
	"context"

	"exchange/internal/bus"
	"exchange/internal/schema"
)

// Sink receives batches of sequenced events in sequence order. A failed Write is retried with the
// same batch, so implementations must tolerate redelivery.
type Sink interface {
	Write(ctx context.Context, events []bus.Event) error
	Close() error
}

// Resumer is implemented by sinks that remember the last sequence they stored.
type Resumer interface {
	LastSeq(ctx context.Context) (uint64, error)
}

// Publisher sends encoded messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
	Close() error
}

// EventPublisher is the Sink publishing market data to a broker.
type EventPublisher struct {
	encoder   *Encoder
	publisher Publisher
	types     map[schema.EventType]bool
}

// MarketDataTypes are the events published by default.
var MarketDataTypes = []schema.EventType{schema.EventBookDelta, schema.EventTrade, schema.EventInstrumentHalted}

// NewEventPublisher publishes events of the given types. No types means MarketDataTypes.
func NewEventPublisher(encoder *Encoder, publisher Publisher, types ...schema.EventType) *EventPublisher {
	if len(types) == 0 {
		types = MarketDataTypes
	}
	set := make(map[schema.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &EventPublisher{encoder: encoder, publisher: publisher, types: set}
}

// Write implements Sink.
func (p *EventPublisher) Write(ctx context.Context, events []bus.Event) error {
	msgs := make([]Message, 0, len(events))
	for _, e := range events {
		if !p.types[e.Header.Type] {
			continue
		}
		msg, ok, err := p.encoder.Encode(e)
		if err != nil {
			return err
		}
		if ok {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return p.publisher.Publish(ctx, msgs)
}

// Close implements Sink.
func (p *EventPublisher) Close() error {
	return p.publisher.Close()
}
