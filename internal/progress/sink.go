package progress

import "context"

// Sink consumes batches of events. Implementations honor ctx deadlines and
// must tolerate repeated Consume calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes single events; Hub satisfies it so the orchestrator stays
// agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}

// Discard drops every event.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(Event) {}
