package progress

import "context"

// Sink receives sequenced batches of run events from a Hub and must honor
// ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch Batch) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// engine and fetch layer stay agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}
