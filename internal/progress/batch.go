package progress

// Batch is one flush of run events from a Hub. Seq starts at 1 and grows by
// one per flush. Dropped counts events lost to backpressure since the
// previous batch.
type Batch struct {
	Seq     uint64
	Events  []Event
	Dropped int64
}

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }

// Runs lists the distinct run ids in the batch in first-seen order.
func (b Batch) Runs() []string {
	seen := make(map[string]struct{}, len(b.Events))
	var out []string
	for _, evt := range b.Events {
		if _, ok := seen[evt.RunID]; ok {
			continue
		}
		seen[evt.RunID] = struct{}{}
		out = append(out, evt.RunID)
	}
	return out
}

// Finished returns the RUN_DONE and RUN_ERROR events.
func (b Batch) Finished() []Event {
	var out []Event
	for _, evt := range b.Events {
		if evt.Stage == StageRunDone || evt.Stage == StageRunError {
			out = append(out, evt)
		}
	}
	return out
}

// NewBatch wraps events as an unsequenced batch, for sinks driven directly.
func NewBatch(events ...Event) Batch {
	return Batch{Events: events}
}
