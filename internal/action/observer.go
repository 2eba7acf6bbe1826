package action

import (
	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/chunk"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
)

// Observer receives engine events. Implementations must not block.
type Observer interface {
	// OnChunk is called after every chunk with the size it ran at.
	OnChunk(req plan.Request, res chunk.Result, chunkSize int)
	// OnRequestDone is called when a request completes or is skipped.
	OnRequestDone(req plan.Request, skipped bool, err error)
	// OnShrink is called when the chunk size is reduced.
	OnShrink(key string, from, to int)
	// OnFinish is called once the action reaches a terminal status.
	OnFinish(key string, status checkpoint.Status, summary checkpoint.Summary)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnChunk(plan.Request, chunk.Result, int) {}
func (NopObserver) OnRequestDone(plan.Request, bool, error) {}
func (NopObserver) OnShrink(string, int, int) {}
func (NopObserver) OnFinish(string, checkpoint.Status, checkpoint.Summary) {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (obs Observers) OnChunk(req plan.Request, res chunk.Result, chunkSize int) {
	for _, o := range obs {
		o.OnChunk(req, res, chunkSize)
	}
}

func (obs Observers) OnRequestDone(req plan.Request, skipped bool, err error) {
	for _, o := range obs {
		o.OnRequestDone(req, skipped, err)
	}
}

func (obs Observers) OnShrink(key string, from, to int) {
	for _, o := range obs {
		o.OnShrink(key, from, to)
	}
}

func (obs Observers) OnFinish(key string, status checkpoint.Status, summary checkpoint.Summary) {
	for _, o := range obs {
		o.OnFinish(key, status, summary)
	}
}
