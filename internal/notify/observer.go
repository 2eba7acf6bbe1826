package notify

import (
	"time"

	"github.com/johndauphine/mention-anonymizer/internal/action"
	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/logging"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
)

// Observer forwards action events to a Provider. Delivery failures are
// logged and never interrupt the action.
type Observer struct {
	action.NopObserver
	provider Provider
	runID    string
	taskKey  string
	started  time.Time
}

// NewObserver creates an Observer for one invocation on taskKey.
func NewObserver(p Provider, runID, taskKey string) *Observer {
	return &Observer{provider: p, runID: runID, taskKey: taskKey, started: time.Now()}
}

func (o *Observer) OnRequestDone(req plan.Request, skipped bool, err error) {
	if !skipped {
		return
	}
	if nerr := o.provider.RequestSkipped(o.runID, o.taskKey, req.Name, err); nerr != nil {
		logging.Warn("Slack notification failed: %v", nerr)
	}
}

func (o *Observer) OnFinish(key string, status checkpoint.Status, summary checkpoint.Summary) {
	var err error
	switch status {
	case checkpoint.StatusCompleted:
		err = o.provider.ActionCompleted(o.runID, key, summary, time.Since(o.started))
	case checkpoint.StatusAbandoned:
		err = o.provider.ActionAbandoned(o.runID, key, summary)
	}
	if err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
}
