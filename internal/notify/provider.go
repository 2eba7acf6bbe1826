package notify

import (
	"time"

	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
)

// Provider defines the notification contract for anonymization events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// ActionCompleted sends notification when every request of an action is done.
	ActionCompleted(runID, taskKey string, summary checkpoint.Summary, duration time.Duration) error

	// ActionAbandoned sends notification when retries are exhausted at chunk size 1.
	ActionAbandoned(runID, taskKey string, summary checkpoint.Summary) error

	// RequestSkipped sends notification when a request fails permanently.
	RequestSkipped(runID, taskKey, request string, err error) error

	// ActionFailed sends notification when a command stops on an error.
	ActionFailed(runID, taskKey string, err error, duration time.Duration) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
