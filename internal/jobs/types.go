package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TaskCheckUpdate = "agent:check_update"

// QueueUpdates is the queue update checks run on
const QueueUpdates = "updates"

type CheckUpdatePayload struct {
	Scope string `json:"scope,omitempty"`
}

// NewCheckUpdateTask builds an update check for scope; an empty scope means
// the server's configured scope.
func NewCheckUpdateTask(scope string) (*asynq.Task, error) {
	payload, err := json.Marshal(CheckUpdatePayload{Scope: scope})
	if err != nil {
		return nil, fmt.Errorf("marshal check update payload: %w", err)
	}
	return asynq.NewTask(TaskCheckUpdate, payload,
		asynq.Queue(QueueUpdates),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute),
	), nil
}
