package workerpool

import (
	"encoding/json"

	"github.com/taskorch/orchestrator/internal/model"
)

func decodeTask(payload []byte, task *model.Task) error {
	return json.Unmarshal(payload, task)
}

func encodeTask(task *model.Task) ([]byte, error) {
	return json.Marshal(task)
}
