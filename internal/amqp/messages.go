package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"participa/internal/core"
)

// HeadingCalculationMessage carries one heading's calculation job.
// The worker reads everything else from the database when it runs.
type HeadingCalculationMessage struct {
	RunID      string    `json:"run_id"`
	BudgetID   int64     `json:"budget_id"`
	HeadingID  int64     `json:"heading_id"`
	Generation int64     `json:"generation"`
	Force      bool      `json:"force,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewHeadingCalculationMessage creates a message for the job
func NewHeadingCalculationMessage(job core.CalculationJob) *HeadingCalculationMessage {
	return &HeadingCalculationMessage{
		RunID:      job.RunID,
		BudgetID:   job.BudgetID,
		HeadingID:  job.HeadingID,
		Generation: job.Generation,
		Force:      job.Force,
		Timestamp:  time.Now(),
	}
}

// Job returns the calculation job the message describes
func (m *HeadingCalculationMessage) Job() core.CalculationJob {
	return core.CalculationJob{
		RunID:      m.RunID,
		BudgetID:   m.BudgetID,
		HeadingID:  m.HeadingID,
		Generation: m.Generation,
		Force:      m.Force,
	}
}

// ToJSON converts the message to JSON bytes
func (m *HeadingCalculationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// HeadingCalculationMessageFromJSON creates a message from JSON bytes
func HeadingCalculationMessageFromJSON(data []byte) (*HeadingCalculationMessage, error) {
	var msg HeadingCalculationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.RunID == "" || msg.HeadingID <= 0 {
		return nil, errors.New("message without run id or heading id")
	}
	return &msg, nil
}
