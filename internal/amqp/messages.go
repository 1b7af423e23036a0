package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

// LedgerEvent is the envelope published for every committed ledger mutation.
// Data holds the JSON form of the account or transaction involved.
type LedgerEvent struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// NewLedgerEvent encodes payload into an event stamped with at.
func NewLedgerEvent(eventType string, payload any, at time.Time) (*LedgerEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &LedgerEvent{
		Type:       eventType,
		OccurredAt: at.UTC(),
		Data:       data,
	}, nil
}

func (e *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var event LedgerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event type is missing")
	}
	return &event, nil
}
