package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// RunStartedData contains data for RunStarted events
type RunStartedData struct {
	RunID   string `json:"run_id"`
	Backend string `json:"backend"`
	Layout  string `json:"layout"`
	Params  int    `json:"params"`
	Shots   int    `json:"shots"`
}

// EventType returns the event type for RunStartedData
func (d *RunStartedData) EventType() EventType {
	return RunStarted
}

// IterationCompletedData contains data for IterationCompleted events
type IterationCompletedData struct {
	RunID       string    `json:"run_id"`
	Iteration   int       `json:"iteration"`
	Evaluations int       `json:"evaluations"`
	Failed      int       `json:"failed"`
	BestLoss    *float64  `json:"best_loss,omitempty"`
	Best        []float64 `json:"best,omitempty"`
}

// EventType returns the event type for IterationCompletedData
func (d *IterationCompletedData) EventType() EventType {
	return IterationCompleted
}

// RunFinishedData contains data for RunFinished events
type RunFinishedData struct {
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	BestLoss    *float64  `json:"best_loss,omitempty"`
	Best        []float64 `json:"best,omitempty"`
	Iterations  int       `json:"iterations"`
	Evaluations int       `json:"evaluations"`
	Error       string    `json:"error,omitempty"`
}

// EventType returns the event type for RunFinishedData
func (d *RunFinishedData) EventType() EventType {
	return RunFinished
}

// BatchCompletedData contains data for BatchCompleted events
type BatchCompletedData struct {
	Policy    string `json:"policy"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Dropped   int    `json:"dropped"`
	Shots     int    `json:"shots"`
}

// EventType returns the event type for BatchCompletedData
func (d *BatchCompletedData) EventType() EventType {
	return BatchCompleted
}

// NodeDroppedData contains data for NodeDropped events
type NodeDroppedData struct {
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

// EventType returns the event type for NodeDroppedData
func (d *NodeDroppedData) EventType() EventType {
	return NodeDropped
}

// CreditsRefilledData contains data for CreditsRefilled events
type CreditsRefilledData struct {
	Pool    string `json:"pool"`
	Added   int64  `json:"added"`
	Balance int64  `json:"balance"`
}

// EventType returns the event type for CreditsRefilledData
func (d *CreditsRefilledData) EventType() EventType {
	return CreditsRefilled
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Key       string  `json:"key"`
	SizeBytes int64   `json:"size_bytes"`
	Duration  float64 `json:"duration_seconds"`
	Pruned    int     `json:"pruned"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// MarshalJSON customizes JSON serialization for Event
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for Event
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case RunStarted:
		eventData = &RunStartedData{}
	case IterationCompleted:
		eventData = &IterationCompletedData{}
	case RunFinished:
		eventData = &RunFinishedData{}
	case BatchCompleted:
		eventData = &BatchCompletedData{}
	case NodeDropped:
		eventData = &NodeDroppedData{}
	case CreditsRefilled:
		eventData = &CreditsRefilledData{}
	case BackupCompleted:
		eventData = &BackupCompletedData{}
	case ErrorOccurred:
		eventData = &ErrorEventData{}
	default:
		// For unknown types, keep the raw map
		generic := &GenericEventData{Type: aux.Type}
		if err := json.Unmarshal(aux.Data, &generic.Data); err != nil {
			return err
		}
		e.Data = generic
		return nil
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// NewEvent stamps data with its type and the current time.
func NewEvent(module string, data EventData) *Event {
	return &Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}
}
