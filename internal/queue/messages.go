package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stream and consumer group names for sync notification fan-out
const (
	SyncEventsStream = "sync_events"
	SyncEventsGroup  = "sync_events_consumers"
)

// SyncCompletedMessage is published after an offline sync batch commits.
// Downstream consumers (SMS notifications, analytics) read it from the
// sync_events stream.
type SyncCompletedMessage struct {
	UserID         string `json:"user_id"`
	Total          int    `json:"total"`
	Synced         int    `json:"synced"`
	Failed         int    `json:"failed"`
	Conflicts      int    `json:"conflicts"`
	LastSyncedHash string `json:"last_synced_hash"`
	CompletedAt    string `json:"completed_at"`
}

// ToJSON serializes the SyncCompletedMessage to JSON bytes.
func (m *SyncCompletedMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync completed message: %w", err)
	}
	return data, nil
}

// FromJSONSyncCompleted deserializes JSON bytes into a SyncCompletedMessage and validates it.
func FromJSONSyncCompleted(data []byte) (*SyncCompletedMessage, error) {
	msg := &SyncCompletedMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync completed message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks if the SyncCompletedMessage has all required fields with valid values.
func (m *SyncCompletedMessage) Validate() error {
	if m.UserID == "" {
		return errors.New("user_id is required")
	}
	if m.Total < 0 {
		return errors.New("total must not be negative")
	}
	if m.Synced < 0 || m.Failed < 0 || m.Conflicts < 0 {
		return errors.New("counters must not be negative")
	}
	if m.Synced+m.Failed > m.Total {
		return fmt.Errorf("synced+failed (%d) exceeds total (%d)", m.Synced+m.Failed, m.Total)
	}
	if len(m.LastSyncedHash) != 64 {
		return fmt.Errorf("last_synced_hash must be 64 characters (got %d)", len(m.LastSyncedHash))
	}
	return nil
}
