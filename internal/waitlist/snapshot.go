package waitlist

import (
	"time"

	"qms/waitlist-service/internal/models"
)

type HistoryEntry struct {
	models.Customer
	SeatedAt time.Time `json:"seated_at"`
}

// Snapshot is an immutable view of the queue. Slices are never modified after
// the snapshot is published.
type Snapshot struct {
	Version              uint64              `json:"version"`
	Customers            []models.QueueEntry `json:"customers"`
	CurrentlyServing     *models.QueueEntry  `json:"currently_serving"`
	AverageWaitMinutes   *int                `json:"average_wait_minutes"`
	CallDeadline         *time.Time          `json:"call_deadline,omitempty"`
	CallRemainingSeconds *int                `json:"call_remaining_seconds,omitempty"`
	History              []HistoryEntry      `json:"history,omitempty"`
	PendingOperations    int                 `json:"pending_operations"`
	FailedOperations     int                 `json:"failed_operations"`
	SyncedAt             *time.Time          `json:"synced_at,omitempty"`
	Stale                bool                `json:"stale"`
	GeneratedAt          time.Time           `json:"generated_at"`
}

// Public strips phone numbers and the seated history for unauthenticated viewers.
func (s Snapshot) Public() Snapshot {
	customers := make([]models.QueueEntry, len(s.Customers))
	for i, entry := range s.Customers {
		entry.Customer = entry.Customer.Redacted()
		customers[i] = entry
	}
	s.Customers = customers
	if s.CurrentlyServing != nil {
		serving := *s.CurrentlyServing
		serving.Customer = serving.Customer.Redacted()
		s.CurrentlyServing = &serving
	}
	s.History = nil
	return s
}

// Customer finds an active entry by id.
func (s Snapshot) Customer(id string) (models.QueueEntry, bool) {
	for _, entry := range s.Customers {
		if entry.ID == id {
			return entry, true
		}
	}
	return models.QueueEntry{}, false
}
