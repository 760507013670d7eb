package models

import "time"

type Customer struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Phone       string      `json:"phone,omitempty"`
	PartySize   int         `json:"party_size"`
	Preferences Preferences `json:"preferences"`
	Status      string      `json:"status"`
	Timestamp   int64       `json:"timestamp"`
	CalledAt    *time.Time  `json:"called_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

const (
	StatusWaiting = "waiting"
	StatusCalled  = "called"
	StatusSeated  = "seated"
	StatusLeft    = "left"
)

func (c Customer) Priority() bool {
	return c.Preferences.IsPriority()
}

// Active reports whether the customer still occupies a place in the queue.
func (c Customer) Active() bool {
	return c.Status == StatusWaiting || c.Status == StatusCalled
}

func (c Customer) ArrivedAt() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// Redacted drops the contact number so the entry can be shown on public screens.
func (c Customer) Redacted() Customer {
	c.Phone = ""
	return c
}

func (c Customer) Clone() Customer {
	if c.CalledAt != nil {
		calledAt := *c.CalledAt
		c.CalledAt = &calledAt
	}
	return c
}

func ValidStatus(status string) bool {
	switch status {
	case StatusWaiting, StatusCalled, StatusSeated, StatusLeft:
		return true
	default:
		return false
	}
}
