package store

import (
	"context"
	"time"

	"qms/waitlist-service/internal/models"
)

const CustomersTable = "waiting_customers"

const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// CustomerFields is a partial update. Nil fields are left untouched.
type CustomerFields struct {
	Status        *string
	CalledAt      *time.Time
	ClearCalledAt bool
	PartySize     *int
	Preferences   *models.Preferences
	// ExpectedStatus turns the update into a compare-and-set on the current status.
	ExpectedStatus string
}

func (f CustomerFields) Empty() bool {
	return f.Status == nil && f.CalledAt == nil && !f.ClearCalledAt && f.PartySize == nil && f.Preferences == nil
}

// Apply returns the customer with the fields written over it.
func (f CustomerFields) Apply(customer models.Customer) models.Customer {
	if f.Status != nil {
		customer.Status = *f.Status
	}
	if f.ClearCalledAt {
		customer.CalledAt = nil
	}
	if f.CalledAt != nil {
		calledAt := *f.CalledAt
		customer.CalledAt = &calledAt
	}
	if f.PartySize != nil {
		customer.PartySize = *f.PartySize
	}
	if f.Preferences != nil {
		customer.Preferences = *f.Preferences
	}
	return customer
}

type ChangeEvent struct {
	Event string          `json:"event"`
	Table string          `json:"table"`
	Row   models.Customer `json:"row"`
}

// Backend is the managed persistence service the waitlist mirrors.
type Backend interface {
	Insert(ctx context.Context, customer models.Customer) error
	Update(ctx context.Context, id string, fields CustomerFields) error
	Delete(ctx context.Context, id string) error
	SelectAll(ctx context.Context) ([]models.Customer, error)
	Changes(ctx context.Context) (<-chan ChangeEvent, error)
	FetchDailyStats(ctx context.Context, date string) (models.DailyStatistics, error)
	IncrementDailyStats(ctx context.Context, date string, partySize int) (models.DailyStatistics, error)
}
