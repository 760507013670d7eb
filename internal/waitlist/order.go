package waitlist

import (
	"sort"

	"qms/waitlist-service/internal/models"

	"github.com/rs/zerolog/log"
)

// Order sequences the active customers: the called customer first, then priority
// customers, then everyone else, each waiting group by arrival. Inactive
// customers are ignored.
func Order(customers []models.Customer) []models.QueueEntry {
	var called, priority, regular []models.Customer
	for _, customer := range customers {
		switch customer.Status {
		case models.StatusCalled:
			called = append(called, customer)
		case models.StatusWaiting:
			if customer.Priority() {
				priority = append(priority, customer)
			} else {
				regular = append(regular, customer)
			}
		}
	}
	if len(called) > 1 {
		ids := make([]string, 0, len(called))
		for _, customer := range called {
			ids = append(ids, customer.ID)
		}
		log.Warn().Strs("customer_ids", ids).Msg("more than one customer is called")
	}
	sortByArrival(called)
	sortByArrival(priority)
	sortByArrival(regular)

	entries := make([]models.QueueEntry, 0, len(called)+len(priority)+len(regular))
	for i, customer := range called {
		entry := models.QueueEntry{Customer: customer, Priority: customer.Priority()}
		if i == 0 {
			entry.Position = intPtr(0)
		}
		entries = append(entries, entry)
	}
	position := 0
	for _, bucket := range [][]models.Customer{priority, regular} {
		for _, customer := range bucket {
			position++
			entries = append(entries, models.QueueEntry{
				Customer: customer,
				Priority: customer.Priority(),
				Position: intPtr(position),
			})
		}
	}
	return entries
}

func sortByArrival(customers []models.Customer) {
	sort.SliceStable(customers, func(i, j int) bool {
		if customers[i].Timestamp != customers[j].Timestamp {
			return customers[i].Timestamp < customers[j].Timestamp
		}
		return customers[i].ID < customers[j].ID
	})
}

func intPtr(value int) *int {
	return &value
}
