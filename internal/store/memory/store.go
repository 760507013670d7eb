package memory

import (
	"context"
	"sort"
	"sync"

	"qms/waitlist-service/internal/models"
	"qms/waitlist-service/internal/store"
)

// Store keeps the waitlist tables in process. It honours the same constraints as the
// PostgreSQL schema so the service behaves alike with either backend.
type Store struct {
	mu          sync.Mutex
	customers   map[string]models.Customer
	daily       map[string]models.DailyStatistics
	subscribers map[int]chan store.ChangeEvent
	nextSub     int
	bufferSize  int
}

func NewStore() *Store {
	return &Store{
		customers:   make(map[string]models.Customer),
		daily:       make(map[string]models.DailyStatistics),
		subscribers: make(map[int]chan store.ChangeEvent),
		bufferSize:  64,
	}
}

func (s *Store) Insert(ctx context.Context, customer models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customers[customer.ID]; exists {
		return store.ErrConflict
	}
	if customer.Status == models.StatusCalled && s.calledLocked() != "" {
		return store.ErrConflict
	}
	s.customers[customer.ID] = customer.Clone()
	s.publishLocked(store.ChangeInsert, customer)
	return nil
}

func (s *Store) Update(ctx context.Context, id string, fields store.CustomerFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.customers[id]
	if !ok {
		return store.ErrCustomerNotFound
	}
	if fields.ExpectedStatus != "" && current.Status != fields.ExpectedStatus {
		return store.ErrConflict
	}
	if fields.Status != nil && *fields.Status == models.StatusCalled {
		if called := s.calledLocked(); called != "" && called != id {
			return store.ErrConflict
		}
	}
	updated := fields.Apply(current)
	s.customers[id] = updated.Clone()
	s.publishLocked(store.ChangeUpdate, updated)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.customers[id]
	if !ok {
		return store.ErrCustomerNotFound
	}
	delete(s.customers, id)
	s.publishLocked(store.ChangeDelete, current)
	return nil
}

func (s *Store) SelectAll(ctx context.Context) ([]models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customers := make([]models.Customer, 0, len(s.customers))
	for _, customer := range s.customers {
		customers = append(customers, customer.Clone())
	}
	sort.Slice(customers, func(i, j int) bool {
		if customers[i].Timestamp != customers[j].Timestamp {
			return customers[i].Timestamp < customers[j].Timestamp
		}
		return customers[i].ID < customers[j].ID
	})
	return customers, nil
}

// Changes streams every mutation until ctx is cancelled. Slow readers lose events
// rather than blocking writers; the waitlist resync covers the gap.
func (s *Store) Changes(ctx context.Context) (<-chan store.ChangeEvent, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan store.ChangeEvent, s.bufferSize)
	s.subscribers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *Store) FetchDailyStats(ctx context.Context, date string) (models.DailyStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.daily[date]
	if !ok {
		return models.DailyStatistics{Date: date}, nil
	}
	return stats, nil
}

func (s *Store) IncrementDailyStats(ctx context.Context, date string, partySize int) (models.DailyStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.daily[date]
	stats.Date = date
	stats.GroupsCount++
	stats.PeopleCount += partySize
	s.daily[date] = stats
	return stats, nil
}

func (s *Store) calledLocked() string {
	for id, customer := range s.customers {
		if customer.Status == models.StatusCalled {
			return id
		}
	}
	return ""
}

func (s *Store) publishLocked(event string, row models.Customer) {
	change := store.ChangeEvent{Event: event, Table: store.CustomersTable, Row: row.Clone()}
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}
