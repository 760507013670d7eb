package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qms/waitlist-service/internal/geofence"
	"qms/waitlist-service/internal/models"
	"qms/waitlist-service/internal/store"
	"qms/waitlist-service/internal/store/memory"
)

type fakeBackend struct {
	insertFn    func(ctx context.Context, customer models.Customer) error
	updateFn    func(ctx context.Context, id string, fields store.CustomerFields) error
	deleteFn    func(ctx context.Context, id string) error
	selectAllFn func(ctx context.Context) ([]models.Customer, error)
	changesFn   func(ctx context.Context) (<-chan store.ChangeEvent, error)
	fetchFn     func(ctx context.Context, date string) (models.DailyStatistics, error)
	incrementFn func(ctx context.Context, date string, partySize int) (models.DailyStatistics, error)
}

func (f fakeBackend) Insert(ctx context.Context, customer models.Customer) error {
	if f.insertFn == nil {
		return nil
	}
	return f.insertFn(ctx, customer)
}

func (f fakeBackend) Update(ctx context.Context, id string, fields store.CustomerFields) error {
	if f.updateFn == nil {
		return nil
	}
	return f.updateFn(ctx, id, fields)
}

func (f fakeBackend) Delete(ctx context.Context, id string) error {
	if f.deleteFn == nil {
		return nil
	}
	return f.deleteFn(ctx, id)
}

func (f fakeBackend) SelectAll(ctx context.Context) ([]models.Customer, error) {
	if f.selectAllFn == nil {
		return nil, nil
	}
	return f.selectAllFn(ctx)
}

func (f fakeBackend) Changes(ctx context.Context) (<-chan store.ChangeEvent, error) {
	if f.changesFn == nil {
		return nil, errors.New("no change feed")
	}
	return f.changesFn(ctx)
}

func (f fakeBackend) FetchDailyStats(ctx context.Context, date string) (models.DailyStatistics, error) {
	if f.fetchFn == nil {
		return models.DailyStatistics{Date: date}, nil
	}
	return f.fetchFn(ctx, date)
}

func (f fakeBackend) IncrementDailyStats(ctx context.Context, date string, partySize int) (models.DailyStatistics, error) {
	if f.incrementFn == nil {
		return models.DailyStatistics{Date: date, GroupsCount: 1, PeopleCount: partySize}, nil
	}
	return f.incrementFn(ctx, date, partySize)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCache struct {
	mu    sync.Mutex
	saved *Snapshot
	load  func(dest interface{}) (bool, error)
}

func (c *fakeCache) Save(_ context.Context, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := value.(Snapshot)
	c.saved = &snap
	return nil
}

func (c *fakeCache) Load(_ context.Context, dest interface{}) (bool, error) {
	if c.load == nil {
		return false, nil
	}
	return c.load(dest)
}

func newTestWaitlist(t *testing.T, backend store.Backend, clock *fakeClock, opts Options) *Waitlist {
	t.Helper()
	if clock != nil {
		opts.Now = clock.Now
	}
	if opts.NewID == nil {
		var mu sync.Mutex
		next := 0
		opts.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			next++
			return fmt.Sprintf("customer-%02d", next)
		}
	}
	w := New(backend, opts)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func register(t *testing.T, w *Waitlist, name string, partySize int, prefs models.Preferences) models.Customer {
	t.Helper()
	result, err := w.Register(context.Background(), RegisterInput{
		Name:        name,
		Phone:       "0812-3456-78" + fmt.Sprint(len(name)),
		PartySize:   partySize,
		Preferences: prefs,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return result.Customer
}

func orderedNames(snap Snapshot) []string {
	names := make([]string, 0, len(snap.Customers))
	for _, entry := range snap.Customers {
		pos := "-"
		if entry.Position != nil {
			pos = fmt.Sprint(*entry.Position)
		}
		names = append(names, entry.Name+pos)
	}
	return names
}

func assertOrder(t *testing.T, snap Snapshot, want ...string) {
	t.Helper()
	got := orderedNames(snap)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected order %v, got %v", want, got)
	}
}

func TestPriorityScenario(t *testing.T) {
	clock := newFakeClock()
	w := newTestWaitlist(t, memory.NewStore(), clock, Options{})
	ctx := context.Background()

	register(t, w, "A", 2, models.Preferences{})
	clock.Advance(10 * time.Millisecond)
	b := register(t, w, "B", 2, models.Preferences{Pregnant: true})
	clock.Advance(10 * time.Millisecond)
	register(t, w, "C", 2, models.Preferences{})

	assertOrder(t, w.Snapshot(), "B1", "A2", "C3")

	clock.Advance(time.Minute)
	result, err := w.CallNext(ctx)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if result.Customer.ID != b.ID || result.Operation.State != OpSynced {
		t.Fatalf("expected B called and synced, got %+v", result)
	}
	snap := w.Snapshot()
	assertOrder(t, snap, "B0", "A1", "C2")
	if snap.CurrentlyServing == nil || snap.CurrentlyServing.ID != b.ID {
		t.Fatalf("expected B currently serving")
	}
	if snap.CallRemainingSeconds == nil || *snap.CallRemainingSeconds != 300 {
		t.Fatalf("expected 300 seconds remaining, got %v", snap.CallRemainingSeconds)
	}
	if snap.AverageWaitMinutes == nil || *snap.AverageWaitMinutes != 2 {
		t.Fatalf("expected average wait 2, got %v", snap.AverageWaitMinutes)
	}

	if _, err := w.Timeout(ctx, b.ID); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	snap = w.Snapshot()
	// B keeps priority, so it still sorts ahead of A after returning.
	assertOrder(t, snap, "B1", "A2", "C3")
	entry, err := w.Entry(b.ID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Timestamp != b.Timestamp || entry.CalledAt != nil {
		t.Fatalf("expected original timestamp and cleared called_at, got %+v", entry.Customer)
	}
	if snap.CurrentlyServing != nil || snap.CallDeadline != nil {
		t.Fatalf("expected no one serving after timeout")
	}
	if snap.AverageWaitMinutes != nil {
		t.Fatalf("expected no average wait after timeout")
	}
}

func TestTimeoutKeepsArrivalPosition(t *testing.T) {
	clock := newFakeClock()
	w := newTestWaitlist(t, memory.NewStore(), clock, Options{})
	ctx := context.Background()

	a := register(t, w, "A", 2, models.Preferences{})
	clock.Advance(10 * time.Millisecond)
	register(t, w, "B", 2, models.Preferences{})
	clock.Advance(10 * time.Millisecond)
	register(t, w, "C", 2, models.Preferences{})

	if _, err := w.CallNext(ctx); err != nil {
		t.Fatalf("call next: %v", err)
	}
	assertOrder(t, w.Snapshot(), "A0", "B1", "C2")

	if _, err := w.Timeout(ctx, a.ID); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	assertOrder(t, w.Snapshot(), "A1", "B2", "C3")
}

func TestSelfLeaveWrongPhone(t *testing.T) {
	clock := newFakeClock()
	w := newTestWaitlist(t, memory.NewStore(), clock, Options{})
	ctx := context.Background()

	register(t, w, "A", 2, models.Preferences{})
	clock.Advance(time.Second)
	b := register(t, w, "B", 3, models.Preferences{})
	before := w.Snapshot()

	_, err := w.Leave(ctx, b.ID, "0000000000")
	if !errors.Is(err, store.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	after := w.Snapshot()
	if after.Version != before.Version {
		t.Fatalf("expected no new snapshot, got version %d -> %d", before.Version, after.Version)
	}
	assertOrder(t, after, "A1", "B2")

	if _, err := w.Leave(ctx, b.ID, " "+b.Phone+" "); !errors.Is(err, store.ErrAuthorization) {
		t.Fatalf("expected padded phone to be rejected, got %v", err)
	}

	if _, err := w.Leave(ctx, b.ID, b.Phone); err != nil {
		t.Fatalf("leave with matching phone: %v", err)
	}
	assertOrder(t, w.Snapshot(), "A1")
	if _, err := w.Leave(ctx, b.ID, b.Phone); !errors.Is(err, store.ErrCustomerNotFound) {
		t.Fatalf("expected not found after leaving, got %v", err)
	}
}

func TestDailyStatsNeverDecremented(t *testing.T) {
	clock := newFakeClock()
	backend := memory.NewStore()
	w := newTestWaitlist(t, backend, clock, Options{})
	ctx := context.Background()

	first := register(t, w, "A", 3, models.Preferences{})
	register(t, w, "B", 2, models.Preferences{})
	if _, err := w.Remove(ctx, first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	stats, err := w.DailyStats(ctx, "2026-03-14")
	if err != nil {
		t.Fatalf("daily stats: %v", err)
	}
	if stats.GroupsCount != 2 || stats.PeopleCount != 5 {
		t.Fatalf("expected 2 groups 5 people, got %+v", stats)
	}
	today, err := w.DailyStats(ctx, "")
	if err != nil || today != stats {
		t.Fatalf("expected empty date to mean today, got %+v %v", today, err)
	}
	if _, err := w.DailyStats(ctx, "14/03/2026"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for bad date, got %v", err)
	}
}

func TestDailyStatsFallsBackToLocalCounters(t *testing.T) {
	clock := newFakeClock()
	backend := fakeBackend{
		incrementFn: func(ctx context.Context, date string, partySize int) (models.DailyStatistics, error) {
			return models.DailyStatistics{}, errors.New("rpc down")
		},
		fetchFn: func(ctx context.Context, date string) (models.DailyStatistics, error) {
			return models.DailyStatistics{}, errors.New("rpc down")
		},
	}
	w := newTestWaitlist(t, backend, clock, Options{})

	register(t, w, "A", 4, models.Preferences{})
	stats, err := w.DailyStats(context.Background(), "2026-03-14")
	if err != nil {
		t.Fatalf("daily stats: %v", err)
	}
	if stats.GroupsCount != 1 || stats.PeopleCount != 4 {
		t.Fatalf("expected local counters, got %+v", stats)
	}
}

func TestDailyStatsUseRestaurantTimeZone(t *testing.T) {
	clock := newFakeClock()
	clock.now = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	jakarta := time.FixedZone("WIB", 7*60*60)
	var gotDate string
	backend := fakeBackend{
		incrementFn: func(ctx context.Context, date string, partySize int) (models.DailyStatistics, error) {
			gotDate = date
			return models.DailyStatistics{Date: date, GroupsCount: 1, PeopleCount: partySize}, nil
		},
	}
	w := newTestWaitlist(t, backend, clock, Options{Location: jakarta})

	register(t, w, "A", 2, models.Preferences{})
	if gotDate != "2026-03-15" {
		t.Fatalf("expected local date 2026-03-15, got %s", gotDate)
	}
}

func TestCallNextSingleServingSlot(t *testing.T) {
	clock := newFakeClock()
	w := newTestWaitlist(t, memory.NewStore(), clock, Options{})
	ctx := context.Background()

	if _, err := w.CallNext(ctx); !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("expected queue empty, got %v", err)
	}

	a := register(t, w, "A", 2, models.Preferences{})
	clock.Advance(time.Second)
	b := register(t, w, "B", 2, models.Preferences{})

	if _, err := w.CallNext(ctx); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := w.CallNext(ctx); !errors.Is(err, store.ErrAlreadyCalled) {
		t.Fatalf("expected already called, got %v", err)
	}
	if _, err := w.Call(ctx, b.ID); !errors.Is(err, store.ErrAlreadyCalled) {
		t.Fatalf("expected already called for explicit call, got %v", err)
	}
	if _, err := w.Call(ctx, a.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state when re-calling, got %v", err)
	}

	if _, err := w.ConfirmPresence(ctx, a.ID, a.Phone); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	snap := w.Snapshot()
	assertOrder(t, snap, "B1")
	if len(snap.History) != 1 || snap.History[0].ID != a.ID || snap.History[0].Status != models.StatusSeated {
		t.Fatalf("expected A in history, got %+v", snap.History)
	}
	if _, err := w.FinishServing(ctx, a.ID); !errors.Is(err, store.ErrCustomerNotFound) {
		t.Fatalf("expected seated customer to be unresolvable, got %v", err)
	}
}

func TestConcurrentCallNext(t *testing.T) {
	clock := newFakeClock()
	w := newTestWaitlist(t, memory.NewStore(), clock, Options{})
	register(t, w, "A", 2, models.Preferences{})
	register(t, w, "B", 2, models.Preferences{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.CallNext(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var called, rejected int
	for err := range errs {
		switch {
		case err == nil:
			called++
		case errors.Is(err, store.ErrAlreadyCalled):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if called != 1 || rejected != 7 {
		t.Fatalf("expected exactly one call, got %d called %d rejected", called, rejected)
	}
}

func TestLifecycleInvalidState(t *testing.T) {
	clock := newFakeClock()
	w := newTestWaitlist(t, memory.NewStore(), clock, Options{})
	ctx := context.Background()
	a := register(t, w, "A", 2, models.Preferences{})

	if _, err := w.ConfirmPresence(ctx, a.ID, a.Phone); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state confirming a waiting customer, got %v", err)
	}
	if _, err := w.FinishServing(ctx, a.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state finishing a waiting customer, got %v", err)
	}
	if _, err := w.Call(ctx, a.ID); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := w.Leave(ctx, a.ID, a.Phone); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state leaving while called, got %v", err)
	}
	if _, err := w.Remove(ctx, a.ID); err != nil {
		t.Fatalf("admin remove of called customer: %v", err)
	}
	if snap := w.Snapshot(); len(snap.Customers) != 0 || snap.CallDeadline != nil {
		t.Fatalf("expected empty queue without countdown, got %+v", snap)
	}
}

func TestUpdateStatus(t *testing.T) {
	clock := newFakeClock()
	w := newTestWaitlist(t, memory.NewStore(), clock, Options{})
	ctx := context.Background()
	a := register(t, w, "A", 2, models.Preferences{})

	tests := []struct {
		status  string
		want    string
		wantErr error
	}{
		{status: "eating", wantErr: store.ErrValidation},
		{status: models.StatusWaiting, wantErr: store.ErrInvalidState},
		{status: models.StatusCalled, want: models.StatusCalled},
		{status: models.StatusWaiting, want: models.StatusWaiting},
		{status: models.StatusCalled, want: models.StatusCalled},
		{status: models.StatusSeated, want: models.StatusSeated},
		{status: models.StatusLeft, wantErr: store.ErrCustomerNotFound},
	}
	for _, tt := range tests {
		result, err := w.UpdateStatus(ctx, a.ID, tt.status)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("status %s: expected %v, got %v", tt.status, tt.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("status %s: %v", tt.status, err)
		}
		if result.Customer.Status != tt.want {
			t.Fatalf("status %s: expected %s, got %s", tt.status, tt.want, result.Customer.Status)
		}
	}
}

func TestUpdateInfo(t *testing.T) {
	clock := newFakeClock()
	backend := memory.NewStore()
	w := newTestWaitlist(t, backend, clock, Options{MaxPartySize: 8})
	ctx := context.Background()
	a := register(t, w, "A", 2, models.Preferences{Indoor: true})

	result, err := w.UpdateInfo(ctx, a.ID, 4, models.Preferences{Indoor: true, WithDog: true, Elderly: true})
	if err != nil {
		t.Fatalf("update info: %v", err)
	}
	prefs := result.Customer.Preferences
	if prefs.Indoor || !prefs.Outdoor || !prefs.WithDog || result.Customer.PartySize != 4 {
		t.Fatalf("expected normalized outdoor seating, got %+v", result.Customer)
	}
	entry, _ := w.Entry(a.ID)
	if !entry.Priority {
		t.Fatalf("expected priority recomputed from updated preferences")
	}
	rows, _ := backend.SelectAll(ctx)
	if len(rows) != 1 || rows[0].PartySize != 4 || !rows[0].Preferences.WithDog {
		t.Fatalf("expected backend to receive update, got %+v", rows)
	}

	if _, err := w.UpdateInfo(ctx, a.ID, 0, models.Preferences{}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for party size 0, got %v", err)
	}
	if _, err := w.UpdateInfo(ctx, a.ID, 9, models.Preferences{}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error above max party size, got %v", err)
	}
	if _, err := w.UpdateInfo(ctx, a.ID, 2, models.Preferences{Indoor: true, Outdoor: true}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for conflicting seating, got %v", err)
	}
	if _, err := w.UpdateInfo(ctx, "missing", 2, models.Preferences{}); !errors.Is(err, store.ErrCustomerNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	fence := geofence.Fence{Center: geofence.Point{Latitude: -6.2, Longitude: 106.8166}, RadiusMeters: 150}
	near := &geofence.Point{Latitude: -6.2005, Longitude: 106.8166}
	far := &geofence.Point{Latitude: -6.3, Longitude: 106.8166}

	tests := []struct {
		name    string
		input   RegisterInput
		fence   geofence.Fence
		wantErr error
	}{
		{name: "valid", input: RegisterInput{Name: "Ana", Phone: "+62 812-3456-789", PartySize: 2}},
		{name: "empty name", input: RegisterInput{Name: "  ", Phone: "0812345678", PartySize: 2}, wantErr: store.ErrValidation},
		{name: "short phone", input: RegisterInput{Name: "Ana", Phone: "12345", PartySize: 2}, wantErr: store.ErrValidation},
		{name: "letters in phone", input: RegisterInput{Name: "Ana", Phone: "08123abc678", PartySize: 2}, wantErr: store.ErrValidation},
		{name: "zero party", input: RegisterInput{Name: "Ana", Phone: "0812345678", PartySize: 0}, wantErr: store.ErrValidation},
		{name: "party too large", input: RegisterInput{Name: "Ana", Phone: "0812345678", PartySize: 21}, wantErr: store.ErrValidation},
		{name: "seating conflict", input: RegisterInput{Name: "Ana", Phone: "0812345678", PartySize: 2, Preferences: models.Preferences{Indoor: true, Outdoor: true}}, wantErr: store.ErrValidation},
		{name: "inside fence", input: RegisterInput{Name: "Ana", Phone: "0812345678", PartySize: 2, Location: near}, fence: fence},
		{name: "missing location", input: RegisterInput{Name: "Ana", Phone: "0812345678", PartySize: 2}, fence: fence, wantErr: store.ErrValidation},
		{name: "outside fence", input: RegisterInput{Name: "Ana", Phone: "0812345678", PartySize: 2, Location: far}, fence: fence, wantErr: store.ErrOutsideGeofence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWaitlist(t, memory.NewStore(), newFakeClock(), Options{Fence: tt.fence})
			result, err := w.Register(context.Background(), tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if len(w.Snapshot().Customers) != 0 {
					t.Fatalf("expected no state change on rejected registration")
				}
				return
			}
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			if result.Customer.Status != models.StatusWaiting || result.Customer.ID == "" {
				t.Fatalf("unexpected customer %+v", result.Customer)
			}
		})
	}
}

func TestSyncFailureKeepsLocalState(t *testing.T) {
	clock := newFakeClock()
	backend := fakeBackend{
		insertFn: func(ctx context.Context, customer models.Customer) error {
			return errors.New("connection refused")
		},
	}
	w := newTestWaitlist(t, backend, clock, Options{})

	result, err := w.Register(context.Background(), RegisterInput{Name: "Ana", Phone: "0812345678", PartySize: 2})
	if err != nil {
		t.Fatalf("register should succeed locally, got %v", err)
	}
	if result.Operation.State != OpFailed || result.Operation.Error == "" || result.Operation.FinishedAt == nil {
		t.Fatalf("expected failed operation, got %+v", result.Operation)
	}
	snap := w.Snapshot()
	if len(snap.Customers) != 1 || snap.Customers[0].ID != result.Customer.ID {
		t.Fatalf("expected customer kept locally, got %+v", snap.Customers)
	}
	if snap.FailedOperations != 1 || snap.PendingOperations != 0 {
		t.Fatalf("expected 1 failed 0 pending, got %d/%d", snap.FailedOperations, snap.PendingOperations)
	}
	op, ok := w.Operation(result.Operation.ID)
	if !ok || op.State != OpFailed {
		t.Fatalf("expected ledger to hold failed operation, got %+v", op)
	}
	if _, ok := w.Operation("unknown"); ok {
		t.Fatalf("expected unknown operation to be missing")
	}
}

func TestConflictTriggersResync(t *testing.T) {
	clock := newFakeClock()
	calledAt := clock.Now().Add(-time.Minute)
	remote := []models.Customer{
		{ID: "customer-01", Name: "A", Phone: "0812345678", PartySize: 2, Status: models.StatusWaiting, Timestamp: clock.Now().Add(-2 * time.Minute).UnixMilli()},
		{ID: "other", Name: "Z", Phone: "0899999999", PartySize: 4, Status: models.StatusCalled, Timestamp: clock.Now().Add(-3 * time.Minute).UnixMilli(), CalledAt: &calledAt},
	}
	backend := fakeBackend{
		updateFn: func(ctx context.Context, id string, fields store.CustomerFields) error {
			return store.ErrConflict
		},
		selectAllFn: func(ctx context.Context) ([]models.Customer, error) {
			return remote, nil
		},
	}
	w := newTestWaitlist(t, backend, clock, Options{})
	register(t, w, "A", 2, models.Preferences{})

	result, err := w.CallNext(context.Background())
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if result.Operation.State != OpFailed {
		t.Fatalf("expected failed operation, got %+v", result.Operation)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := w.Snapshot()
		if snap.CurrentlyServing != nil && snap.CurrentlyServing.ID == "other" {
			assertOrder(t, snap, "Z0", "A1")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected resync to adopt remote serving customer")
}

func TestResyncReplaysWritesFailedDuringOutage(t *testing.T) {
	clock := newFakeClock()
	remote := memory.NewStore()
	var down atomic.Bool
	down.Store(true)
	unavailable := errors.New("connection refused")
	backend := fakeBackend{
		insertFn: func(ctx context.Context, customer models.Customer) error {
			if down.Load() {
				return unavailable
			}
			return remote.Insert(ctx, customer)
		},
		updateFn: func(ctx context.Context, id string, fields store.CustomerFields) error {
			if down.Load() {
				return unavailable
			}
			return remote.Update(ctx, id, fields)
		},
		selectAllFn: func(ctx context.Context) ([]models.Customer, error) {
			if down.Load() {
				return nil, unavailable
			}
			return remote.SelectAll(ctx)
		},
		incrementFn: func(ctx context.Context, date string, partySize int) (models.DailyStatistics, error) {
			if down.Load() {
				return models.DailyStatistics{}, unavailable
			}
			return remote.IncrementDailyStats(ctx, date, partySize)
		},
	}
	w := newTestWaitlist(t, backend, clock, Options{})
	ctx := context.Background()

	result, err := w.Register(ctx, RegisterInput{Name: "A", Phone: "0812345678", PartySize: 2})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	a := result.Customer
	clock.Advance(time.Second)
	register(t, w, "B", 3, models.Preferences{})
	called, err := w.CallNext(ctx)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.Customer.ID != a.ID || called.Operation.State != OpFailed {
		t.Fatalf("expected A called with failed write, got %+v", called)
	}
	if snap := w.Snapshot(); snap.FailedOperations != 3 {
		t.Fatalf("expected 3 failed operations, got %d", snap.FailedOperations)
	}

	if err := w.Resync(ctx); !errors.Is(err, store.ErrSyncFailure) {
		t.Fatalf("expected sync failure while backend is down, got %v", err)
	}
	assertOrder(t, w.Snapshot(), "A0", "B1")

	down.Store(false)
	if err := w.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}

	snap := w.Snapshot()
	assertOrder(t, snap, "A0", "B1")
	if snap.CurrentlyServing == nil || snap.CurrentlyServing.ID != a.ID {
		t.Fatalf("expected A still serving, got %+v", snap.CurrentlyServing)
	}
	if snap.FailedOperations != 0 || snap.Stale {
		t.Fatalf("expected replayed writes to clear failures, got failed=%d stale=%v", snap.FailedOperations, snap.Stale)
	}
	for _, id := range []string{result.Operation.ID, called.Operation.ID} {
		if op, ok := w.Operation(id); !ok || op.State != OpSynced || op.Error != "" {
			t.Fatalf("expected operation %s synced after replay, got %+v", id, op)
		}
	}

	rows, err := remote.SelectAll(ctx)
	if err != nil {
		t.Fatalf("select all: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != a.ID || rows[0].Status != models.StatusCalled {
		t.Fatalf("expected backend to hold both customers with A called, got %+v", rows)
	}
	stats, err := remote.FetchDailyStats(ctx, clock.Now().Format(models.DateLayout))
	if err != nil {
		t.Fatalf("fetch stats: %v", err)
	}
	if stats.GroupsCount != 2 || stats.PeopleCount != 5 {
		t.Fatalf("expected replayed registrations counted once, got %+v", stats)
	}
}

func TestResyncKeepsCountdownWhenBackendTruncatesCalledAt(t *testing.T) {
	clock := newFakeClock()
	clock.Advance(1234567 * time.Nanosecond)
	remote := memory.NewStore()
	backend := fakeBackend{
		insertFn: remote.Insert,
		updateFn: remote.Update,
		selectAllFn: func(ctx context.Context) ([]models.Customer, error) {
			rows, err := remote.SelectAll(ctx)
			for i := range rows {
				if rows[i].CalledAt != nil {
					at := rows[i].CalledAt.Truncate(time.Microsecond)
					rows[i].CalledAt = &at
				}
			}
			return rows, err
		},
	}
	w := newTestWaitlist(t, backend, clock, Options{CallTimeout: time.Minute})
	ctx := context.Background()

	register(t, w, "A", 2, models.Preferences{})
	result, err := w.CallNext(ctx)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if result.Customer.CalledAt == nil || result.Customer.CalledAt.Nanosecond()%1000 != 0 {
		t.Fatalf("expected called_at at microsecond precision, got %v", result.Customer.CalledAt)
	}
	before := w.Snapshot().CallDeadline
	if before == nil {
		t.Fatalf("expected countdown running")
	}

	time.Sleep(20 * time.Millisecond)
	if err := w.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	after := w.Snapshot().CallDeadline
	if after == nil || !after.Equal(*before) {
		t.Fatalf("expected countdown deadline %v kept, got %v", before, after)
	}
}

func TestSubscribeDeliversInVersionOrder(t *testing.T) {
	clock := newFakeClock()
	w := newTestWaitlist(t, memory.NewStore(), clock, Options{})

	var mu sync.Mutex
	var versions []uint64
	unsubscribe := w.Subscribe(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, snap.Version)
	})

	mu.Lock()
	if len(versions) != 1 {
		mu.Unlock()
		t.Fatalf("expected immediate snapshot, got %v", versions)
	}
	mu.Unlock()

	register(t, w, "A", 2, models.Preferences{})
	register(t, w, "B", 2, models.Preferences{})

	mu.Lock()
	got := append([]uint64(nil), versions...)
	mu.Unlock()
	if len(got) < 3 {
		t.Fatalf("expected updates after registrations, got %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("versions not increasing: %v", got)
		}
	}

	unsubscribe()
	register(t, w, "C", 2, models.Preferences{})
	mu.Lock()
	defer mu.Unlock()
	if len(versions) != len(got) {
		t.Fatalf("expected no deliveries after unsubscribe")
	}
}

func TestServerSideCallTimeout(t *testing.T) {
	w := newTestWaitlist(t, memory.NewStore(), nil, Options{
		CallTimeout:   40 * time.Millisecond,
		CountdownTick: 10 * time.Millisecond,
	})
	ctx := context.Background()
	a := register(t, w, "A", 2, models.Preferences{})
	if _, err := w.CallNext(ctx); err != nil {
		t.Fatalf("call next: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := w.Entry(a.ID)
		if err != nil {
			t.Fatalf("entry: %v", err)
		}
		if entry.Status == models.StatusWaiting {
			if entry.CalledAt != nil {
				t.Fatalf("expected called_at cleared")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected customer to time out back to waiting")
}

func TestCountdownCancelledOnConfirm(t *testing.T) {
	w := newTestWaitlist(t, memory.NewStore(), nil, Options{
		CallTimeout:   40 * time.Millisecond,
		CountdownTick: 10 * time.Millisecond,
	})
	ctx := context.Background()
	a := register(t, w, "A", 2, models.Preferences{})
	b := register(t, w, "B", 2, models.Preferences{})
	if _, err := w.CallNext(ctx); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := w.ConfirmPresence(ctx, a.ID, a.Phone); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := w.CallNext(ctx); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := w.ConfirmPresence(ctx, b.ID, b.Phone); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	snap := w.Snapshot()
	if len(snap.Customers) != 0 || len(snap.History) != 2 {
		t.Fatalf("expected both seated and no timeout, got %+v", snap)
	}
	if snap.CallDeadline != nil || snap.CallRemainingSeconds != nil {
		t.Fatalf("expected countdown stopped")
	}
}

func TestHistoryBounded(t *testing.T) {
	clock := newFakeClock()
	w := newTestWaitlist(t, memory.NewStore(), clock, Options{HistorySize: 2})
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C"} {
		customer := register(t, w, name, 2, models.Preferences{})
		if _, err := w.Call(ctx, customer.ID); err != nil {
			t.Fatalf("call %s: %v", name, err)
		}
		if _, err := w.FinishServing(ctx, customer.ID); err != nil {
			t.Fatalf("finish %s: %v", name, err)
		}
		clock.Advance(time.Second)
	}
	history := w.Snapshot().History
	if len(history) != 2 || history[0].Name != "B" || history[1].Name != "C" {
		t.Fatalf("expected last two seated customers, got %+v", history)
	}
}

func TestStartFollowsChangeFeed(t *testing.T) {
	backend := memory.NewStore()
	cache := &fakeCache{}
	w := newTestWaitlist(t, backend, nil, Options{Cache: cache, ResyncInterval: time.Hour})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	now := time.Now().UTC()
	remote := models.Customer{ID: "remote", Name: "R", Phone: "0812345678", PartySize: 2, Status: models.StatusWaiting, Timestamp: now.UnixMilli(), CreatedAt: now}
	if err := backend.Insert(context.Background(), remote); err != nil {
		t.Fatalf("insert: %v", err)
	}
	waitFor(t, func() bool {
		_, err := w.Entry("remote")
		return err == nil
	})

	called := models.StatusCalled
	calledAt := time.Now().UTC()
	if err := backend.Update(context.Background(), "remote", store.CustomerFields{Status: &called, CalledAt: &calledAt}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, func() bool {
		snap := w.Snapshot()
		return snap.CurrentlyServing != nil && snap.CurrentlyServing.ID == "remote" && snap.CallDeadline != nil
	})

	if err := backend.Delete(context.Background(), "remote"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, func() bool {
		snap := w.Snapshot()
		return len(snap.Customers) == 0 && snap.CallDeadline == nil
	})

	if snap := w.Snapshot(); snap.Stale || snap.SyncedAt == nil {
		t.Fatalf("expected fresh synced snapshot, got stale=%v synced=%v", snap.Stale, snap.SyncedAt)
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.saved == nil {
		t.Fatalf("expected snapshot saved to cache after sync")
	}
}

func TestStartFallsBackToCachedSnapshot(t *testing.T) {
	cachedCustomer := models.Customer{ID: "cached", Name: "K", Phone: "0812345678", PartySize: 3, Status: models.StatusWaiting, Timestamp: 1000}
	cache := &fakeCache{
		load: func(dest interface{}) (bool, error) {
			snap := dest.(*Snapshot)
			snap.Version = 42
			snap.Customers = Order([]models.Customer{cachedCustomer})
			return true, nil
		},
	}
	backend := fakeBackend{
		selectAllFn: func(ctx context.Context) ([]models.Customer, error) {
			return nil, errors.New("backend unreachable")
		},
	}
	w := newTestWaitlist(t, backend, newFakeClock(), Options{Cache: cache, ResyncInterval: time.Hour})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := w.Snapshot()
	if !snap.Stale {
		t.Fatalf("expected stale snapshot")
	}
	entry, ok := snap.Customer("cached")
	if !ok || entry.PartySize != 3 {
		t.Fatalf("expected cached customer restored, got %+v", snap.Customers)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestClosedWaitlistRejectsMutations(t *testing.T) {
	w := newTestWaitlist(t, memory.NewStore(), newFakeClock(), Options{})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := w.Register(context.Background(), RegisterInput{Name: "Ana", Phone: "0812345678", PartySize: 2}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
