package waitlist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"qms/waitlist-service/internal/events"
	"qms/waitlist-service/internal/geofence"
	"qms/waitlist-service/internal/models"
	"qms/waitlist-service/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	OpPending = "pending"
	OpSynced  = "synced"
	OpFailed  = "failed"

	kindRegister   = "register"
	kindUpdateInfo = "update_info"

	maxOperations = 500
)

var (
	ErrClosed         = errors.New("waitlist closed")
	errStaleCountdown = errors.New("countdown no longer matches called customer")
	errAwaitingReplay = errors.New("earlier write for customer awaiting replay")
)

var tracer = otel.Tracer("qms/waitlist-service/waitlist")

// SnapshotCache keeps the last known-good snapshot outside the process.
type SnapshotCache interface {
	Save(ctx context.Context, value interface{}) error
	Load(ctx context.Context, dest interface{}) (bool, error)
}

type Options struct {
	CallTimeout    time.Duration
	CountdownTick  time.Duration
	HistorySize    int
	MaxPartySize   int
	Location       *time.Location
	ResyncInterval time.Duration
	WriteTimeout   time.Duration
	Fence          geofence.Fence
	Events         events.Publisher
	Cache          SnapshotCache
	Now            func() time.Time
	NewID          func() string
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 300 * time.Second
	}
	if o.CountdownTick <= 0 {
		o.CountdownTick = time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 50
	}
	if o.MaxPartySize <= 0 {
		o.MaxPartySize = 20
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Events == nil {
		o.Events = events.Noop{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Operation tracks a local commit until the backend confirms or rejects it.
type Operation struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	CustomerID string     `json:"customer_id"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Result struct {
	Customer  models.Customer `json:"customer"`
	Operation Operation       `json:"operation"`
}

type change struct {
	customer models.Customer
	subject  string
	write    func(ctx context.Context) error
}

// retryWrite is a failed backend write kept for replay on the next resync.
type retryWrite struct {
	opID       string
	kind       string
	customerID string
	write      func(ctx context.Context) error
}

type subscriber struct {
	fn   func(Snapshot)
	last uint64
}

// Waitlist is the in-process authority over the queue. Mutations commit
// locally first, notify subscribers, then persist through the backend.
type Waitlist struct {
	backend store.Backend
	opts    Options

	mu                sync.Mutex
	customers         map[string]models.Customer
	history           []HistoryEntry
	daily             map[string]models.DailyStatistics
	operations        map[string]*Operation
	operationOrder    []string
	pending           map[string]int
	pendingCount      int
	failedCount       int
	version           uint64
	current           Snapshot
	syncedAt          *time.Time
	stale             bool
	countdown         *Countdown
	countdownFor      string
	countdownCalledAt time.Time
	started           bool
	closed            bool
	nextSeq           uint64
	retries           []retryWrite
	retrying          map[string]int

	writeMu   sync.Mutex
	writeCond *sync.Cond
	writeTurn uint64

	subMu       sync.Mutex
	subscribers map[int]*subscriber
	nextSub     int
	deliverMu   sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	resyncing int32
}

func New(backend store.Backend, opts Options) *Waitlist {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Waitlist{
		backend:     backend,
		opts:        opts.withDefaults(),
		customers:   make(map[string]models.Customer),
		daily:       make(map[string]models.DailyStatistics),
		operations:  make(map[string]*Operation),
		pending:     make(map[string]int),
		retrying:    make(map[string]int),
		subscribers: make(map[int]*subscriber),
		ctx:         ctx,
		cancel:      cancel,
	}
	w.writeCond = sync.NewCond(&w.writeMu)
	w.mu.Lock()
	w.current = w.buildSnapshotLocked()
	w.mu.Unlock()
	return w
}

// Close stops countdowns and background sync. Pending writes still complete.
func (w *Waitlist) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.stopCountdownLocked()
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	return nil
}

// Subscribe calls fn with the current snapshot right away and then with every
// newer snapshot in version order. fn runs on the mutating goroutine and must
// not call back into the Waitlist.
func (w *Waitlist) Subscribe(fn func(Snapshot)) func() {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	snap := w.Snapshot()
	sub := &subscriber{fn: fn, last: snap.Version}
	w.subMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subscribers[id] = sub
	w.subMu.Unlock()

	fn(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			w.subMu.Lock()
			delete(w.subscribers, id)
			w.subMu.Unlock()
		})
	}
}

func (w *Waitlist) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := w.current
	snap.CallRemainingSeconds = w.remainingSecondsLocked()
	return snap
}

func (w *Waitlist) Entry(id string) (models.QueueEntry, error) {
	entry, ok := w.Snapshot().Customer(id)
	if !ok {
		return models.QueueEntry{}, store.ErrCustomerNotFound
	}
	return entry, nil
}

func (w *Waitlist) Operation(id string) (Operation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	op, ok := w.operations[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

func (w *Waitlist) Register(ctx context.Context, input RegisterInput) (Result, error) {
	input, err := validateRegistration(input, w.opts.MaxPartySize, w.opts.Fence)
	if err != nil {
		return Result{}, err
	}
	return w.apply(ctx, kindRegister, func(now time.Time) (change, error) {
		customer := models.Customer{
			ID:          w.opts.NewID(),
			Name:        input.Name,
			Phone:       input.Phone,
			PartySize:   input.PartySize,
			Preferences: input.Preferences,
			Status:      models.StatusWaiting,
			Timestamp:   now.UnixMilli(),
			CreatedAt:   now.UTC(),
		}
		w.customers[customer.ID] = customer

		date := now.In(w.opts.Location).Format(models.DateLayout)
		local := w.daily[date]
		local.Date = date
		w.daily[date] = addDaily(local, customer.PartySize)

		inserted := false
		return change{
			customer: customer,
			subject:  events.CustomerRegistered,
			write: func(ctx context.Context) error {
				if !inserted {
					if err := w.backend.Insert(ctx, customer); err != nil {
						return err
					}
					inserted = true
				}
				stats, err := w.backend.IncrementDailyStats(ctx, date, customer.PartySize)
				if err != nil {
					return err
				}
				w.mu.Lock()
				w.daily[date] = stats
				w.mu.Unlock()
				return nil
			},
		}, nil
	})
}

// CallNext calls the head of the waiting queue. It fails while another customer is called.
func (w *Waitlist) CallNext(ctx context.Context) (Result, error) {
	return w.apply(ctx, store.ActionCall, func(now time.Time) (change, error) {
		if _, ok := w.calledLocked(); ok {
			return change{}, store.ErrAlreadyCalled
		}
		for _, entry := range Order(w.sortedLocked()) {
			if entry.Status == models.StatusWaiting {
				return w.transitionLocked(entry.Customer, store.ActionCall, now)
			}
		}
		return change{}, store.ErrQueueEmpty
	})
}

func (w *Waitlist) Call(ctx context.Context, id string) (Result, error) {
	return w.apply(ctx, store.ActionCall, func(now time.Time) (change, error) {
		customer, ok := w.customers[id]
		if !ok {
			return change{}, store.ErrCustomerNotFound
		}
		if called, ok := w.calledLocked(); ok && called.ID != id {
			return change{}, store.ErrAlreadyCalled
		}
		return w.transitionLocked(customer, store.ActionCall, now)
	})
}

func (w *Waitlist) ConfirmPresence(ctx context.Context, id, phone string) (Result, error) {
	return w.selfService(ctx, store.ActionConfirm, id, phone)
}

func (w *Waitlist) Leave(ctx context.Context, id, phone string) (Result, error) {
	return w.selfService(ctx, store.ActionLeave, id, phone)
}

// ReportTimeout lets the called customer's own device report an expired notice.
func (w *Waitlist) ReportTimeout(ctx context.Context, id, phone string) (Result, error) {
	return w.selfService(ctx, store.ActionTimeout, id, phone)
}

func (w *Waitlist) FinishServing(ctx context.Context, id string) (Result, error) {
	return w.adminAction(ctx, store.ActionFinish, id)
}

func (w *Waitlist) Remove(ctx context.Context, id string) (Result, error) {
	return w.adminAction(ctx, store.ActionRemove, id)
}

func (w *Waitlist) Timeout(ctx context.Context, id string) (Result, error) {
	return w.adminAction(ctx, store.ActionTimeout, id)
}

// UpdateStatus maps a target status onto the matching lifecycle action.
func (w *Waitlist) UpdateStatus(ctx context.Context, id, status string) (Result, error) {
	if !models.ValidStatus(status) {
		return Result{}, store.Invalid("status", "unknown status")
	}
	action, _ := store.ActionForStatus(status)
	if action == store.ActionCall {
		return w.Call(ctx, id)
	}
	return w.adminAction(ctx, action, id)
}

func (w *Waitlist) UpdateInfo(ctx context.Context, id string, partySize int, prefs models.Preferences) (Result, error) {
	if err := validatePartySize(partySize, w.opts.MaxPartySize); err != nil {
		return Result{}, err
	}
	normalized, err := models.NormalizePreferences(prefs)
	if err != nil {
		return Result{}, store.Invalid("preferences", err.Error())
	}
	return w.apply(ctx, kindUpdateInfo, func(now time.Time) (change, error) {
		customer, ok := w.customers[id]
		if !ok {
			return change{}, store.ErrCustomerNotFound
		}
		fields := store.CustomerFields{PartySize: &partySize, Preferences: &normalized}
		updated := fields.Apply(customer)
		w.customers[id] = updated
		return change{
			customer: updated,
			subject:  events.CustomerUpdated,
			write: func(ctx context.Context) error {
				return w.backend.Update(ctx, id, fields)
			},
		}, nil
	})
}

// DailyStats reads the backend counters for date, falling back to the local
// mirror when the backend is unreachable. An empty date means today.
func (w *Waitlist) DailyStats(ctx context.Context, date string) (models.DailyStatistics, error) {
	if date == "" {
		date = w.opts.Now().In(w.opts.Location).Format(models.DateLayout)
	}
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return models.DailyStatistics{}, store.Invalid("date", "date must be YYYY-MM-DD")
	}
	stats, err := w.backend.FetchDailyStats(ctx, date)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("date", date).Msg("daily statistics unavailable; using local counters")
		local := w.daily[date]
		local.Date = date
		return local, nil
	}
	w.daily[date] = stats
	return stats, nil
}

func (w *Waitlist) selfService(ctx context.Context, action, id, phone string) (Result, error) {
	return w.apply(ctx, action, func(now time.Time) (change, error) {
		customer, ok := w.customers[id]
		if !ok {
			return change{}, store.ErrCustomerNotFound
		}
		if !phoneMatches(customer.Phone, phone) {
			return change{}, store.ErrAuthorization
		}
		return w.transitionLocked(customer, action, now)
	})
}

func (w *Waitlist) adminAction(ctx context.Context, action, id string) (Result, error) {
	return w.apply(ctx, action, func(now time.Time) (change, error) {
		customer, ok := w.customers[id]
		if !ok {
			return change{}, store.ErrCustomerNotFound
		}
		return w.transitionLocked(customer, action, now)
	})
}

// expireCall times out id only if it is still called with the same called_at.
func (w *Waitlist) expireCall(id string, calledAt time.Time) {
	result, err := w.apply(w.ctx, store.ActionTimeout, func(now time.Time) (change, error) {
		customer, ok := w.customers[id]
		if !ok || customer.Status != models.StatusCalled || customer.CalledAt == nil || !sameCalledAt(*customer.CalledAt, calledAt) {
			return change{}, errStaleCountdown
		}
		return w.transitionLocked(customer, store.ActionTimeout, now)
	})
	if err != nil {
		if !errors.Is(err, errStaleCountdown) && !errors.Is(err, ErrClosed) {
			log.Warn().Err(err).Str("customer_id", id).Msg("call timeout failed")
		}
		return
	}
	log.Info().Str("customer_id", id).Str("op_id", result.Operation.ID).Msg("call timed out; customer returned to queue")
}

func (w *Waitlist) transitionLocked(customer models.Customer, action string, now time.Time) (change, error) {
	updated, fields, err := transition(customer, action, now)
	if err != nil {
		return change{}, err
	}
	id := customer.ID
	if updated.Active() {
		w.customers[id] = updated
	} else {
		delete(w.customers, id)
		if updated.Status == models.StatusSeated {
			w.recordHistoryLocked(updated, now)
		}
	}

	write := func(ctx context.Context) error {
		return w.backend.Update(ctx, id, fields)
	}
	if updated.Status == models.StatusLeft {
		write = func(ctx context.Context) error {
			return w.backend.Delete(ctx, id)
		}
	}
	return change{customer: updated, subject: eventSubject(action), write: write}, nil
}

func (w *Waitlist) apply(ctx context.Context, kind string, mutate func(now time.Time) (change, error)) (Result, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return Result{}, ErrClosed
	}
	now := w.opts.Now()
	ch, err := mutate(now)
	if err != nil {
		w.mu.Unlock()
		return Result{}, err
	}
	op := w.beginLocked(kind, ch.customer.ID, now)
	seq := w.nextSeq
	w.nextSeq++
	w.reconcileCountdownLocked()
	snap := w.publishLocked()
	w.mu.Unlock()

	w.deliver(snap)
	w.publishEvent(ctx, ch, op)
	finished := w.sync(ctx, seq, op, ch)
	return Result{Customer: ch.customer.Clone(), Operation: finished}, nil
}

// sync persists a committed change. Writes reach the backend in commit order.
func (w *Waitlist) sync(ctx context.Context, seq uint64, op Operation, ch change) Operation {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.WriteTimeout)
	defer cancel()

	w.waitTurn(seq)

	// A customer with queued retries must not have later writes overtake them.
	w.mu.Lock()
	blocked := w.retrying[op.CustomerID] > 0
	w.mu.Unlock()

	var err error
	if blocked {
		err = errAwaitingReplay
	} else {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "waitlist."+op.Kind, trace.WithAttributes(
			attribute.String("customer.id", op.CustomerID),
			attribute.String("operation.id", op.ID),
		))
		err = ch.write(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}

	w.mu.Lock()
	divergent := errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrCustomerNotFound)
	if err != nil && !divergent {
		w.retries = append(w.retries, retryWrite{opID: op.ID, kind: op.Kind, customerID: op.CustomerID, write: ch.write})
		w.retrying[op.CustomerID]++
	}
	finished := w.finishLocked(op.ID, err)
	snap := w.publishLocked()
	w.mu.Unlock()
	w.endTurn()

	w.deliver(snap)
	w.saveCache(ctx, snap)

	if err != nil {
		log.Warn().Err(err).
			Str("op_id", op.ID).
			Str("kind", op.Kind).
			Str("customer_id", op.CustomerID).
			Bool("replay", !divergent).
			Msg("backend write failed; keeping local state")
		if divergent {
			w.requestResync()
		}
	}
	return finished
}

func (w *Waitlist) waitTurn(seq uint64) {
	w.writeMu.Lock()
	for w.writeTurn != seq {
		w.writeCond.Wait()
	}
	w.writeMu.Unlock()
}

func (w *Waitlist) endTurn() {
	w.writeMu.Lock()
	w.writeTurn++
	w.writeCond.Broadcast()
	w.writeMu.Unlock()
}

func (w *Waitlist) publishEvent(ctx context.Context, ch change, op Operation) {
	event := events.CustomerEvent{
		CustomerID:  ch.customer.ID,
		OperationID: op.ID,
		Name:        ch.customer.Name,
		Phone:       ch.customer.Phone,
		PartySize:   ch.customer.PartySize,
		Status:      ch.customer.Status,
		Priority:    ch.customer.Priority(),
		OccurredAt:  op.StartedAt,
	}
	if err := w.opts.Events.Publish(ctx, ch.subject, event); err != nil {
		log.Warn().Err(err).Str("subject", ch.subject).Str("customer_id", ch.customer.ID).Msg("publish lifecycle event failed")
	}
}

func (w *Waitlist) beginLocked(kind, customerID string, now time.Time) Operation {
	op := &Operation{
		ID:         uuid.NewString(),
		Kind:       kind,
		CustomerID: customerID,
		State:      OpPending,
		StartedAt:  now.UTC(),
	}
	w.operations[op.ID] = op
	w.operationOrder = append(w.operationOrder, op.ID)
	w.pending[customerID]++
	w.pendingCount++
	return *op
}

func (w *Waitlist) finishLocked(id string, err error) Operation {
	op, ok := w.operations[id]
	if !ok {
		return Operation{ID: id}
	}
	finishedAt := w.opts.Now().UTC()
	op.FinishedAt = &finishedAt
	if err != nil {
		op.State = OpFailed
		op.Error = err.Error()
		w.failedCount++
	} else {
		op.State = OpSynced
	}
	w.pendingCount--
	w.pending[op.CustomerID]--
	if w.pending[op.CustomerID] <= 0 {
		delete(w.pending, op.CustomerID)
	}
	result := *op
	w.trimOperationsLocked()
	return result
}

func (w *Waitlist) trimOperationsLocked() {
	for len(w.operationOrder) > maxOperations {
		oldest := w.operationOrder[0]
		if op, ok := w.operations[oldest]; ok && op.State == OpPending {
			break
		}
		delete(w.operations, oldest)
		w.operationOrder = w.operationOrder[1:]
	}
}

func (w *Waitlist) recordHistoryLocked(customer models.Customer, at time.Time) {
	for _, entry := range w.history {
		if entry.ID == customer.ID {
			return
		}
	}
	w.history = append(w.history, HistoryEntry{Customer: customer.Clone(), SeatedAt: at.UTC()})
	if extra := len(w.history) - w.opts.HistorySize; extra > 0 {
		w.history = append([]HistoryEntry(nil), w.history[extra:]...)
	}
}

func (w *Waitlist) sortedLocked() []models.Customer {
	customers := make([]models.Customer, 0, len(w.customers))
	for _, customer := range w.customers {
		customers = append(customers, customer.Clone())
	}
	sort.Slice(customers, func(i, j int) bool {
		if customers[i].Timestamp != customers[j].Timestamp {
			return customers[i].Timestamp < customers[j].Timestamp
		}
		return customers[i].ID < customers[j].ID
	})
	return customers
}

func (w *Waitlist) calledLocked() (models.Customer, bool) {
	for _, customer := range w.sortedLocked() {
		if customer.Status == models.StatusCalled {
			return customer, true
		}
	}
	return models.Customer{}, false
}

// reconcileCountdownLocked keeps exactly one countdown running for the called customer.
func (w *Waitlist) reconcileCountdownLocked() {
	called, ok := w.calledLocked()
	if !ok || called.CalledAt == nil || w.closed {
		w.stopCountdownLocked()
		return
	}
	if w.countdown != nil && w.countdownFor == called.ID && sameCalledAt(w.countdownCalledAt, *called.CalledAt) {
		return
	}
	w.stopCountdownLocked()
	id, calledAt := called.ID, *called.CalledAt
	w.countdownFor = id
	w.countdownCalledAt = calledAt
	w.countdown = StartCountdown(w.opts.CallTimeout, w.opts.CountdownTick, nil, func() {
		w.expireCall(id, calledAt)
	})
}

func (w *Waitlist) stopCountdownLocked() {
	if w.countdown != nil {
		w.countdown.Stop()
	}
	w.countdown = nil
	w.countdownFor = ""
	w.countdownCalledAt = time.Time{}
}

func (w *Waitlist) remainingSecondsLocked() *int {
	if w.countdown == nil {
		return nil
	}
	remaining := w.countdown.Remaining()
	seconds := int((remaining + time.Second - 1) / time.Second)
	return &seconds
}

func (w *Waitlist) publishLocked() Snapshot {
	w.version++
	w.current = w.buildSnapshotLocked()
	return w.current
}

func (w *Waitlist) buildSnapshotLocked() Snapshot {
	customers := w.sortedLocked()
	entries := Order(customers)
	snap := Snapshot{
		Version:            w.version,
		Customers:          entries,
		AverageWaitMinutes: AverageWaitMinutes(customers),
		History:            append([]HistoryEntry(nil), w.history...),
		PendingOperations:  w.pendingCount,
		FailedOperations:   w.failedCount,
		Stale:              w.stale,
		GeneratedAt:        w.opts.Now().UTC(),
	}
	if w.syncedAt != nil {
		syncedAt := *w.syncedAt
		snap.SyncedAt = &syncedAt
	}
	if len(entries) > 0 && entries[0].Status == models.StatusCalled {
		serving := entries[0]
		snap.CurrentlyServing = &serving
	}
	if w.countdown != nil {
		deadline := w.countdown.Deadline()
		snap.CallDeadline = &deadline
		snap.CallRemainingSeconds = w.remainingSecondsLocked()
	}
	return snap
}

// deliver hands snap to every subscriber that has not seen it or a newer one.
func (w *Waitlist) deliver(snap Snapshot) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.subMu.Lock()
	subs := make([]*subscriber, 0, len(w.subscribers))
	for _, sub := range w.subscribers {
		subs = append(subs, sub)
	}
	w.subMu.Unlock()

	for _, sub := range subs {
		if snap.Version <= sub.last {
			continue
		}
		sub.last = snap.Version
		sub.fn(snap)
	}
}
