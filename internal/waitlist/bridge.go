package waitlist

import (
	"context"
	"sync/atomic"
	"time"

	"qms/waitlist-service/internal/models"
	"qms/waitlist-service/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
)

const cacheTimeout = 2 * time.Second

// Start loads the queue from the backend and begins following its change feed.
// When the backend is unreachable the last cached snapshot is served as stale.
func (w *Waitlist) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.started {
		w.mu.Unlock()
		return errors.New("waitlist already started")
	}
	w.started = true
	w.wg.Add(2)
	w.mu.Unlock()

	if err := w.Resync(ctx); err != nil {
		log.Warn().Err(err).Msg("initial queue load failed; falling back to cached snapshot")
		if !w.restore(ctx) {
			w.markStale()
		}
	}

	go w.watchChanges()
	go w.resyncLoop()
	return nil
}

// Resync replays failed writes, then replaces the local queue with the
// backend's rows. Customers with a write in flight or still awaiting replay
// keep their local state. Overlapping calls are skipped.
func (w *Waitlist) Resync(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.resyncing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&w.resyncing, 0)

	ctx, span := tracer.Start(ctx, "waitlist.resync")
	defer span.End()

	w.replayFailed(ctx)

	rows, err := w.backend.SelectAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.markStale()
		return errors.WithMessage(store.ErrSyncFailure, err.Error())
	}

	now := w.opts.Now()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	next := make(map[string]models.Customer, len(rows))
	for _, row := range rows {
		if row.Active() {
			next[row.ID] = row
			continue
		}
		if _, wasActive := w.customers[row.ID]; wasActive && row.Status == models.StatusSeated && !w.unsettledLocked(row.ID) {
			w.recordHistoryLocked(row, now)
		}
	}
	for id := range w.pending {
		keepLocal(next, w.customers, id)
	}
	for id, count := range w.retrying {
		keepLocal(next, w.customers, id)
		log.Warn().Str("customer_id", id).Int("writes", count).Msg("backend behind local state; keeping local row until replay succeeds")
	}
	w.customers = next
	syncedAt := now.UTC()
	w.syncedAt = &syncedAt
	w.stale = false
	w.reconcileCountdownLocked()
	snap := w.publishLocked()
	w.mu.Unlock()

	w.deliver(snap)
	w.saveCache(ctx, snap)
	return nil
}

// replayFailed retries queued writes in their original order. The first
// transport failure stops the replay and keeps the rest queued.
func (w *Waitlist) replayFailed(ctx context.Context) {
	w.mu.Lock()
	if len(w.retries) == 0 || w.closed {
		w.mu.Unlock()
		return
	}
	seq := w.nextSeq
	w.nextSeq++
	w.mu.Unlock()

	w.waitTurn(seq)
	defer w.endTurn()

	w.mu.Lock()
	queued := w.retries
	w.retries = nil
	w.mu.Unlock()

	for i, retry := range queued {
		writeCtx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
		err := retry.write(writeCtx)
		cancel()

		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrCustomerNotFound) {
			log.Warn().Err(err).Int("queued", len(queued)-i).Msg("replay of failed writes stopped")
			w.mu.Lock()
			w.retries = append(queued[i:len(queued):len(queued)], w.retries...)
			w.mu.Unlock()
			return
		}

		w.mu.Lock()
		w.retrying[retry.customerID]--
		if w.retrying[retry.customerID] <= 0 {
			delete(w.retrying, retry.customerID)
		}
		if err == nil {
			w.replayedLocked(retry.opID)
		}
		w.mu.Unlock()

		event := log.Info()
		if err != nil {
			event = log.Warn().Err(err)
		}
		event.Str("op_id", retry.opID).
			Str("kind", retry.kind).
			Str("customer_id", retry.customerID).
			Bool("applied", err == nil).
			Msg("replayed failed write")
	}
}

func (w *Waitlist) replayedLocked(opID string) {
	w.failedCount--
	op, ok := w.operations[opID]
	if !ok {
		return
	}
	finishedAt := w.opts.Now().UTC()
	op.State = OpSynced
	op.Error = ""
	op.FinishedAt = &finishedAt
}

// unsettledLocked reports whether local state for id is ahead of the backend.
func (w *Waitlist) unsettledLocked(id string) bool {
	return w.pending[id] > 0 || w.retrying[id] > 0
}

func keepLocal(next, local map[string]models.Customer, id string) {
	if customer, ok := local[id]; ok {
		next[id] = customer
	} else {
		delete(next, id)
	}
}

func (w *Waitlist) applyChange(event store.ChangeEvent) {
	if event.Table != "" && event.Table != store.CustomersTable {
		return
	}
	row := event.Row
	if row.ID == "" {
		return
	}

	now := w.opts.Now()
	w.mu.Lock()
	if w.closed || w.unsettledLocked(row.ID) {
		w.mu.Unlock()
		return
	}
	previous, wasActive := w.customers[row.ID]
	if event.Event == store.ChangeDelete || !row.Active() {
		if !wasActive {
			w.mu.Unlock()
			return
		}
		delete(w.customers, row.ID)
		if event.Event != store.ChangeDelete && row.Status == models.StatusSeated {
			w.recordHistoryLocked(row, now)
		}
	} else {
		if wasActive && sameCustomer(previous, row) {
			w.mu.Unlock()
			return
		}
		w.customers[row.ID] = row
	}
	w.reconcileCountdownLocked()
	snap := w.publishLocked()
	w.mu.Unlock()

	w.deliver(snap)
}

func (w *Waitlist) watchChanges() {
	defer w.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second

	for w.ctx.Err() == nil {
		changes, err := w.backend.Changes(w.ctx)
		if err != nil {
			delay := retry.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", delay).Msg("change feed unavailable")
			if !w.sleep(delay) {
				return
			}
			continue
		}
		retry.Reset()
		// Catch up on anything missed while the feed was down.
		if err := w.Resync(w.ctx); err != nil {
			log.Warn().Err(err).Msg("resync after subscribe failed")
		}
		for event := range changes {
			w.applyChange(event)
		}
		if w.ctx.Err() != nil {
			return
		}
		delay := retry.NextBackOff()
		log.Warn().Dur("retry_in", delay).Msg("change feed closed; reconnecting")
		if !w.sleep(delay) {
			return
		}
	}
}

func (w *Waitlist) resyncLoop() {
	defer w.wg.Done()
	if w.opts.ResyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.opts.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.Resync(w.ctx); err != nil {
				log.Warn().Err(err).Msg("periodic resync failed")
			}
		}
	}
}

func (w *Waitlist) requestResync() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		if err := w.Resync(w.ctx); err != nil {
			log.Warn().Err(err).Msg("resync after failed write failed")
		}
	}()
}

// restore loads the cached snapshot into the queue and marks it stale.
func (w *Waitlist) restore(ctx context.Context) bool {
	if w.opts.Cache == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()

	var cached Snapshot
	found, err := w.opts.Cache.Load(ctx, &cached)
	if err != nil {
		log.Warn().Err(err).Msg("load cached snapshot failed")
		return false
	}
	if !found {
		return false
	}

	w.mu.Lock()
	customers := make(map[string]models.Customer, len(cached.Customers))
	for _, entry := range cached.Customers {
		if entry.Active() {
			customers[entry.ID] = entry.Customer
		}
	}
	for id, local := range w.customers {
		customers[id] = local
	}
	w.customers = customers
	if len(w.history) == 0 {
		w.history = cached.History
	}
	w.syncedAt = cached.SyncedAt
	w.stale = true
	w.reconcileCountdownLocked()
	snap := w.publishLocked()
	w.mu.Unlock()

	w.deliver(snap)
	log.Info().Int("customers", len(customers)).Uint64("cached_version", cached.Version).Msg("restored cached snapshot")
	return true
}

func (w *Waitlist) markStale() {
	w.mu.Lock()
	if w.stale {
		w.mu.Unlock()
		return
	}
	w.stale = true
	snap := w.publishLocked()
	w.mu.Unlock()
	w.deliver(snap)
}

func (w *Waitlist) saveCache(ctx context.Context, snap Snapshot) {
	if w.opts.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
	defer cancel()
	if err := w.opts.Cache.Save(ctx, snap); err != nil {
		log.Warn().Err(err).Uint64("version", snap.Version).Msg("save snapshot cache failed")
	}
}

func (w *Waitlist) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func sameCustomer(a, b models.Customer) bool {
	if a.CalledAt == nil || b.CalledAt == nil {
		if a.CalledAt != b.CalledAt {
			return false
		}
	} else if !sameCalledAt(*a.CalledAt, *b.CalledAt) {
		return false
	}
	a.CalledAt, b.CalledAt = nil, nil
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Phone == b.Phone &&
		a.PartySize == b.PartySize &&
		a.Preferences == b.Preferences &&
		a.Status == b.Status &&
		a.Timestamp == b.Timestamp
}
