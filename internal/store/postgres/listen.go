package postgres

import (
	"context"
	"encoding/json"

	"qms/waitlist-service/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Changes holds a dedicated connection listening for row notifications emitted by the
// waiting_customers trigger. The channel closes when ctx ends or the connection drops.
func (s *Store) Changes(ctx context.Context) (<-chan store.ChangeEvent, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire listen connection")
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changesChannel); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, "listen for changes")
	}
	pgConn := conn.Hijack()

	events := make(chan store.ChangeEvent, changeBufferSize)
	go func() {
		defer close(events)
		defer pgConn.Close(context.Background())
		for {
			notification, err := pgConn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("change feed interrupted")
				}
				return
			}
			var event store.ChangeEvent
			if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
				log.Warn().Err(err).Str("channel", notification.Channel).Msg("discarding malformed change notification")
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
