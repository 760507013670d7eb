package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"qms/waitlist-service/internal/models"
	"qms/waitlist-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const (
	changesChannel   = "waiting_customers_changes"
	uniqueViolation  = "23505"
	customerColumns  = "id, name, phone, party_size, preferences, status, timestamp, called_at, created_at"
	changeBufferSize = 64
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Insert(ctx context.Context, customer models.Customer) error {
	prefs, err := jsonBytes(customer.Preferences)
	if err != nil {
		return err
	}
	createdAt := customer.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO waiting_customers (`+customerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, customer.ID, customer.Name, customer.Phone, customer.PartySize, prefs, customer.Status, customer.Timestamp, customer.CalledAt, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return errors.Wrap(err, "insert customer")
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, fields store.CustomerFields) error {
	if fields.Empty() {
		return nil
	}

	var sets []string
	var args []interface{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if fields.Status != nil {
		add("status", *fields.Status)
	}
	if fields.CalledAt != nil {
		add("called_at", *fields.CalledAt)
	} else if fields.ClearCalledAt {
		sets = append(sets, "called_at = NULL")
	}
	if fields.PartySize != nil {
		add("party_size", *fields.PartySize)
	}
	if fields.Preferences != nil {
		prefs, err := jsonBytes(*fields.Preferences)
		if err != nil {
			return err
		}
		add("preferences", prefs)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE waiting_customers SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if fields.ExpectedStatus != "" {
		args = append(args, fields.ExpectedStatus)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return errors.Wrap(err, "update customer")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrCustomerNotFound
	}
	return store.ErrConflict
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM waiting_customers WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete customer")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCustomerNotFound
	}
	return nil
}

func (s *Store) SelectAll(ctx context.Context) ([]models.Customer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+customerColumns+`
		FROM waiting_customers
		ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "select customers")
	}
	defer rows.Close()

	var customers []models.Customer
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "select customers")
	}
	return customers, nil
}

func (s *Store) FetchDailyStats(ctx context.Context, date string) (models.DailyStatistics, error) {
	var stats models.DailyStatistics
	row := s.pool.QueryRow(ctx, `SELECT stat_date, total_groups, total_people FROM get_daily_statistics($1::date)`, date)
	if err := row.Scan(&stats.Date, &stats.GroupsCount, &stats.PeopleCount); err != nil {
		return models.DailyStatistics{}, errors.Wrapf(err, "fetch daily statistics %s", date)
	}
	return stats, nil
}

func (s *Store) IncrementDailyStats(ctx context.Context, date string, partySize int) (models.DailyStatistics, error) {
	var stats models.DailyStatistics
	row := s.pool.QueryRow(ctx, `SELECT stat_date, total_groups, total_people FROM increment_daily_statistics($1::date, $2)`, date, partySize)
	if err := row.Scan(&stats.Date, &stats.GroupsCount, &stats.PeopleCount); err != nil {
		return models.DailyStatistics{}, errors.Wrapf(err, "increment daily statistics %s", date)
	}
	return stats, nil
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var found bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM waiting_customers WHERE id = $1)`, id)
	if err := row.Scan(&found); err != nil {
		return false, errors.Wrap(err, "lookup customer")
	}
	return found, nil
}

func scanCustomer(row pgx.Row) (models.Customer, error) {
	var customer models.Customer
	var prefs []byte
	var calledAtNull sql.NullTime
	if err := row.Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.PartySize, &prefs, &customer.Status, &customer.Timestamp, &calledAtNull, &customer.CreatedAt); err != nil {
		return models.Customer{}, errors.Wrap(err, "scan customer")
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &customer.Preferences); err != nil {
			return models.Customer{}, errors.Wrapf(err, "decode preferences for %s", customer.ID)
		}
	}
	customer.CalledAt = nullTimePtr(calledAtNull)
	return customer, nil
}

func jsonBytes(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
