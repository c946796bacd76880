package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// mysqlDuplicateEntry is the server error number for a unique key violation.
const mysqlDuplicateEntry = 1062

// BookingFilter narrows Find.  Empty fields do not filter; an empty Statuses
// slice matches every status.
type BookingFilter struct {
	UserID     string
	ShowtimeID string
	CinemaID   string
	SalaID     string
	Statuses   []model.Status
}

// BookingRepo persists bookings in MySQL.  A booking is stored as one row in
// `bookings` plus one row per seat in `booking_seats`, keyed by
// (booking_id, position) so the seat order survives a round trip.  All
// timestamps are written and read in UTC.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// DB exposes the underlying handle for health checks.
func (r *BookingRepo) DB() *sql.DB { return r.db }

const bookingColumns = `id, showtime_id, movie_id, cinema_id, sala_id, sala_number,
	user_id, user_name, user_email, user_phone,
	payment_method, source, price_total, currency, status, created_at, hold_deadline`

// Save inserts a new booking and its seats in a single transaction.  It
// returns ErrConflict when the id is already taken.
func (r *BookingRepo) Save(ctx context.Context, b *model.Booking) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const q = `INSERT INTO bookings (` + bookingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var deadline any
	if b.HoldDeadline != nil {
		deadline = b.HoldDeadline.UTC()
	}
	_, err = tx.ExecContext(ctx, q,
		b.ID, b.ShowtimeID, b.MovieID, b.CinemaID, b.SalaID, b.SalaNumber,
		b.User.ID, b.User.Name, b.User.Email, b.User.Phone,
		b.PaymentMethod, b.Source, b.PriceTotal, b.Currency, string(b.Status),
		b.CreatedAt.UTC(), deadline,
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return ErrConflict
		}
		return err
	}

	if len(b.Seats) > 0 {
		query := `INSERT INTO booking_seats (booking_id, position, seat_row, seat_number) VALUES `
		args := make([]any, 0, len(b.Seats)*4)
		for i, s := range b.Seats {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, ?)"
			args = append(args, b.ID, i, s.Row, s.Number)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Load returns the booking with the given id or ErrNotFound.
func (r *BookingRepo) Load(ctx context.Context, id string) (*model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	b, err := scanBooking(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	list := []model.Booking{*b}
	if err := r.attachSeats(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

// UpdateStatus moves a booking from one status to another in a single
// conditional write.  deadline is stored as-is (nil clears it).  When the
// stored status is no longer from the update touches nothing and ErrStale is
// returned; an unknown id yields ErrNotFound.
func (r *BookingRepo) UpdateStatus(ctx context.Context, id string, from, to model.Status, deadline *time.Time) error {
	const q = `UPDATE bookings SET status = ?, hold_deadline = ? WHERE id = ? AND status = ?`
	var dl any
	if deadline != nil {
		dl = deadline.UTC()
	}
	res, err := r.db.ExecContext(ctx, q, string(to), dl, id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Nothing changed: tell a missing row apart from a lost race.
	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM bookings WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStale
}

// QueryByScope returns the bookings of one scope whose status is in statuses.
func (r *BookingRepo) QueryByScope(ctx context.Context, scope model.Scope, statuses []model.Status) ([]model.Booking, error) {
	sc := scope.Normalized()
	return r.Find(ctx, BookingFilter{
		ShowtimeID: sc.ShowtimeID,
		CinemaID:   sc.CinemaID,
		SalaID:     sc.SalaID,
		Statuses:   statuses,
	})
}

// Find lists bookings matching the filter, oldest first.
func (r *BookingRepo) Find(ctx context.Context, f BookingFilter) ([]model.Booking, error) {
	where := []string{}
	args := []any{}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ShowtimeID != "" {
		where = append(where, "showtime_id = ?")
		args = append(args, f.ShowtimeID)
	}
	if f.CinemaID != "" {
		where = append(where, "cinema_id = ?")
		args = append(args, f.CinemaID)
	}
	if f.SalaID != "" {
		where = append(where, "sala_id = ?")
		args = append(args, f.SalaID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	cond := "1=1"
	if len(where) > 0 {
		cond = strings.Join(where, " AND ")
	}
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + cond + ` ORDER BY created_at, id`
	return r.queryBookings(ctx, q, args...)
}

// DueHolds returns up to limit HOLD bookings whose deadline is at or before
// the given instant, earliest deadline first.
func (r *BookingRepo) DueHolds(ctx context.Context, before time.Time, limit int) ([]model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE status = ? AND hold_deadline <= ?
		ORDER BY hold_deadline
		LIMIT ?`
	return r.queryBookings(ctx, q, string(model.StatusHold), before.UTC(), limit)
}

// Delete removes a booking outright.  booking_seats rows go with it through
// the ON DELETE CASCADE foreign key.
func (r *BookingRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bookings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *BookingRepo) queryBookings(ctx context.Context, q string, args ...any) ([]model.Booking, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachSeats(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachSeats loads the seats of every booking in list with one query.
func (r *BookingRepo) attachSeats(ctx context.Context, list []model.Booking) error {
	if len(list) == 0 {
		return nil
	}
	idx := make(map[string]int, len(list))
	args := make([]any, 0, len(list))
	for i := range list {
		idx[list[i].ID] = i
		args = append(args, list[i].ID)
		list[i].Seats = []model.Seat{}
	}
	q := `SELECT booking_id, seat_row, seat_number FROM booking_seats
		WHERE booking_id IN (` + placeholders(len(list)) + `)
		ORDER BY booking_id, position`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var bookingID string
		var s model.Seat
		if err := rows.Scan(&bookingID, &s.Row, &s.Number); err != nil {
			return err
		}
		if i, ok := idx[bookingID]; ok {
			list[i].Seats = append(list[i].Seats, s)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var b model.Booking
	var status string
	var deadline sql.NullTime
	err := row.Scan(
		&b.ID, &b.ShowtimeID, &b.MovieID, &b.CinemaID, &b.SalaID, &b.SalaNumber,
		&b.User.ID, &b.User.Name, &b.User.Email, &b.User.Phone,
		&b.PaymentMethod, &b.Source, &b.PriceTotal, &b.Currency, &status,
		&b.CreatedAt, &deadline,
	)
	if err != nil {
		return nil, err
	}
	b.Status = model.Status(status)
	b.CreatedAt = b.CreatedAt.UTC()
	if deadline.Valid {
		t := deadline.Time.UTC()
		b.HoldDeadline = &t
	}
	return &b, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
