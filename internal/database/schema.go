package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates the two booking tables.  Seats live in their own table with
// a position column so the requested order survives, and cascade with their
// booking on an administrative delete.  The (status, hold_deadline) index
// serves the expiry sweep; the scope index serves availability rebuilds.
// Both tables collate as utf8mb4_bin so ids compare byte for byte, exactly
// like the in-process scope keys.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS bookings (
		id             VARCHAR(64)   NOT NULL,
		showtime_id    VARCHAR(64)   NOT NULL,
		movie_id       VARCHAR(64)   NOT NULL,
		cinema_id      VARCHAR(64)   NOT NULL,
		sala_id        VARCHAR(64)   NOT NULL,
		sala_number    INT           NOT NULL,
		user_id        VARCHAR(64)   NOT NULL,
		user_name      VARCHAR(255)  NOT NULL DEFAULT '',
		user_email     VARCHAR(255)  NOT NULL DEFAULT '',
		user_phone     VARCHAR(64)   NOT NULL DEFAULT '',
		payment_method VARCHAR(16)   NOT NULL,
		source         VARCHAR(16)   NOT NULL,
		price_total    DECIMAL(12,2) NOT NULL,
		currency       CHAR(3)       NOT NULL,
		status         VARCHAR(16)   NOT NULL,
		created_at     DATETIME(3)   NOT NULL,
		hold_deadline  DATETIME(3)   NULL,
		PRIMARY KEY (id),
		KEY idx_bookings_scope (showtime_id, cinema_id, sala_id, status),
		KEY idx_bookings_user (user_id, status),
		KEY idx_bookings_hold (status, hold_deadline)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
	`CREATE TABLE IF NOT EXISTS booking_seats (
		booking_id  VARCHAR(64) NOT NULL,
		position    INT         NOT NULL,
		seat_row    VARCHAR(16) NOT NULL,
		seat_number INT         NOT NULL,
		PRIMARY KEY (booking_id, position),
		CONSTRAINT fk_booking_seats_booking FOREIGN KEY (booking_id)
			REFERENCES bookings (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
}

// EnsureSchema creates the booking tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
