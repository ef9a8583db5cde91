package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gtserver/internal/storage"
)

// ErrServerDataMissing is returned when the server_data row has not been
// created by LoadSessionPrerequisites.
var ErrServerDataMissing = errors.New("server data not loaded")

// ServerDataRepository persists the single server_data row.
type ServerDataRepository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

var _ storage.Store = (*ServerDataRepository)(nil)

// NewServerDataRepository creates a ServerDataRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewServerDataRepository(db *pgxpool.Pool) *ServerDataRepository {
	return &ServerDataRepository{db: db, now: time.Now}
}

// LoadSessionPrerequisites reads the server_data row, creating it on first
// boot.
//
// Postcondition: Returns the stored user identifier, or an error if the
// table is unreachable.
func (r *ServerDataRepository) LoadSessionPrerequisites(ctx context.Context) (storage.ServerData, error) {
	if _, err := r.db.Exec(ctx,
		`INSERT INTO server_data (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	); err != nil {
		return storage.ServerData{}, fmt.Errorf("creating server data: %w", err)
	}

	var sd storage.ServerData
	err := r.db.QueryRow(ctx,
		`SELECT user_identifier FROM server_data WHERE id = 1`,
	).Scan(&sd.UserIdentifier)
	if err != nil {
		return storage.ServerData{}, fmt.Errorf("loading server data: %w", err)
	}
	sd.LoadedAt = r.now()
	return sd, nil
}

// NextUserIdentifier atomically increments and returns the user identifier.
//
// Precondition: LoadSessionPrerequisites must have succeeded once against
// this database.
// Postcondition: Successive calls return strictly increasing values.
func (r *ServerDataRepository) NextUserIdentifier(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`UPDATE server_data
		 SET user_identifier = user_identifier + 1, updated_at = NOW()
		 WHERE id = 1
		 RETURNING user_identifier`,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrServerDataMissing
		}
		return 0, fmt.Errorf("allocating user identifier: %w", err)
	}
	return id, nil
}
