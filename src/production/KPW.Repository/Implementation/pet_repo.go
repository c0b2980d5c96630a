package implementation

import (
	"context"
	"database/sql"
)

type PostgresPetRepository struct {
	db *sql.DB
}

func NewPostgresPetRepository(db *sql.DB) *PostgresPetRepository {
	return &PostgresPetRepository{db: db}
}

func (r *PostgresPetRepository) DeviceIDsForOwner(ctx context.Context, ownerID string) ([]string, error) {
	query := `
		SELECT DISTINCT kitty_paw_device_id
		FROM pets
		WHERE owner_id = $1 AND kitty_paw_device_id IS NOT NULL
		ORDER BY kitty_paw_device_id
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
