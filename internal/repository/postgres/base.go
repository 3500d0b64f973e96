package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db *sqlx.DB
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *sqlx.DB) BaseRepository {
	return BaseRepository{db: db}
}

// exists reports whether a row with id is present in table.
func (r *BaseRepository) exists(ctx context.Context, table string, id interface{}) (bool, error) {
	var found bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := r.db.GetContext(ctx, &found, query, id); err != nil {
		return false, err
	}
	return found, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// jsonParam renders a JSON document as text so lib/pq sends it as jsonb
// rather than bytea.
func jsonParam(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
