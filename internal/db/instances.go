package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InstanceNameMaxLen caps instance display names.
const InstanceNameMaxLen = 100

// Instance is one configured upstream catalog source.
type Instance struct {
	ID        string `json:"id"`
	Name      string `json:"name" validate:"required,max=100"`
	URL       string `json:"url" validate:"required,url"`
	APIKey    string `json:"-"`
	Enabled   bool   `json:"enabled"`
	Priority  int    `json:"priority"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// ErrInstanceNotFound is returned by GetInstance for unknown ids.
var ErrInstanceNotFound = errors.New("instance not found")

const instanceCols = `id, name, url, IFNULL(api_key,''), enabled, priority, IFNULL(created_at,''), IFNULL(updated_at,'')`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var in Instance
	if err := row.Scan(&in.ID, &in.Name, &in.URL, &in.APIKey, &in.Enabled, &in.Priority, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	return &in, nil
}

// ListInstances returns instances ordered by ascending priority. Ties break
// on creation time, then id, so registration order is stable.
func ListInstances(ctx context.Context, q DBTX, onlyEnabled bool) ([]Instance, error) {
	query := `SELECT ` + instanceCols + ` FROM instances`
	if onlyEnabled {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Instance{}
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// GetInstance returns one instance or ErrInstanceNotFound.
func GetInstance(ctx context.Context, q DBTX, id string) (*Instance, error) {
	in, err := scanInstance(q.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM instances WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return in, err
}

// InsertInstance stores a new instance configuration.
func InsertInstance(ctx context.Context, q DBTX, in *Instance) error {
	_, err := q.ExecContext(ctx, `INSERT INTO instances(id, name, url, api_key, enabled, priority) VALUES(?,?,?,?,?,?)`,
		in.ID, in.Name, in.URL, in.APIKey, in.Enabled, in.Priority)
	return err
}

// UpdateInstance rewrites an instance configuration.
func UpdateInstance(ctx context.Context, q DBTX, in *Instance) error {
	res, err := q.ExecContext(ctx, `UPDATE instances SET name=?, url=?, api_key=?, enabled=?, priority=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		in.Name, in.URL, in.APIKey, in.Enabled, in.Priority, in.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, in.ID)
	}
	return nil
}

// DeleteInstance removes an instance configuration. Cached entity rows are
// kept; they stop syncing and fall out of per-user allowed-instance sets.
func DeleteInstance(ctx context.Context, q DBTX, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM instances WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return nil
}
