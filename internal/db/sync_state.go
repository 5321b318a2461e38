package db

import (
	"context"
	"database/sql"
)

// SyncState tracks the last successful sync cursors for one entity type.
// The logical cursors hold upstream-reported updated_at values; the Actual
// columns hold local wall-clock times of the corresponding pass.
type SyncState struct {
	EntityType                EntityType `json:"entityType"`
	LastFullSync              string     `json:"lastFullSync"`
	LastFullSyncActual        string     `json:"lastFullSyncActual"`
	LastIncrementalSync       string     `json:"lastIncrementalSync"`
	LastIncrementalSyncActual string     `json:"lastIncrementalSyncActual"`
}

// GetSyncState returns the sync state row for an entity type, or nil when the
// type has never completed a sync.
func GetSyncState(ctx context.Context, q DBTX, t EntityType) (*SyncState, error) {
	st := SyncState{EntityType: t}
	err := q.QueryRowContext(ctx, `SELECT IFNULL(last_full_sync,''), IFNULL(last_full_sync_actual,''), IFNULL(last_incremental_sync,''), IFNULL(last_incremental_sync_actual,'')
FROM sync_state WHERE entity_type=?`, string(t)).
		Scan(&st.LastFullSync, &st.LastFullSyncActual, &st.LastIncrementalSync, &st.LastIncrementalSyncActual)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SetSyncState upserts the sync state row for an entity type. Written only at
// the end of a successful pass; a failed pass leaves the old cursors in place.
func SetSyncState(ctx context.Context, q DBTX, st *SyncState) error {
	_, err := q.ExecContext(ctx, `INSERT INTO sync_state(entity_type, last_full_sync, last_full_sync_actual, last_incremental_sync, last_incremental_sync_actual)
VALUES(?,?,?,?,?)
ON CONFLICT(entity_type) DO UPDATE SET
	last_full_sync=excluded.last_full_sync,
	last_full_sync_actual=excluded.last_full_sync_actual,
	last_incremental_sync=excluded.last_incremental_sync,
	last_incremental_sync_actual=excluded.last_incremental_sync_actual`,
		string(st.EntityType), st.LastFullSync, st.LastFullSyncActual, st.LastIncrementalSync, st.LastIncrementalSyncActual)
	return err
}

// ListSyncStates returns all recorded sync states keyed by entity type.
func ListSyncStates(ctx context.Context, q DBTX) (map[EntityType]SyncState, error) {
	rows, err := q.QueryContext(ctx, `SELECT entity_type, IFNULL(last_full_sync,''), IFNULL(last_full_sync_actual,''), IFNULL(last_incremental_sync,''), IFNULL(last_incremental_sync_actual,'') FROM sync_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[EntityType]SyncState{}
	for rows.Next() {
		var st SyncState
		var t string
		if err := rows.Scan(&t, &st.LastFullSync, &st.LastFullSyncActual, &st.LastIncrementalSync, &st.LastIncrementalSyncActual); err != nil {
			return nil, err
		}
		st.EntityType = EntityType(t)
		out[st.EntityType] = st
	}
	return out, rows.Err()
}
