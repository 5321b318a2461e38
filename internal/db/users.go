package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Exclusion reasons.
const (
	ReasonHidden  = "hidden"
	ReasonCascade = "cascade"
)

// UserExcludedEntity hides one entity (or all same-id copies) from a user.
// InstanceID "" applies the exclusion globally across every instance; the
// same empty string also appears on legacy rows cached before multi-instance
// support, an overload the schema does not currently distinguish.
type UserExcludedEntity struct {
	UserID     string     `json:"userId"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	InstanceID string     `json:"instanceId"`
	Reason     string     `json:"reason"`
}

// UpsertExclusion records an exclusion, idempotently on the composite key.
func UpsertExclusion(ctx context.Context, q DBTX, e *UserExcludedEntity) error {
	_, err := q.ExecContext(ctx, `INSERT INTO user_excluded_entities(user_id, entity_type, entity_id, instance_id, reason)
VALUES(?,?,?,?,?)
ON CONFLICT(user_id, entity_type, entity_id, instance_id) DO UPDATE SET reason=excluded.reason`,
		e.UserID, string(e.EntityType), e.EntityID, e.InstanceID, e.Reason)
	return err
}

// DeleteExclusion removes one exclusion row.
func DeleteExclusion(ctx context.Context, q DBTX, userID string, t EntityType, entityID, instanceID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM user_excluded_entities WHERE user_id=? AND entity_type=? AND entity_id=? AND instance_id=?`,
		userID, string(t), entityID, instanceID)
	return err
}

// DeleteCascadeExclusions drops every derived exclusion for a user so the
// cascade can be recomputed from the remaining hidden roots.
func DeleteCascadeExclusions(ctx context.Context, q DBTX, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM user_excluded_entities WHERE user_id=? AND reason=?`, userID, ReasonCascade)
	return err
}

// ListExclusions returns a user's exclusions, optionally filtered by reason.
func ListExclusions(ctx context.Context, q DBTX, userID, reason string) ([]UserExcludedEntity, error) {
	query := `SELECT user_id, entity_type, entity_id, instance_id, reason FROM user_excluded_entities WHERE user_id=?`
	args := []any{userID}
	if reason != "" {
		query += ` AND reason=?`
		args = append(args, reason)
	}
	query += ` ORDER BY entity_type, entity_id, instance_id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []UserExcludedEntity{}
	for rows.Next() {
		var e UserExcludedEntity
		var t string
		if err := rows.Scan(&e.UserID, &t, &e.EntityID, &e.InstanceID, &e.Reason); err != nil {
			return nil, err
		}
		e.EntityType = EntityType(t)
		out = append(out, e)
	}
	return out, rows.Err()
}

// WatchHistory accumulates a user's play and O events for one scene on one
// instance. The histories are JSON arrays of timestamps.
type WatchHistory struct {
	UserID       string `json:"userId"`
	SceneID      string `json:"sceneId"`
	InstanceID   string `json:"instanceId"`
	PlayCount    int    `json:"playCount"`
	OCount       int    `json:"oCount"`
	PlayHistory  string `json:"playHistory"`
	OHistory     string `json:"oHistory"`
	LastPlayedAt string `json:"lastPlayedAt"`
	LastOAt      string `json:"lastOAt"`
}

// GetWatchHistory returns the row for one (user, scene, instance), or nil.
func GetWatchHistory(ctx context.Context, q DBTX, userID, sceneID, instanceID string) (*WatchHistory, error) {
	var h WatchHistory
	err := q.QueryRowContext(ctx, `SELECT user_id, scene_id, instance_id, play_count, o_count, play_history, o_history, IFNULL(last_played_at,''), IFNULL(last_o_at,'')
FROM user_watch_history WHERE user_id=? AND scene_id=? AND instance_id=?`, userID, sceneID, instanceID).
		Scan(&h.UserID, &h.SceneID, &h.InstanceID, &h.PlayCount, &h.OCount, &h.PlayHistory, &h.OHistory, &h.LastPlayedAt, &h.LastOAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// UpsertWatchHistory writes the accumulated row.
func UpsertWatchHistory(ctx context.Context, q DBTX, h *WatchHistory) error {
	_, err := q.ExecContext(ctx, `INSERT INTO user_watch_history(user_id, scene_id, instance_id, play_count, o_count, play_history, o_history, last_played_at, last_o_at)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(user_id, scene_id, instance_id) DO UPDATE SET
	play_count=excluded.play_count, o_count=excluded.o_count,
	play_history=excluded.play_history, o_history=excluded.o_history,
	last_played_at=excluded.last_played_at, last_o_at=excluded.last_o_at`,
		h.UserID, h.SceneID, h.InstanceID, h.PlayCount, h.OCount, h.PlayHistory, h.OHistory, h.LastPlayedAt, h.LastOAt)
	return err
}

// ListWatchHistoryForUser returns all of one user's watch history rows.
func ListWatchHistoryForUser(ctx context.Context, q DBTX, userID string) ([]WatchHistory, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id, scene_id, instance_id, play_count, o_count, play_history, o_history, IFNULL(last_played_at,''), IFNULL(last_o_at,'')
FROM user_watch_history WHERE user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WatchHistory{}
	for rows.Next() {
		var h WatchHistory
		if err := rows.Scan(&h.UserID, &h.SceneID, &h.InstanceID, &h.PlayCount, &h.OCount, &h.PlayHistory, &h.OHistory, &h.LastPlayedAt, &h.LastOAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListWatchHistoryUsers returns the distinct user ids with any history.
func ListWatchHistoryUsers(ctx context.Context, q DBTX) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT user_id FROM user_watch_history ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UserStats is one aggregated stats row for a performer, studio or tag,
// keyed by (user, instance, entity) so same-id entities on different
// instances never share a row.
type UserStats struct {
	UserID       string `json:"userId"`
	InstanceID   string `json:"instanceId"`
	EntityID     string `json:"entityId"`
	OCounter     int    `json:"oCounter"`
	PlayCount    int    `json:"playCount"`
	LastPlayedAt string `json:"lastPlayedAt"`
	LastOAt      string `json:"lastOAt"`
}

// StatsTable maps an entity kind to its per-user stats table. Only
// performers, studios and tags carry aggregated stats.
func StatsTable(t EntityType) (string, error) {
	switch t {
	case EntityPerformer:
		return "user_performer_stats", nil
	case EntityStudio:
		return "user_studio_stats", nil
	case EntityTag:
		return "user_tag_stats", nil
	}
	return "", fmt.Errorf("no stats table for entity type %q", t)
}

// ClearUserStats removes all of a user's stats rows for one entity kind.
func ClearUserStats(ctx context.Context, q DBTX, t EntityType, userID string) error {
	table, err := StatsTable(t)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id=?`, table), userID)
	return err
}

// UpsertUserStats writes one aggregated stats row.
func UpsertUserStats(ctx context.Context, q DBTX, t EntityType, s *UserStats) error {
	table, err := StatsTable(t)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(user_id, instance_id, entity_id, o_counter, play_count, last_played_at, last_o_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(user_id, instance_id, entity_id) DO UPDATE SET
	o_counter=excluded.o_counter, play_count=excluded.play_count,
	last_played_at=excluded.last_played_at, last_o_at=excluded.last_o_at`, table),
		s.UserID, s.InstanceID, s.EntityID, s.OCounter, s.PlayCount, s.LastPlayedAt, s.LastOAt)
	return err
}

// GetUserStats returns one stats row, or nil when absent.
func GetUserStats(ctx context.Context, q DBTX, t EntityType, userID, instanceID, entityID string) (*UserStats, error) {
	table, err := StatsTable(t)
	if err != nil {
		return nil, err
	}
	var s UserStats
	err = q.QueryRowContext(ctx, fmt.Sprintf(`SELECT user_id, instance_id, entity_id, o_counter, play_count, IFNULL(last_played_at,''), IFNULL(last_o_at,'')
FROM %s WHERE user_id=? AND instance_id=? AND entity_id=?`, table), userID, instanceID, entityID).
		Scan(&s.UserID, &s.InstanceID, &s.EntityID, &s.OCounter, &s.PlayCount, &s.LastPlayedAt, &s.LastOAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetRating stores a 0-100 rating for one entity on one instance.
func SetRating(ctx context.Context, q DBTX, userID string, t EntityType, entityID, instanceID string, rating int) error {
	_, err := q.ExecContext(ctx, `INSERT INTO user_entity_ratings(user_id, entity_type, entity_id, instance_id, rating100)
VALUES(?,?,?,?,?)
ON CONFLICT(user_id, entity_type, entity_id, instance_id) DO UPDATE SET rating100=excluded.rating100, updated_at=CURRENT_TIMESTAMP`,
		userID, string(t), entityID, instanceID, rating)
	return err
}

// SetFavorite marks or unmarks one entity on one instance as a favorite.
func SetFavorite(ctx context.Context, q DBTX, userID string, t EntityType, entityID, instanceID string, favorite bool) error {
	if favorite {
		_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO user_favorites(user_id, entity_type, entity_id, instance_id) VALUES(?,?,?,?)`,
			userID, string(t), entityID, instanceID)
		return err
	}
	_, err := q.ExecContext(ctx, `DELETE FROM user_favorites WHERE user_id=? AND entity_type=? AND entity_id=? AND instance_id=?`,
		userID, string(t), entityID, instanceID)
	return err
}
