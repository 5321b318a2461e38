package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"stashmirror/internal/db"
)

// Event kinds recorded against a scene.
const (
	eventPlay = "play"
	eventO    = "o"
)

// ErrSceneNotFound is returned when an event targets a scene the cache has
// never seen.
var ErrSceneNotFound = errors.New("scene not found")

// Service records watch events and maintains the derived per-user
// aggregations. Watch history is the source of truth; stats and rankings can
// always be rebuilt from it.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// New returns a stats service over the cache database.
func New(database *sql.DB) *Service {
	return &Service{db: database, now: time.Now}
}

// RecordPlay appends a play event for one scene and bumps the related
// performer, studio and tag aggregates.
func (s *Service) RecordPlay(ctx context.Context, userID, sceneID, instanceID string) error {
	return s.record(ctx, userID, sceneID, instanceID, eventPlay)
}

// RecordO appends an O event for one scene and bumps the related aggregates.
func (s *Service) RecordO(ctx context.Context, userID, sceneID, instanceID string) error {
	return s.record(ctx, userID, sceneID, instanceID, eventO)
}

func (s *Service) record(ctx context.Context, userID, sceneID, instanceID, kind string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	scene, err := db.GetScene(ctx, tx, sceneID, instanceID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s on instance %q", ErrSceneNotFound, sceneID, instanceID)
	}
	if err != nil {
		return err
	}

	h, err := db.GetWatchHistory(ctx, tx, userID, sceneID, instanceID)
	if err != nil {
		return err
	}
	if h == nil {
		h = &db.WatchHistory{
			UserID:      userID,
			SceneID:     sceneID,
			InstanceID:  instanceID,
			PlayHistory: "[]",
			OHistory:    "[]",
		}
	}

	ts := s.now().UTC().Format(time.RFC3339)
	switch kind {
	case eventPlay:
		h.PlayHistory, h.PlayCount = appendHistory(h.PlayHistory, ts)
		h.LastPlayedAt = ts
	case eventO:
		h.OHistory, h.OCount = appendHistory(h.OHistory, ts)
		h.LastOAt = ts
	}
	if err := db.UpsertWatchHistory(ctx, tx, h); err != nil {
		return fmt.Errorf("save watch history: %w", err)
	}

	rel, err := sceneRelations(ctx, tx, scene)
	if err != nil {
		return err
	}
	for t, refs := range rel {
		for _, r := range refs {
			if err := s.bump(ctx, tx, userID, t, r, kind, ts); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// bump applies one event to an aggregated stats row.
func (s *Service) bump(ctx context.Context, tx *sql.Tx, userID string, t db.EntityType, r db.Ref, kind, ts string) error {
	row, err := db.GetUserStats(ctx, tx, t, userID, r.InstanceID, r.ID)
	if err != nil {
		return err
	}
	if row == nil {
		row = &db.UserStats{UserID: userID, InstanceID: r.InstanceID, EntityID: r.ID}
	}
	switch kind {
	case eventPlay:
		row.PlayCount++
		row.LastPlayedAt = ts
	case eventO:
		row.OCounter++
		row.LastOAt = ts
	}
	return db.UpsertUserStats(ctx, tx, t, row)
}

// RebuildAllStatsForUser drops the user's aggregates and replays their watch
// history. Rows for scenes no longer in the cache are skipped; any storage
// failure aborts the whole rebuild.
func (s *Service) RebuildAllStatsForUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range []db.EntityType{db.EntityPerformer, db.EntityStudio, db.EntityTag} {
		if err := db.ClearUserStats(ctx, tx, t, userID); err != nil {
			return fmt.Errorf("clear %s stats: %w", t, err)
		}
	}

	history, err := db.ListWatchHistoryForUser(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("load watch history: %w", err)
	}

	// Accumulate per composite key so same-id entities on different
	// instances land in separate rows.
	acc := map[db.EntityType]map[string]*db.UserStats{
		db.EntityPerformer: {},
		db.EntityStudio:    {},
		db.EntityTag:       {},
	}
	skipped := 0
	for _, h := range history {
		scene, err := db.GetScene(ctx, tx, h.SceneID, h.InstanceID)
		if err == sql.ErrNoRows {
			skipped++
			continue
		}
		if err != nil {
			return err
		}
		rel, err := sceneRelations(ctx, tx, scene)
		if err != nil {
			return err
		}
		playCount := max(h.PlayCount, len(parseHistory(h.PlayHistory)))
		oCount := max(h.OCount, len(parseHistory(h.OHistory)))
		for t, refs := range rel {
			for _, r := range refs {
				key := db.CompositeKey(r.ID, r.InstanceID)
				row, ok := acc[t][key]
				if !ok {
					row = &db.UserStats{UserID: userID, InstanceID: r.InstanceID, EntityID: r.ID}
					acc[t][key] = row
				}
				row.PlayCount += playCount
				row.OCounter += oCount
				row.LastPlayedAt = maxTimestamp(row.LastPlayedAt, h.LastPlayedAt)
				row.LastOAt = maxTimestamp(row.LastOAt, h.LastOAt)
			}
		}
	}

	for t, rows := range acc {
		for _, row := range rows {
			if err := db.UpsertUserStats(ctx, tx, t, row); err != nil {
				return fmt.Errorf("write %s stats: %w", t, err)
			}
		}
	}
	if skipped > 0 {
		log.Debug().Str("user_id", userID).Int("skipped", skipped).Msg("watch history rows without cached scene")
	}
	return tx.Commit()
}

// RebuildAllStats rebuilds stats and rankings for every user with history.
// One user's failure does not stop the others; all failures are joined into
// the returned error.
func (s *Service) RebuildAllStats(ctx context.Context) (int, error) {
	users, err := db.ListWatchHistoryUsers(ctx, s.db)
	if err != nil {
		return 0, err
	}
	var errs []error
	done := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.RebuildAllStatsForUser(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("stats rebuild failed")
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		if err := s.RebuildRankingsForUser(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("ranking rebuild failed")
			errs = append(errs, fmt.Errorf("user %s rankings: %w", userID, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// RebuildRankingsForUser recomputes performer ranking rows from the user's
// aggregated stats, ratings and the average duration of the performer's
// scenes. Aggregates coming back from sqlite as floats are rounded before
// landing in integer columns.
func (s *Service) RebuildRankingsForUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_performer_rankings WHERE user_id=?`, userID); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT st.instance_id, st.entity_id, st.o_counter, st.play_count,
	IFNULL(r.rating100, 0),
	IFNULL((SELECT AVG(sc.duration) FROM scenes sc
		JOIN scene_performers sp ON sp.scene_id=sc.id AND sp.scene_instance_id=sc.stash_instance_id
		WHERE sp.performer_id=st.entity_id AND sp.performer_instance_id=st.instance_id AND sc.deleted_at IS NULL), 0)
FROM user_performer_stats st
LEFT JOIN user_entity_ratings r ON r.user_id=st.user_id AND r.entity_type='performer'
	AND r.entity_id=st.entity_id AND r.instance_id=st.instance_id
WHERE st.user_id=?`, userID)
	if err != nil {
		return fmt.Errorf("load performer stats: %w", err)
	}
	defer rows.Close()

	type ranking struct {
		instanceID  string
		performerID string
		oCounter    int
		playCount   int
		rating      int
		score       float64
	}
	var rankings []ranking
	for rows.Next() {
		var instanceID, performerID string
		var oCounter, playCount, rating, avgDuration float64
		if err := rows.Scan(&instanceID, &performerID, &oCounter, &playCount, &rating, &avgDuration); err != nil {
			return err
		}
		rankings = append(rankings, ranking{
			instanceID:  instanceID,
			performerID: performerID,
			oCounter:    int(math.Round(oCounter)),
			playCount:   int(math.Round(playCount)),
			rating:      int(math.Round(rating)),
			score:       oCounter*5 + playCount*2 + rating/10 + avgDuration/600,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, rk := range rankings {
		_, err := tx.ExecContext(ctx, `INSERT INTO user_performer_rankings(user_id, instance_id, performer_id, score, o_counter, play_count, rating100, updated_at)
VALUES(?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(user_id, instance_id, performer_id) DO UPDATE SET
	score=excluded.score, o_counter=excluded.o_counter, play_count=excluded.play_count,
	rating100=excluded.rating100, updated_at=CURRENT_TIMESTAMP`,
			userID, rk.instanceID, rk.performerID, rk.score, rk.oCounter, rk.playCount, rk.rating)
		if err != nil {
			return fmt.Errorf("write ranking: %w", err)
		}
	}
	return tx.Commit()
}

// sceneRelations returns the stats-bearing entities a scene contributes to:
// its performers, its studio and its directly attached tags.
func sceneRelations(ctx context.Context, q db.DBTX, scene *db.Scene) (map[db.EntityType][]db.Ref, error) {
	rel := map[db.EntityType][]db.Ref{}

	performers, err := refPairs(ctx, q,
		`SELECT performer_id, performer_instance_id FROM scene_performers WHERE scene_id=? AND scene_instance_id=?`,
		scene.ID, scene.StashInstanceID)
	if err != nil {
		return nil, err
	}
	rel[db.EntityPerformer] = performers

	if scene.StudioID != "" {
		rel[db.EntityStudio] = []db.Ref{{ID: scene.StudioID, InstanceID: scene.StudioInstanceID}}
	}

	tags, err := refPairs(ctx, q,
		`SELECT tag_id, tag_instance_id FROM scene_tags WHERE scene_id=? AND scene_instance_id=?`,
		scene.ID, scene.StashInstanceID)
	if err != nil {
		return nil, err
	}
	rel[db.EntityTag] = tags
	return rel, nil
}

func refPairs(ctx context.Context, q db.DBTX, query string, args ...any) ([]db.Ref, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []db.Ref
	for rows.Next() {
		var r db.Ref
		if err := rows.Scan(&r.ID, &r.InstanceID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// parseHistory decodes a history column. Values written by older clients can
// be double-encoded, a JSON string containing the array; both forms decode.
func parseHistory(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out
	}
	var inner string
	if err := json.Unmarshal([]byte(raw), &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), &out); err == nil {
			return out
		}
	}
	return nil
}

// appendHistory adds one timestamp and returns the serialized array and its
// new length, which doubles as the event count.
func appendHistory(raw, ts string) (string, int) {
	hist := append(parseHistory(raw), ts)
	b, err := json.Marshal(hist)
	if err != nil {
		return raw, len(hist)
	}
	return string(b), len(hist)
}

// maxTimestamp returns the later RFC3339 timestamp, treating "" as earliest.
func maxTimestamp(a, b string) string {
	if b > a {
		return b
	}
	return a
}
