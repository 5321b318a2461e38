package exclusions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"stashmirror/internal/db"
)

// Service maintains per-user exclusions. Hiding a performer, studio or tag
// cascades to the content it reaches; the cascade is recomputed from scratch
// on every change so removals converge without tracking provenance.
type Service struct {
	db *sql.DB
}

// New returns an exclusion service over the cache database.
func New(database *sql.DB) *Service {
	return &Service{db: database}
}

// Hide records a hidden root for the user and recomputes the cascade.
// An empty instanceID hides every same-id copy across all instances.
func (s *Service) Hide(ctx context.Context, userID string, t db.EntityType, entityID, instanceID string) error {
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = db.UpsertExclusion(ctx, tx, &db.UserExcludedEntity{
		UserID:     userID,
		EntityType: t,
		EntityID:   entityID,
		InstanceID: instanceID,
		Reason:     db.ReasonHidden,
	})
	if err != nil {
		return fmt.Errorf("record exclusion: %w", err)
	}
	if err := s.recompute(ctx, tx, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// Unhide removes a hidden root and recomputes the cascade, which drops any
// derived exclusions no other hidden root still justifies.
func (s *Service) Unhide(ctx context.Context, userID string, t db.EntityType, entityID, instanceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := db.DeleteExclusion(ctx, tx, userID, t, entityID, instanceID); err != nil {
		return fmt.Errorf("remove exclusion: %w", err)
	}
	if err := s.recompute(ctx, tx, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns the user's exclusions, hidden roots and cascade rows alike.
func (s *Service) List(ctx context.Context, userID string) ([]db.UserExcludedEntity, error) {
	return db.ListExclusions(ctx, s.db, userID, "")
}

// Recompute rebuilds the user's cascade rows outside of a hide/unhide, for
// use after sync passes change relationships.
func (s *Service) Recompute(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.recompute(ctx, tx, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// recompute drops all cascade rows and re-derives them from the remaining
// hidden roots. Hidden rows are never touched; a cascade insert that collides
// with a hidden row is ignored so the stronger reason survives.
func (s *Service) recompute(ctx context.Context, tx *sql.Tx, userID string) error {
	if err := db.DeleteCascadeExclusions(ctx, tx, userID); err != nil {
		return fmt.Errorf("clear cascade: %w", err)
	}
	roots, err := db.ListExclusions(ctx, tx, userID, db.ReasonHidden)
	if err != nil {
		return fmt.Errorf("load hidden roots: %w", err)
	}
	derived := 0
	for _, root := range roots {
		n, err := s.cascadeRoot(ctx, tx, userID, root)
		if err != nil {
			return fmt.Errorf("cascade %s %s: %w", root.EntityType, root.EntityID, err)
		}
		derived += n
	}
	if derived > 0 {
		log.Debug().Str("user_id", userID).Int("derived", derived).Msg("exclusion cascade recomputed")
	}
	return nil
}

// cascadeRoot derives the closure of one hidden root. A scoped root derives
// rows carrying each reached entity's own instance id; an unscoped root
// derives unscoped rows that match every instance.
func (s *Service) cascadeRoot(ctx context.Context, tx *sql.Tx, userID string, root db.UserExcludedEntity) (int, error) {
	scoped := root.InstanceID != ""
	total := 0
	add := func(t db.EntityType, refs []db.Ref) error {
		n, err := insertCascade(ctx, tx, userID, t, refs, scoped)
		total += n
		return err
	}

	switch root.EntityType {
	case db.EntityPerformer:
		scenes, err := s.performerScenes(ctx, tx, root)
		if err != nil {
			return total, err
		}
		return total, add(db.EntityScene, scenes)

	case db.EntityStudio:
		scenes, err := s.studioScenes(ctx, tx, root)
		if err != nil {
			return total, err
		}
		return total, add(db.EntityScene, scenes)

	case db.EntityTag:
		for t, query := range map[db.EntityType]string{
			db.EntityPerformer: `SELECT performer_id, performer_instance_id FROM performer_tags WHERE tag_id=?`,
			db.EntityStudio:    `SELECT studio_id, studio_instance_id FROM studio_tags WHERE tag_id=?`,
			db.EntityGroup:     `SELECT group_id, group_instance_id FROM group_tags WHERE tag_id=?`,
			db.EntityGallery:   `SELECT gallery_id, gallery_instance_id FROM gallery_tags WHERE tag_id=?`,
		} {
			filtered, args := rootFilter(query, "tag", root)
			refs, err := s.pairs(ctx, tx, filtered, args...)
			if err != nil {
				return total, err
			}
			if err := add(t, refs); err != nil {
				return total, err
			}
		}
		scenes, err := s.tagScenes(ctx, tx, root)
		if err != nil {
			return total, err
		}
		return total, add(db.EntityScene, scenes)
	}

	// Other root kinds hide only themselves.
	return total, nil
}

// performerScenes returns scenes featuring the hidden performer.
func (s *Service) performerScenes(ctx context.Context, tx *sql.Tx, root db.UserExcludedEntity) ([]db.Ref, error) {
	query, args := rootFilter(
		`SELECT scene_id, scene_instance_id FROM scene_performers WHERE performer_id=?`,
		"performer", root)
	return s.pairs(ctx, tx, query, args...)
}

// studioScenes returns live scenes belonging to the hidden studio.
func (s *Service) studioScenes(ctx context.Context, tx *sql.Tx, root db.UserExcludedEntity) ([]db.Ref, error) {
	query := `SELECT id, stash_instance_id FROM scenes WHERE deleted_at IS NULL AND studio_id=?`
	args := []any{root.EntityID}
	if root.InstanceID != "" {
		query += ` AND studio_instance_id=?`
		args = append(args, root.InstanceID)
	}
	return s.pairs(ctx, tx, query, args...)
}

// tagScenes unions scenes reached by the hidden tag: tagged directly, through
// a tagged performer, through a tagged studio, or through a tagged group.
// Joins always bind both id and instance id so closures never cross instances.
func (s *Service) tagScenes(ctx context.Context, tx *sql.Tx, root db.UserExcludedEntity) ([]db.Ref, error) {
	queries := []struct {
		sql  string
		side string
	}{
		{`SELECT scene_id, scene_instance_id FROM scene_tags WHERE tag_id=?`, "tag"},
		{`SELECT sp.scene_id, sp.scene_instance_id FROM scene_performers sp
JOIN performer_tags pt ON pt.performer_id=sp.performer_id AND pt.performer_instance_id=sp.performer_instance_id
WHERE pt.tag_id=?`, "pt.tag"},
		{`SELECT s.id, s.stash_instance_id FROM scenes s
JOIN studio_tags st ON st.studio_id=s.studio_id AND st.studio_instance_id=s.studio_instance_id
WHERE s.deleted_at IS NULL AND st.tag_id=?`, "st.tag"},
		{`SELECT sg.scene_id, sg.scene_instance_id FROM scene_groups sg
JOIN group_tags gt ON gt.group_id=sg.group_id AND gt.group_instance_id=sg.group_instance_id
WHERE gt.tag_id=?`, "gt.tag"},
	}
	seen := map[string]struct{}{}
	var out []db.Ref
	for _, q := range queries {
		filtered, args := rootFilter(q.sql, q.side, root)
		refs, err := s.pairs(ctx, tx, filtered, args...)
		if err != nil {
			return nil, err
		}
		for _, r := range refs {
			key := db.CompositeKey(r.ID, r.InstanceID)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}

// rootFilter appends the root's instance predicate when the root is scoped.
func rootFilter(query, side string, root db.UserExcludedEntity) (string, []any) {
	args := []any{root.EntityID}
	if root.InstanceID != "" {
		query += fmt.Sprintf(` AND %s_instance_id=?`, side)
		args = append(args, root.InstanceID)
	}
	return query, args
}

// pairs runs a two-column (id, instance_id) query.
func (s *Service) pairs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]db.Ref, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
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

// insertCascade writes derived rows, ignoring collisions with hidden rows.
func insertCascade(ctx context.Context, tx *sql.Tx, userID string, t db.EntityType, refs []db.Ref, scoped bool) (int, error) {
	n := 0
	for _, r := range refs {
		instanceID := r.InstanceID
		if !scoped {
			instanceID = ""
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_excluded_entities(user_id, entity_type, entity_id, instance_id, reason)
VALUES(?,?,?,?,?)`, userID, string(t), r.ID, instanceID, db.ReasonCascade)
		if err != nil {
			return n, err
		}
		if rows, err := res.RowsAffected(); err == nil {
			n += int(rows)
		}
	}
	return n, nil
}
