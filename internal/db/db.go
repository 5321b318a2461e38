package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// EntityType identifies one of the seven cached entity kinds.
type EntityType string

const (
	EntityScene     EntityType = "scene"
	EntityPerformer EntityType = "performer"
	EntityStudio    EntityType = "studio"
	EntityTag       EntityType = "tag"
	EntityGallery   EntityType = "gallery"
	EntityGroup     EntityType = "group"
	EntityImage     EntityType = "image"
)

// EntityTypes returns all entity kinds in sync order. Referenced kinds
// (tags, studios, performers) sync before the kinds that point at them.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityTag,
		EntityStudio,
		EntityPerformer,
		EntityGroup,
		EntityGallery,
		EntityScene,
		EntityImage,
	}
}

// ParseEntityType validates a caller-supplied entity type string.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case EntityScene, EntityPerformer, EntityStudio, EntityTag, EntityGallery, EntityGroup, EntityImage:
		return t, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Table returns the cache table holding rows of this kind.
func (t EntityType) Table() string {
	switch t {
	case EntityScene:
		return "scenes"
	case EntityPerformer:
		return "performers"
	case EntityStudio:
		return "studios"
	case EntityTag:
		return "tags"
	case EntityGallery:
		return "galleries"
	case EntityGroup:
		return "groups"
	case EntityImage:
		return "images"
	}
	return ""
}

// compositeKeySep joins entity id and instance id in map keys. Upstream ids
// are numeric strings and instance ids are UUIDs, so '|' appears in neither.
const compositeKeySep = "|"

// CompositeKey builds the map key for an (entity id, instance id) pair.
// Keying by id alone conflates same-id entities from different instances.
func CompositeKey(id, instanceID string) string {
	return id + compositeKeySep + instanceID
}

// SplitCompositeKey is the inverse of CompositeKey.
func SplitCompositeKey(key string) (id, instanceID string) {
	if i := strings.Index(key, compositeKeySep); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 100,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS scenes (
		id TEXT NOT NULL,
		stash_instance_id TEXT NOT NULL DEFAULT '',
		title TEXT,
		details TEXT,
		date TEXT,
		duration REAL,
		studio_id TEXT,
		studio_instance_id TEXT,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT,
		PRIMARY KEY (id, stash_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS performers (
		id TEXT NOT NULL,
		stash_instance_id TEXT NOT NULL DEFAULT '',
		name TEXT,
		disambiguation TEXT,
		gender TEXT,
		birthdate TEXT,
		country TEXT,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT,
		PRIMARY KEY (id, stash_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS studios (
		id TEXT NOT NULL,
		stash_instance_id TEXT NOT NULL DEFAULT '',
		name TEXT,
		url TEXT,
		parent_id TEXT,
		parent_instance_id TEXT,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT,
		PRIMARY KEY (id, stash_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id TEXT NOT NULL,
		stash_instance_id TEXT NOT NULL DEFAULT '',
		name TEXT,
		description TEXT,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT,
		PRIMARY KEY (id, stash_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS galleries (
		id TEXT NOT NULL,
		stash_instance_id TEXT NOT NULL DEFAULT '',
		title TEXT,
		details TEXT,
		date TEXT,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT,
		PRIMARY KEY (id, stash_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS groups (
		id TEXT NOT NULL,
		stash_instance_id TEXT NOT NULL DEFAULT '',
		name TEXT,
		date TEXT,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT,
		PRIMARY KEY (id, stash_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS images (
		id TEXT NOT NULL,
		stash_instance_id TEXT NOT NULL DEFAULT '',
		title TEXT,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT,
		PRIMARY KEY (id, stash_instance_id)
	)`,
	// Junction tables carry both sides' instance ids so joins stay
	// instance-correct even when a junction crosses instances.
	`CREATE TABLE IF NOT EXISTS scene_performers (
		scene_id TEXT NOT NULL,
		scene_instance_id TEXT NOT NULL DEFAULT '',
		performer_id TEXT NOT NULL,
		performer_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (scene_id, scene_instance_id, performer_id, performer_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scene_tags (
		scene_id TEXT NOT NULL,
		scene_instance_id TEXT NOT NULL DEFAULT '',
		tag_id TEXT NOT NULL,
		tag_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (scene_id, scene_instance_id, tag_id, tag_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scene_galleries (
		scene_id TEXT NOT NULL,
		scene_instance_id TEXT NOT NULL DEFAULT '',
		gallery_id TEXT NOT NULL,
		gallery_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (scene_id, scene_instance_id, gallery_id, gallery_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scene_groups (
		scene_id TEXT NOT NULL,
		scene_instance_id TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL,
		group_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (scene_id, scene_instance_id, group_id, group_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS performer_tags (
		performer_id TEXT NOT NULL,
		performer_instance_id TEXT NOT NULL DEFAULT '',
		tag_id TEXT NOT NULL,
		tag_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (performer_id, performer_instance_id, tag_id, tag_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS studio_tags (
		studio_id TEXT NOT NULL,
		studio_instance_id TEXT NOT NULL DEFAULT '',
		tag_id TEXT NOT NULL,
		tag_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (studio_id, studio_instance_id, tag_id, tag_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS group_tags (
		group_id TEXT NOT NULL,
		group_instance_id TEXT NOT NULL DEFAULT '',
		tag_id TEXT NOT NULL,
		tag_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (group_id, group_instance_id, tag_id, tag_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gallery_tags (
		gallery_id TEXT NOT NULL,
		gallery_instance_id TEXT NOT NULL DEFAULT '',
		tag_id TEXT NOT NULL,
		tag_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (gallery_id, gallery_instance_id, tag_id, tag_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS image_tags (
		image_id TEXT NOT NULL,
		image_instance_id TEXT NOT NULL DEFAULT '',
		tag_id TEXT NOT NULL,
		tag_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (image_id, image_instance_id, tag_id, tag_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS image_galleries (
		image_id TEXT NOT NULL,
		image_instance_id TEXT NOT NULL DEFAULT '',
		gallery_id TEXT NOT NULL,
		gallery_instance_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (image_id, image_instance_id, gallery_id, gallery_instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		entity_type TEXT PRIMARY KEY,
		last_full_sync TEXT,
		last_full_sync_actual TEXT,
		last_incremental_sync TEXT,
		last_incremental_sync_actual TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS user_excluded_entities (
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT 'hidden',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, entity_type, entity_id, instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_watch_history (
		user_id TEXT NOT NULL,
		scene_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		play_count INTEGER NOT NULL DEFAULT 0,
		o_count INTEGER NOT NULL DEFAULT 0,
		play_history TEXT NOT NULL DEFAULT '[]',
		o_history TEXT NOT NULL DEFAULT '[]',
		last_played_at TEXT,
		last_o_at TEXT,
		PRIMARY KEY (user_id, scene_id, instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_performer_stats (
		user_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL,
		o_counter INTEGER NOT NULL DEFAULT 0,
		play_count INTEGER NOT NULL DEFAULT 0,
		last_played_at TEXT,
		last_o_at TEXT,
		PRIMARY KEY (user_id, instance_id, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_studio_stats (
		user_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL,
		o_counter INTEGER NOT NULL DEFAULT 0,
		play_count INTEGER NOT NULL DEFAULT 0,
		last_played_at TEXT,
		last_o_at TEXT,
		PRIMARY KEY (user_id, instance_id, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_tag_stats (
		user_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL,
		o_counter INTEGER NOT NULL DEFAULT 0,
		play_count INTEGER NOT NULL DEFAULT 0,
		last_played_at TEXT,
		last_o_at TEXT,
		PRIMARY KEY (user_id, instance_id, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_entity_ratings (
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		rating100 INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, entity_type, entity_id, instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_favorites (
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, entity_type, entity_id, instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_performer_rankings (
		user_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		performer_id TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		o_counter INTEGER NOT NULL DEFAULT 0,
		play_count INTEGER NOT NULL DEFAULT 0,
		rating100 INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, instance_id, performer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scenes_studio ON scenes(studio_id, studio_instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_scene_performers_performer ON scene_performers(performer_id, performer_instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_scene_tags_tag ON scene_tags(tag_id, tag_instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_watch_history_user ON user_watch_history(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_excluded_user ON user_excluded_entities(user_id, entity_type)`,
}

// Init creates all tables and applies additive column migrations.
func Init(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	// Rows cached before multi-instance support lack stash_instance_id.
	// Add the column with an empty default so legacy rows stay queryable.
	for _, t := range EntityTypes() {
		if err := ensureColumn(db, t.Table(), "stash_instance_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if the table predates it.
func ensureColumn(db *sql.DB, table, col, typ string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return err
		}
		if n == col {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, col, typ)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, col, err)
	}
	return nil
}
