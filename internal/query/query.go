package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stashmirror/internal/db"
	"stashmirror/internal/telemetry"
)

// Pagination bounds.
const (
	DefaultPerPage = 25
	MaxPerPage     = 250
)

// Options shapes one list query. UserID scopes ratings, favorites, watch
// stats and exclusions; InstanceID restricts to one instance while
// AllowedInstanceIDs restricts to the currently registered set.
type Options struct {
	UserID             string
	Search             string
	Sort               string
	Direction          string
	Page               int
	PerPage            int
	InstanceID         string
	AllowedInstanceIDs []string
	FavoritesOnly      bool
}

func (o *Options) normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PerPage < 1 {
		o.PerPage = DefaultPerPage
	}
	if o.PerPage > MaxPerPage {
		o.PerPage = MaxPerPage
	}
	if strings.EqualFold(o.Direction, "desc") {
		o.Direction = "DESC"
	} else {
		o.Direction = "ASC"
	}
}

// userFields carries the per-user annotations attached to every list item.
type userFields struct {
	Rating   int  `json:"rating100"`
	Favorite bool `json:"favorite"`
}

type sceneStats struct {
	OCounter     int    `json:"oCounter"`
	PlayCount    int    `json:"playCount"`
	LastPlayedAt string `json:"lastPlayedAt,omitempty"`
}

type SceneItem struct {
	db.Scene
	userFields
	sceneStats
}

type PerformerItem struct {
	db.Performer
	userFields
	sceneStats
}

type StudioItem struct {
	db.Studio
	userFields
	sceneStats
}

type TagItem struct {
	db.Tag
	userFields
	sceneStats
}

type GalleryItem struct {
	db.Gallery
	userFields
}

type GroupItem struct {
	db.Group
	userFields
}

type ImageItem struct {
	db.Image
	userFields
}

// sortColumns whitelists sort keys per entity kind. Values are SQL
// expressions over the aliases used by the list queries; anything not listed
// falls back to the kind's default.
var sortColumns = map[db.EntityType]map[string]string{
	db.EntityScene: {
		"title":          "e.title",
		"date":           "e.date",
		"duration":       "e.duration",
		"created_at":     "e.created_at",
		"updated_at":     "e.updated_at",
		"rating":         "IFNULL(r.rating100,0)",
		"o_counter":      "IFNULL(w.o_count,0)",
		"play_count":     "IFNULL(w.play_count,0)",
		"last_played_at": "IFNULL(w.last_played_at,'')",
	},
	db.EntityPerformer: {
		"name":       "e.name",
		"birthdate":  "e.birthdate",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
		"rating":     "IFNULL(r.rating100,0)",
		"o_counter":  "IFNULL(st.o_counter,0)",
		"play_count": "IFNULL(st.play_count,0)",
	},
	db.EntityStudio: {
		"name":       "e.name",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
		"rating":     "IFNULL(r.rating100,0)",
		"o_counter":  "IFNULL(st.o_counter,0)",
		"play_count": "IFNULL(st.play_count,0)",
	},
	db.EntityTag: {
		"name":       "e.name",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
		"o_counter":  "IFNULL(st.o_counter,0)",
		"play_count": "IFNULL(st.play_count,0)",
	},
	db.EntityGallery: {
		"title":      "e.title",
		"date":       "e.date",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
		"rating":     "IFNULL(r.rating100,0)",
	},
	db.EntityGroup: {
		"name":       "e.name",
		"date":       "e.date",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
		"rating":     "IFNULL(r.rating100,0)",
	},
	db.EntityImage: {
		"title":      "e.title",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
		"rating":     "IFNULL(r.rating100,0)",
	},
}

var defaultSort = map[db.EntityType]string{
	db.EntityScene:     "created_at",
	db.EntityPerformer: "name",
	db.EntityStudio:    "name",
	db.EntityTag:       "name",
	db.EntityGallery:   "created_at",
	db.EntityGroup:     "name",
	db.EntityImage:     "created_at",
}

func orderClause(t db.EntityType, opts Options) string {
	cols := sortColumns[t]
	expr, ok := cols[opts.Sort]
	if !ok {
		expr = cols[defaultSort[t]]
	}
	return fmt.Sprintf(" ORDER BY %s %s, e.id ASC, e.stash_instance_id ASC", expr, opts.Direction)
}

// whereClauses builds the join-free filter shared by the list and count
// queries. Exclusions match either a row scoped to the entity's own instance
// or an unscoped row, which hides every same-id copy. nameCol is the column
// the free-text search matches.
func whereClauses(t db.EntityType, opts Options, nameCol string) (string, []any) {
	where := []string{"e.deleted_at IS NULL"}
	var args []any

	if opts.InstanceID != "" {
		where = append(where, "e.stash_instance_id=?")
		args = append(args, opts.InstanceID)
	} else if len(opts.AllowedInstanceIDs) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(opts.AllowedInstanceIDs)), ",")
		where = append(where, fmt.Sprintf("e.stash_instance_id IN (%s)", ph))
		for _, id := range opts.AllowedInstanceIDs {
			args = append(args, id)
		}
	}

	if opts.UserID != "" {
		where = append(where, `NOT EXISTS (
	SELECT 1 FROM user_excluded_entities x
	WHERE x.user_id=? AND x.entity_type=? AND x.entity_id=e.id
	  AND (x.instance_id='' OR x.instance_id=e.stash_instance_id))`)
		args = append(args, opts.UserID, string(t))
	}

	if opts.FavoritesOnly && opts.UserID != "" {
		where = append(where, `EXISTS (
	SELECT 1 FROM user_favorites uf
	WHERE uf.user_id=? AND uf.entity_type=? AND uf.entity_id=e.id AND uf.instance_id=e.stash_instance_id)`)
		args = append(args, opts.UserID, string(t))
	}

	if opts.Search != "" {
		where = append(where, fmt.Sprintf("e.%s LIKE ?", nameCol))
		args = append(args, "%"+opts.Search+"%")
	}

	return " WHERE " + strings.Join(where, " AND "), args
}

// userJoins attaches the per-user rating and favorite rows. Every join
// equates both the entity id and the instance id, so same-id entities on
// different instances never share user data.
func userJoins(t db.EntityType) string {
	return fmt.Sprintf(`
LEFT JOIN user_entity_ratings r ON r.user_id=? AND r.entity_type='%s' AND r.entity_id=e.id AND r.instance_id=e.stash_instance_id
LEFT JOIN user_favorites f ON f.user_id=? AND f.entity_type='%s' AND f.entity_id=e.id AND f.instance_id=e.stash_instance_id`,
		t, t)
}

func count(ctx context.Context, q db.DBTX, table, where string, args []any) (int, error) {
	var total int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" e"+where, args...).Scan(&total)
	return total, err
}

func limitArgs(opts Options) (string, []any) {
	return " LIMIT ? OFFSET ?", []any{opts.PerPage, (opts.Page - 1) * opts.PerPage}
}

func observe(t db.EntityType, start time.Time) {
	telemetry.QueryDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
}

// SceneResult is one page of scenes plus the unpaged total.
type SceneResult struct {
	Items []SceneItem `json:"items"`
	Total int         `json:"total"`
}

// Scenes lists visible scenes with the user's ratings, favorites and watch
// stats attached.
func Scenes(ctx context.Context, q db.DBTX, opts Options) (*SceneResult, error) {
	defer observe(db.EntityScene, time.Now())
	opts.normalize()
	where, whereArgs := whereClauses(db.EntityScene, opts, "title")

	total, err := count(ctx, q, "scenes", where, whereArgs)
	if err != nil {
		return nil, fmt.Errorf("count scenes: %w", err)
	}

	joins := userJoins(db.EntityScene)
	joins += `
LEFT JOIN user_watch_history w ON w.user_id=? AND w.scene_id=e.id AND w.instance_id=e.stash_instance_id`
	limit, pageArgs := limitArgs(opts)

	args := []any{opts.UserID, opts.UserID, opts.UserID}
	args = append(args, whereArgs...)
	args = append(args, pageArgs...)

	rows, err := q.QueryContext(ctx, `SELECT e.id, e.stash_instance_id, IFNULL(e.title,''), IFNULL(e.details,''), IFNULL(e.date,''), IFNULL(e.duration,0),
	IFNULL(e.studio_id,''), IFNULL(e.studio_instance_id,''), IFNULL(e.created_at,''), IFNULL(e.updated_at,''),
	IFNULL(r.rating100,0), f.entity_id IS NOT NULL,
	IFNULL(w.o_count,0), IFNULL(w.play_count,0), IFNULL(w.last_played_at,'')
FROM scenes e`+joins+where+orderClause(db.EntityScene, opts)+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	res := &SceneResult{Items: []SceneItem{}, Total: total}
	for rows.Next() {
		var it SceneItem
		if err := rows.Scan(&it.ID, &it.StashInstanceID, &it.Title, &it.Details, &it.Date, &it.Duration,
			&it.StudioID, &it.StudioInstanceID, &it.CreatedAt, &it.UpdatedAt,
			&it.Rating, &it.Favorite, &it.OCounter, &it.PlayCount, &it.LastPlayedAt); err != nil {
			return nil, err
		}
		res.Items = append(res.Items, it)
	}
	return res, rows.Err()
}

type PerformerResult struct {
	Items []PerformerItem `json:"items"`
	Total int             `json:"total"`
}

// Performers lists visible performers with the user's aggregated stats.
func Performers(ctx context.Context, q db.DBTX, opts Options) (*PerformerResult, error) {
	defer observe(db.EntityPerformer, time.Now())
	opts.normalize()
	where, whereArgs := whereClauses(db.EntityPerformer, opts, "name")

	total, err := count(ctx, q, "performers", where, whereArgs)
	if err != nil {
		return nil, fmt.Errorf("count performers: %w", err)
	}

	joins := userJoins(db.EntityPerformer)
	joins += `
LEFT JOIN user_performer_stats st ON st.user_id=? AND st.entity_id=e.id AND st.instance_id=e.stash_instance_id`
	limit, pageArgs := limitArgs(opts)

	args := []any{opts.UserID, opts.UserID, opts.UserID}
	args = append(args, whereArgs...)
	args = append(args, pageArgs...)

	rows, err := q.QueryContext(ctx, `SELECT e.id, e.stash_instance_id, IFNULL(e.name,''), IFNULL(e.disambiguation,''), IFNULL(e.gender,''), IFNULL(e.birthdate,''), IFNULL(e.country,''),
	IFNULL(e.created_at,''), IFNULL(e.updated_at,''),
	IFNULL(r.rating100,0), f.entity_id IS NOT NULL,
	IFNULL(st.o_counter,0), IFNULL(st.play_count,0), IFNULL(st.last_played_at,'')
FROM performers e`+joins+where+orderClause(db.EntityPerformer, opts)+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("list performers: %w", err)
	}
	defer rows.Close()

	res := &PerformerResult{Items: []PerformerItem{}, Total: total}
	for rows.Next() {
		var it PerformerItem
		if err := rows.Scan(&it.ID, &it.StashInstanceID, &it.Name, &it.Disambiguation, &it.Gender, &it.Birthdate, &it.Country,
			&it.CreatedAt, &it.UpdatedAt,
			&it.Rating, &it.Favorite, &it.OCounter, &it.PlayCount, &it.LastPlayedAt); err != nil {
			return nil, err
		}
		res.Items = append(res.Items, it)
	}
	return res, rows.Err()
}

type StudioResult struct {
	Items []StudioItem `json:"items"`
	Total int          `json:"total"`
}

// Studios lists visible studios with the user's aggregated stats.
func Studios(ctx context.Context, q db.DBTX, opts Options) (*StudioResult, error) {
	defer observe(db.EntityStudio, time.Now())
	opts.normalize()
	where, whereArgs := whereClauses(db.EntityStudio, opts, "name")

	total, err := count(ctx, q, "studios", where, whereArgs)
	if err != nil {
		return nil, fmt.Errorf("count studios: %w", err)
	}

	joins := userJoins(db.EntityStudio)
	joins += `
LEFT JOIN user_studio_stats st ON st.user_id=? AND st.entity_id=e.id AND st.instance_id=e.stash_instance_id`
	limit, pageArgs := limitArgs(opts)

	args := []any{opts.UserID, opts.UserID, opts.UserID}
	args = append(args, whereArgs...)
	args = append(args, pageArgs...)

	rows, err := q.QueryContext(ctx, `SELECT e.id, e.stash_instance_id, IFNULL(e.name,''), IFNULL(e.url,''), IFNULL(e.parent_id,''), IFNULL(e.parent_instance_id,''),
	IFNULL(e.created_at,''), IFNULL(e.updated_at,''),
	IFNULL(r.rating100,0), f.entity_id IS NOT NULL,
	IFNULL(st.o_counter,0), IFNULL(st.play_count,0), IFNULL(st.last_played_at,'')
FROM studios e`+joins+where+orderClause(db.EntityStudio, opts)+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("list studios: %w", err)
	}
	defer rows.Close()

	res := &StudioResult{Items: []StudioItem{}, Total: total}
	for rows.Next() {
		var it StudioItem
		if err := rows.Scan(&it.ID, &it.StashInstanceID, &it.Name, &it.URL, &it.ParentID, &it.ParentInstanceID,
			&it.CreatedAt, &it.UpdatedAt,
			&it.Rating, &it.Favorite, &it.OCounter, &it.PlayCount, &it.LastPlayedAt); err != nil {
			return nil, err
		}
		res.Items = append(res.Items, it)
	}
	return res, rows.Err()
}

type TagResult struct {
	Items []TagItem `json:"items"`
	Total int       `json:"total"`
}

// Tags lists visible tags with the user's aggregated stats.
func Tags(ctx context.Context, q db.DBTX, opts Options) (*TagResult, error) {
	defer observe(db.EntityTag, time.Now())
	opts.normalize()
	where, whereArgs := whereClauses(db.EntityTag, opts, "name")

	total, err := count(ctx, q, "tags", where, whereArgs)
	if err != nil {
		return nil, fmt.Errorf("count tags: %w", err)
	}

	joins := userJoins(db.EntityTag)
	joins += `
LEFT JOIN user_tag_stats st ON st.user_id=? AND st.entity_id=e.id AND st.instance_id=e.stash_instance_id`
	limit, pageArgs := limitArgs(opts)

	args := []any{opts.UserID, opts.UserID, opts.UserID}
	args = append(args, whereArgs...)
	args = append(args, pageArgs...)

	rows, err := q.QueryContext(ctx, `SELECT e.id, e.stash_instance_id, IFNULL(e.name,''), IFNULL(e.description,''),
	IFNULL(e.created_at,''), IFNULL(e.updated_at,''),
	IFNULL(r.rating100,0), f.entity_id IS NOT NULL,
	IFNULL(st.o_counter,0), IFNULL(st.play_count,0), IFNULL(st.last_played_at,'')
FROM tags e`+joins+where+orderClause(db.EntityTag, opts)+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	res := &TagResult{Items: []TagItem{}, Total: total}
	for rows.Next() {
		var it TagItem
		if err := rows.Scan(&it.ID, &it.StashInstanceID, &it.Name, &it.Description,
			&it.CreatedAt, &it.UpdatedAt,
			&it.Rating, &it.Favorite, &it.OCounter, &it.PlayCount, &it.LastPlayedAt); err != nil {
			return nil, err
		}
		res.Items = append(res.Items, it)
	}
	return res, rows.Err()
}

type GalleryResult struct {
	Items []GalleryItem `json:"items"`
	Total int           `json:"total"`
}

func Galleries(ctx context.Context, q db.DBTX, opts Options) (*GalleryResult, error) {
	defer observe(db.EntityGallery, time.Now())
	opts.normalize()
	where, whereArgs := whereClauses(db.EntityGallery, opts, "title")

	total, err := count(ctx, q, "galleries", where, whereArgs)
	if err != nil {
		return nil, fmt.Errorf("count galleries: %w", err)
	}

	joins := userJoins(db.EntityGallery)
	limit, pageArgs := limitArgs(opts)

	args := []any{opts.UserID, opts.UserID}
	args = append(args, whereArgs...)
	args = append(args, pageArgs...)

	rows, err := q.QueryContext(ctx, `SELECT e.id, e.stash_instance_id, IFNULL(e.title,''), IFNULL(e.details,''), IFNULL(e.date,''),
	IFNULL(e.created_at,''), IFNULL(e.updated_at,''),
	IFNULL(r.rating100,0), f.entity_id IS NOT NULL
FROM galleries e`+joins+where+orderClause(db.EntityGallery, opts)+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("list galleries: %w", err)
	}
	defer rows.Close()

	res := &GalleryResult{Items: []GalleryItem{}, Total: total}
	for rows.Next() {
		var it GalleryItem
		if err := rows.Scan(&it.ID, &it.StashInstanceID, &it.Title, &it.Details, &it.Date,
			&it.CreatedAt, &it.UpdatedAt, &it.Rating, &it.Favorite); err != nil {
			return nil, err
		}
		res.Items = append(res.Items, it)
	}
	return res, rows.Err()
}

type GroupResult struct {
	Items []GroupItem `json:"items"`
	Total int         `json:"total"`
}

func Groups(ctx context.Context, q db.DBTX, opts Options) (*GroupResult, error) {
	defer observe(db.EntityGroup, time.Now())
	opts.normalize()
	where, whereArgs := whereClauses(db.EntityGroup, opts, "name")

	total, err := count(ctx, q, "groups", where, whereArgs)
	if err != nil {
		return nil, fmt.Errorf("count groups: %w", err)
	}

	joins := userJoins(db.EntityGroup)
	limit, pageArgs := limitArgs(opts)

	args := []any{opts.UserID, opts.UserID}
	args = append(args, whereArgs...)
	args = append(args, pageArgs...)

	rows, err := q.QueryContext(ctx, `SELECT e.id, e.stash_instance_id, IFNULL(e.name,''), IFNULL(e.date,''),
	IFNULL(e.created_at,''), IFNULL(e.updated_at,''),
	IFNULL(r.rating100,0), f.entity_id IS NOT NULL
FROM groups e`+joins+where+orderClause(db.EntityGroup, opts)+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	res := &GroupResult{Items: []GroupItem{}, Total: total}
	for rows.Next() {
		var it GroupItem
		if err := rows.Scan(&it.ID, &it.StashInstanceID, &it.Name, &it.Date,
			&it.CreatedAt, &it.UpdatedAt, &it.Rating, &it.Favorite); err != nil {
			return nil, err
		}
		res.Items = append(res.Items, it)
	}
	return res, rows.Err()
}

type ImageResult struct {
	Items []ImageItem `json:"items"`
	Total int         `json:"total"`
}

func Images(ctx context.Context, q db.DBTX, opts Options) (*ImageResult, error) {
	defer observe(db.EntityImage, time.Now())
	opts.normalize()
	where, whereArgs := whereClauses(db.EntityImage, opts, "title")

	total, err := count(ctx, q, "images", where, whereArgs)
	if err != nil {
		return nil, fmt.Errorf("count images: %w", err)
	}

	joins := userJoins(db.EntityImage)
	limit, pageArgs := limitArgs(opts)

	args := []any{opts.UserID, opts.UserID}
	args = append(args, whereArgs...)
	args = append(args, pageArgs...)

	rows, err := q.QueryContext(ctx, `SELECT e.id, e.stash_instance_id, IFNULL(e.title,''),
	IFNULL(e.created_at,''), IFNULL(e.updated_at,''),
	IFNULL(r.rating100,0), f.entity_id IS NOT NULL
FROM images e`+joins+where+orderClause(db.EntityImage, opts)+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	res := &ImageResult{Items: []ImageItem{}, Total: total}
	for rows.Next() {
		var it ImageItem
		if err := rows.Scan(&it.ID, &it.StashInstanceID, &it.Title,
			&it.CreatedAt, &it.UpdatedAt, &it.Rating, &it.Favorite); err != nil {
			return nil, err
		}
		res.Items = append(res.Items, it)
	}
	return res, rows.Err()
}
