package db

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ref points at an entity on a specific instance.
type Ref struct {
	ID         string `json:"id"`
	InstanceID string `json:"instanceId"`
}

// Scene is a cached scene row plus its relationship refs.
type Scene struct {
	ID               string  `json:"id"`
	StashInstanceID  string  `json:"stashInstanceId"`
	Title            string  `json:"title"`
	Details          string  `json:"details"`
	Date             string  `json:"date"`
	Duration         float64 `json:"duration"`
	StudioID         string  `json:"studioId"`
	StudioInstanceID string  `json:"studioInstanceId"`
	CreatedAt        string  `json:"createdAt"`
	UpdatedAt        string  `json:"updatedAt"`
	DeletedAt        string  `json:"deletedAt,omitempty"`

	Performers []Ref `json:"performers,omitempty"`
	Tags       []Ref `json:"tags,omitempty"`
	Galleries  []Ref `json:"galleries,omitempty"`
	Groups     []Ref `json:"groups,omitempty"`
}

// Performer is a cached performer row plus its tag refs.
type Performer struct {
	ID              string `json:"id"`
	StashInstanceID string `json:"stashInstanceId"`
	Name            string `json:"name"`
	Disambiguation  string `json:"disambiguation"`
	Gender          string `json:"gender"`
	Birthdate       string `json:"birthdate"`
	Country         string `json:"country"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
	DeletedAt       string `json:"deletedAt,omitempty"`

	Tags []Ref `json:"tags,omitempty"`
}

type Studio struct {
	ID               string `json:"id"`
	StashInstanceID  string `json:"stashInstanceId"`
	Name             string `json:"name"`
	URL              string `json:"url"`
	ParentID         string `json:"parentId"`
	ParentInstanceID string `json:"parentInstanceId"`
	CreatedAt        string `json:"createdAt"`
	UpdatedAt        string `json:"updatedAt"`
	DeletedAt        string `json:"deletedAt,omitempty"`

	Tags []Ref `json:"tags,omitempty"`
}

type Tag struct {
	ID              string `json:"id"`
	StashInstanceID string `json:"stashInstanceId"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
	DeletedAt       string `json:"deletedAt,omitempty"`
}

type Gallery struct {
	ID              string `json:"id"`
	StashInstanceID string `json:"stashInstanceId"`
	Title           string `json:"title"`
	Details         string `json:"details"`
	Date            string `json:"date"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
	DeletedAt       string `json:"deletedAt,omitempty"`

	Tags []Ref `json:"tags,omitempty"`
}

type Group struct {
	ID              string `json:"id"`
	StashInstanceID string `json:"stashInstanceId"`
	Name            string `json:"name"`
	Date            string `json:"date"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
	DeletedAt       string `json:"deletedAt,omitempty"`

	Tags []Ref `json:"tags,omitempty"`
}

type Image struct {
	ID              string `json:"id"`
	StashInstanceID string `json:"stashInstanceId"`
	Title           string `json:"title"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
	DeletedAt       string `json:"deletedAt,omitempty"`

	Tags      []Ref `json:"tags,omitempty"`
	Galleries []Ref `json:"galleries,omitempty"`
}

// UpsertScene writes a scene row and replaces its junction rows.
// An upsert of a previously soft-deleted scene resurrects it.
func UpsertScene(ctx context.Context, q DBTX, s *Scene) error {
	_, err := q.ExecContext(ctx, `INSERT INTO scenes(id, stash_instance_id, title, details, date, duration, studio_id, studio_instance_id, created_at, updated_at, deleted_at)
VALUES(?,?,?,?,?,?,?,?,?,?,NULL)
ON CONFLICT(id, stash_instance_id) DO UPDATE SET
	title=excluded.title, details=excluded.details, date=excluded.date,
	duration=excluded.duration, studio_id=excluded.studio_id,
	studio_instance_id=excluded.studio_instance_id,
	created_at=excluded.created_at, updated_at=excluded.updated_at,
	deleted_at=NULL`,
		s.ID, s.StashInstanceID, s.Title, s.Details, s.Date, s.Duration,
		s.StudioID, s.StudioInstanceID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert scene %s: %w", s.ID, err)
	}
	if err := replaceJunction(ctx, q, "scene_performers", "scene", s.ID, s.StashInstanceID, "performer", s.Performers); err != nil {
		return err
	}
	if err := replaceJunction(ctx, q, "scene_tags", "scene", s.ID, s.StashInstanceID, "tag", s.Tags); err != nil {
		return err
	}
	if err := replaceJunction(ctx, q, "scene_galleries", "scene", s.ID, s.StashInstanceID, "gallery", s.Galleries); err != nil {
		return err
	}
	return replaceJunction(ctx, q, "scene_groups", "scene", s.ID, s.StashInstanceID, "group", s.Groups)
}

// UpsertPerformer writes a performer row and replaces its tag junctions.
func UpsertPerformer(ctx context.Context, q DBTX, p *Performer) error {
	_, err := q.ExecContext(ctx, `INSERT INTO performers(id, stash_instance_id, name, disambiguation, gender, birthdate, country, created_at, updated_at, deleted_at)
VALUES(?,?,?,?,?,?,?,?,?,NULL)
ON CONFLICT(id, stash_instance_id) DO UPDATE SET
	name=excluded.name, disambiguation=excluded.disambiguation,
	gender=excluded.gender, birthdate=excluded.birthdate, country=excluded.country,
	created_at=excluded.created_at, updated_at=excluded.updated_at,
	deleted_at=NULL`,
		p.ID, p.StashInstanceID, p.Name, p.Disambiguation, p.Gender, p.Birthdate, p.Country, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert performer %s: %w", p.ID, err)
	}
	return replaceJunction(ctx, q, "performer_tags", "performer", p.ID, p.StashInstanceID, "tag", p.Tags)
}

func UpsertStudio(ctx context.Context, q DBTX, s *Studio) error {
	_, err := q.ExecContext(ctx, `INSERT INTO studios(id, stash_instance_id, name, url, parent_id, parent_instance_id, created_at, updated_at, deleted_at)
VALUES(?,?,?,?,?,?,?,?,NULL)
ON CONFLICT(id, stash_instance_id) DO UPDATE SET
	name=excluded.name, url=excluded.url, parent_id=excluded.parent_id,
	parent_instance_id=excluded.parent_instance_id,
	created_at=excluded.created_at, updated_at=excluded.updated_at,
	deleted_at=NULL`,
		s.ID, s.StashInstanceID, s.Name, s.URL, s.ParentID, s.ParentInstanceID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert studio %s: %w", s.ID, err)
	}
	return replaceJunction(ctx, q, "studio_tags", "studio", s.ID, s.StashInstanceID, "tag", s.Tags)
}

func UpsertTag(ctx context.Context, q DBTX, t *Tag) error {
	_, err := q.ExecContext(ctx, `INSERT INTO tags(id, stash_instance_id, name, description, created_at, updated_at, deleted_at)
VALUES(?,?,?,?,?,?,NULL)
ON CONFLICT(id, stash_instance_id) DO UPDATE SET
	name=excluded.name, description=excluded.description,
	created_at=excluded.created_at, updated_at=excluded.updated_at,
	deleted_at=NULL`,
		t.ID, t.StashInstanceID, t.Name, t.Description, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert tag %s: %w", t.ID, err)
	}
	return nil
}

func UpsertGallery(ctx context.Context, q DBTX, g *Gallery) error {
	_, err := q.ExecContext(ctx, `INSERT INTO galleries(id, stash_instance_id, title, details, date, created_at, updated_at, deleted_at)
VALUES(?,?,?,?,?,?,?,NULL)
ON CONFLICT(id, stash_instance_id) DO UPDATE SET
	title=excluded.title, details=excluded.details, date=excluded.date,
	created_at=excluded.created_at, updated_at=excluded.updated_at,
	deleted_at=NULL`,
		g.ID, g.StashInstanceID, g.Title, g.Details, g.Date, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert gallery %s: %w", g.ID, err)
	}
	return replaceJunction(ctx, q, "gallery_tags", "gallery", g.ID, g.StashInstanceID, "tag", g.Tags)
}

func UpsertGroup(ctx context.Context, q DBTX, g *Group) error {
	_, err := q.ExecContext(ctx, `INSERT INTO groups(id, stash_instance_id, name, date, created_at, updated_at, deleted_at)
VALUES(?,?,?,?,?,?,NULL)
ON CONFLICT(id, stash_instance_id) DO UPDATE SET
	name=excluded.name, date=excluded.date,
	created_at=excluded.created_at, updated_at=excluded.updated_at,
	deleted_at=NULL`,
		g.ID, g.StashInstanceID, g.Name, g.Date, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", g.ID, err)
	}
	return replaceJunction(ctx, q, "group_tags", "group", g.ID, g.StashInstanceID, "tag", g.Tags)
}

func UpsertImage(ctx context.Context, q DBTX, img *Image) error {
	_, err := q.ExecContext(ctx, `INSERT INTO images(id, stash_instance_id, title, created_at, updated_at, deleted_at)
VALUES(?,?,?,?,?,NULL)
ON CONFLICT(id, stash_instance_id) DO UPDATE SET
	title=excluded.title,
	created_at=excluded.created_at, updated_at=excluded.updated_at,
	deleted_at=NULL`,
		img.ID, img.StashInstanceID, img.Title, img.CreatedAt, img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert image %s: %w", img.ID, err)
	}
	if err := replaceJunction(ctx, q, "image_tags", "image", img.ID, img.StashInstanceID, "tag", img.Tags); err != nil {
		return err
	}
	return replaceJunction(ctx, q, "image_galleries", "image", img.ID, img.StashInstanceID, "gallery", img.Galleries)
}

// replaceJunction rewrites all junction rows owned by the left-hand entity.
// Column names follow the <left>_id/<left>_instance_id convention.
func replaceJunction(ctx context.Context, q DBTX, table, left, leftID, leftInst, right string, refs []Ref) error {
	del := fmt.Sprintf(`DELETE FROM %s WHERE %s_id=? AND %s_instance_id=?`, table, left, left)
	if _, err := q.ExecContext(ctx, del, leftID, leftInst); err != nil {
		return fmt.Errorf("clear %s for %s %s: %w", table, left, leftID, err)
	}
	ins := fmt.Sprintf(`INSERT OR IGNORE INTO %s(%s_id, %s_instance_id, %s_id, %s_instance_id) VALUES(?,?,?,?)`,
		table, left, left, right, right)
	for _, r := range refs {
		if r.ID == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, ins, leftID, leftInst, r.ID, r.InstanceID); err != nil {
			return fmt.Errorf("insert %s row: %w", table, err)
		}
	}
	return nil
}

// ListLiveEntityIDs returns ids of non-deleted rows of the given kind,
// optionally scoped to one instance.
func ListLiveEntityIDs(ctx context.Context, q DBTX, t EntityType, instanceID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE deleted_at IS NULL`, t.Table())
	args := []any{}
	if instanceID != "" {
		query += ` AND stash_instance_id=?`
		args = append(args, instanceID)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SoftDeleteEntities marks the given ids as deleted. The update is chunked to
// stay under sqlite's bound-parameter limit on large libraries.
func SoftDeleteEntities(ctx context.Context, q DBTX, t EntityType, instanceID string, ids []string, now string) (int64, error) {
	const chunk = 500
	var total int64
	for len(ids) > 0 {
		n := len(ids)
		if n > chunk {
			n = chunk
		}
		batch := ids[:n]
		ids = ids[n:]

		placeholders := make([]byte, 0, 2*n)
		args := []any{now}
		for i, id := range batch {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args = append(args, id)
		}
		query := fmt.Sprintf(`UPDATE %s SET deleted_at=? WHERE deleted_at IS NULL AND id IN (%s)`, t.Table(), placeholders)
		if instanceID != "" {
			query += ` AND stash_instance_id=?`
			args = append(args, instanceID)
		}
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("soft delete %s: %w", t, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// GetScene loads one scene row by composite identity, without refs.
func GetScene(ctx context.Context, q DBTX, id, instanceID string) (*Scene, error) {
	var s Scene
	var deleted sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id, stash_instance_id, IFNULL(title,''), IFNULL(details,''), IFNULL(date,''), IFNULL(duration,0), IFNULL(studio_id,''), IFNULL(studio_instance_id,''), IFNULL(created_at,''), IFNULL(updated_at,''), deleted_at
FROM scenes WHERE id=? AND stash_instance_id=?`, id, instanceID).
		Scan(&s.ID, &s.StashInstanceID, &s.Title, &s.Details, &s.Date, &s.Duration, &s.StudioID, &s.StudioInstanceID, &s.CreatedAt, &s.UpdatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	s.DeletedAt = deleted.String
	return &s, nil
}
