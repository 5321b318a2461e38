package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"stashmirror/internal/db"
	"stashmirror/internal/registry"
	"stashmirror/internal/stash"
	"stashmirror/internal/telemetry"
)

// Mode names one kind of sync pass.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// Engine mirrors upstream catalogs into the local cache. One Engine serves
// all registered instances; entity types are processed in dependency order
// so relationship targets exist before the rows that reference them.
type Engine struct {
	db              *sql.DB
	reg             *registry.Registry
	pageSize        int
	cleanupPageSize int

	now func() time.Time
}

// New returns a sync engine over the given cache and registry.
func New(database *sql.DB, reg *registry.Registry, pageSize, cleanupPageSize int) *Engine {
	return &Engine{
		db:              database,
		reg:             reg,
		pageSize:        pageSize,
		cleanupPageSize: cleanupPageSize,
		now:             time.Now,
	}
}

// IncrementalSync runs one incremental pass over every entity type. A failed
// type is logged and skipped; the remaining types still run. The returned
// error joins all per-type failures.
func (e *Engine) IncrementalSync(ctx context.Context) error {
	return e.run(ctx, ModeIncremental, db.EntityTypes())
}

// FullSync refetches everything and then detects deletions. With no explicit
// types it covers all entity types.
func (e *Engine) FullSync(ctx context.Context, types ...db.EntityType) error {
	if len(types) == 0 {
		types = db.EntityTypes()
	}
	return e.run(ctx, ModeFull, types)
}

func (e *Engine) run(ctx context.Context, mode Mode, types []db.EntityType) error {
	handles := e.reg.All()
	if len(handles) == 0 {
		log.Warn().Str("mode", string(mode)).Msg("sync skipped, no instance configured")
		return nil
	}
	var errs []error
	for _, t := range types {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := e.now()
		err := e.syncType(ctx, mode, t, handles)
		telemetry.SyncDuration.WithLabelValues(string(t), string(mode)).Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.SyncRuns.WithLabelValues(string(t), string(mode), "error").Inc()
			log.Error().Err(err).Str("entity_type", string(t)).Str("mode", string(mode)).Msg("sync pass failed")
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		telemetry.SyncRuns.WithLabelValues(string(t), string(mode), "success").Inc()
	}
	return errors.Join(errs...)
}

// syncType runs one pass for a single entity type across all instances. The
// cursor advances only when every instance pass succeeded, so a flaky server
// cannot cause permanently skipped records.
func (e *Engine) syncType(ctx context.Context, mode Mode, t db.EntityType, handles []*registry.Handle) error {
	state, err := db.GetSyncState(ctx, e.db, t)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}

	since := ""
	cursor := ""
	if mode == ModeIncremental && state != nil {
		cursor = maxTimestamp(state.LastFullSync, state.LastIncrementalSync)
		since = normalizeSyncCutoff(cursor)
	}

	total := 0
	for _, h := range handles {
		n, maxUpdated, err := e.syncInstance(ctx, t, h, since)
		if err != nil {
			var se *stash.Error
			if errors.As(err, &se) {
				telemetry.UpstreamErrors.WithLabelValues(h.Config.ID, string(se.Kind)).Inc()
			}
			return fmt.Errorf("instance %s: %w", h.Config.ID, err)
		}
		total += n
		cursor = maxTimestamp(cursor, maxUpdated)
	}

	if mode == ModeFull {
		for _, h := range handles {
			deleted, err := e.cleanupInstance(ctx, t, h)
			if err != nil {
				// Deletion detection must never guess: an upstream failure
				// here means zero deletions this pass, not a sync failure.
				log.Warn().Err(err).
					Str("entity_type", string(t)).
					Str("instance_id", h.Config.ID).
					Msg("deletion detection skipped")
				continue
			}
			if deleted > 0 {
				telemetry.SyncDeleted.WithLabelValues(string(t)).Add(float64(deleted))
			}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	if state == nil {
		state = &db.SyncState{EntityType: t}
	}
	switch mode {
	case ModeFull:
		state.LastFullSync = cursor
		state.LastFullSyncActual = now
	default:
		state.LastIncrementalSync = cursor
		state.LastIncrementalSyncActual = now
	}
	if err := db.SetSyncState(ctx, e.db, state); err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	log.Info().
		Str("entity_type", string(t)).
		Str("mode", string(mode)).
		Int("synced", total).
		Str("cursor", cursor).
		Msg("sync pass complete")
	return nil
}

// syncInstance pages through changed records on one instance and upserts them
// inside a single transaction. It returns the number of records applied and
// the newest upstream updated_at observed.
func (e *Engine) syncInstance(ctx context.Context, t db.EntityType, h *registry.Handle, since string) (int, string, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", err
	}
	defer tx.Rollback()

	total := 0
	maxUpdated := ""
	for page := 1; ; page++ {
		records, count, err := h.Client.FindUpdatedSince(ctx, t, since, page, e.pageSize)
		if err != nil {
			return 0, "", err
		}
		for _, raw := range records {
			updated, err := applyRecord(ctx, tx, t, h.Config.ID, raw)
			if err != nil {
				return 0, "", err
			}
			maxUpdated = maxTimestamp(maxUpdated, updated)
			total++
		}
		if len(records) == 0 || total >= count {
			break
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, "", err
	}
	if total > 0 {
		telemetry.SyncEntities.WithLabelValues(string(t), h.Config.ID).Add(float64(total))
	}
	return total, maxUpdated, nil
}

// CleanupDeletedEntities runs deletion detection for one entity type. With an
// empty instanceID it covers every registered instance. It returns the number
// of rows soft-deleted.
func (e *Engine) CleanupDeletedEntities(ctx context.Context, t db.EntityType, instanceID string) (int64, error) {
	handles := e.reg.All()
	if instanceID != "" {
		h, err := e.reg.GetRequired(instanceID)
		if err != nil {
			return 0, err
		}
		handles = []*registry.Handle{h}
	}
	var total int64
	for _, h := range handles {
		n, err := e.cleanupInstance(ctx, t, h)
		if err != nil {
			log.Warn().Err(err).
				Str("entity_type", string(t)).
				Str("instance_id", h.Config.ID).
				Msg("deletion detection skipped")
			continue
		}
		total += n
		if n > 0 {
			telemetry.SyncDeleted.WithLabelValues(string(t)).Add(float64(n))
		}
	}
	return total, nil
}

// cleanupInstance soft-deletes rows whose ids no longer exist upstream. Any
// upstream error aborts with zero deletions; absence is only trusted when the
// full id listing arrived intact.
func (e *Engine) cleanupInstance(ctx context.Context, t db.EntityType, h *registry.Handle) (int64, error) {
	upstream := map[string]struct{}{}
	seen := 0
	for page := 1; ; page++ {
		ids, count, err := h.Client.FindIDs(ctx, t, page, e.cleanupPageSize)
		if err != nil {
			var se *stash.Error
			if errors.As(err, &se) {
				telemetry.UpstreamErrors.WithLabelValues(h.Config.ID, string(se.Kind)).Inc()
			}
			return 0, err
		}
		for _, id := range ids {
			upstream[id] = struct{}{}
		}
		seen += len(ids)
		if len(ids) == 0 || seen >= count {
			break
		}
	}

	local, err := db.ListLiveEntityIDs(ctx, e.db, t, h.Config.ID)
	if err != nil {
		return 0, err
	}
	var gone []string
	for _, id := range local {
		if _, ok := upstream[id]; !ok {
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	deleted, err := db.SoftDeleteEntities(ctx, e.db, t, h.Config.ID, gone, now)
	if err != nil {
		return 0, err
	}
	log.Info().
		Str("entity_type", string(t)).
		Str("instance_id", h.Config.ID).
		Int64("deleted", deleted).
		Msg("soft-deleted entities missing upstream")
	return deleted, nil
}

// timestampLayouts covers the updated_at shapes upstream servers emit.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// maxTimestamp returns the later of two timestamp strings, falling back to
// lexical comparison when either fails to parse.
func maxTimestamp(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	ta, okA := parseTimestamp(a)
	tb, okB := parseTimestamp(b)
	if okA && okB {
		if tb.After(ta) {
			return b
		}
		return a
	}
	if b > a {
		return b
	}
	return a
}

// normalizeSyncCutoff rewrites a stored cursor into the comparison form the
// upstream filter expects: timezone dropped, seconds kept, and a .999
// fractional suffix so records stamped within the cursor's second are not
// refetched forever.
func normalizeSyncCutoff(ts string) string {
	if ts == "" {
		return ""
	}
	parsed, ok := parseTimestamp(ts)
	if !ok {
		// Unparseable cursors pass through so the filter still narrows.
		return ts
	}
	return parsed.Format("2006-01-02T15:04:05") + ".999"
}

func refs(instanceID string, in []stash.IDRef) []db.Ref {
	if len(in) == 0 {
		return nil
	}
	out := make([]db.Ref, 0, len(in))
	for _, r := range in {
		if r.ID == "" {
			continue
		}
		out = append(out, db.Ref{ID: r.ID, InstanceID: instanceID})
	}
	return out
}

// applyRecord decodes one wire record and upserts it under the instance's
// identity. Relationship refs always point within the same instance.
func applyRecord(ctx context.Context, q db.DBTX, t db.EntityType, instanceID string, raw json.RawMessage) (string, error) {
	malformed := func(err error) error {
		return &stash.Error{Kind: stash.KindMalformed, Message: fmt.Sprintf("decode %s record", t), Err: err}
	}
	switch t {
	case db.EntityScene:
		var rec stash.SceneRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", malformed(err)
		}
		s := db.Scene{
			ID:              rec.ID,
			StashInstanceID: instanceID,
			Title:           rec.Title,
			Details:         rec.Details,
			Date:            rec.Date,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
			Performers:      refs(instanceID, rec.Performers),
			Tags:            refs(instanceID, rec.Tags),
			Galleries:       refs(instanceID, rec.Galleries),
			Groups:          refs(instanceID, rec.Groups),
		}
		for _, f := range rec.Files {
			s.Duration += f.Duration
		}
		if rec.Studio != nil && rec.Studio.ID != "" {
			s.StudioID = rec.Studio.ID
			s.StudioInstanceID = instanceID
		}
		return rec.UpdatedAt, db.UpsertScene(ctx, q, &s)
	case db.EntityPerformer:
		var rec stash.PerformerRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", malformed(err)
		}
		p := db.Performer{
			ID:              rec.ID,
			StashInstanceID: instanceID,
			Name:            rec.Name,
			Disambiguation:  rec.Disambiguation,
			Gender:          rec.Gender,
			Birthdate:       rec.Birthdate,
			Country:         rec.Country,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
			Tags:            refs(instanceID, rec.Tags),
		}
		return rec.UpdatedAt, db.UpsertPerformer(ctx, q, &p)
	case db.EntityStudio:
		var rec stash.StudioRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", malformed(err)
		}
		s := db.Studio{
			ID:              rec.ID,
			StashInstanceID: instanceID,
			Name:            rec.Name,
			URL:             rec.URL,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
			Tags:            refs(instanceID, rec.Tags),
		}
		if rec.Parent != nil && rec.Parent.ID != "" {
			s.ParentID = rec.Parent.ID
			s.ParentInstanceID = instanceID
		}
		return rec.UpdatedAt, db.UpsertStudio(ctx, q, &s)
	case db.EntityTag:
		var rec stash.TagRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", malformed(err)
		}
		tag := db.Tag{
			ID:              rec.ID,
			StashInstanceID: instanceID,
			Name:            rec.Name,
			Description:     rec.Description,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
		}
		return rec.UpdatedAt, db.UpsertTag(ctx, q, &tag)
	case db.EntityGallery:
		var rec stash.GalleryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", malformed(err)
		}
		g := db.Gallery{
			ID:              rec.ID,
			StashInstanceID: instanceID,
			Title:           rec.Title,
			Details:         rec.Details,
			Date:            rec.Date,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
			Tags:            refs(instanceID, rec.Tags),
		}
		return rec.UpdatedAt, db.UpsertGallery(ctx, q, &g)
	case db.EntityGroup:
		var rec stash.GroupRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", malformed(err)
		}
		g := db.Group{
			ID:              rec.ID,
			StashInstanceID: instanceID,
			Name:            rec.Name,
			Date:            rec.Date,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
			Tags:            refs(instanceID, rec.Tags),
		}
		return rec.UpdatedAt, db.UpsertGroup(ctx, q, &g)
	case db.EntityImage:
		var rec stash.ImageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return "", malformed(err)
		}
		img := db.Image{
			ID:              rec.ID,
			StashInstanceID: instanceID,
			Title:           rec.Title,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
			Tags:            refs(instanceID, rec.Tags),
			Galleries:       refs(instanceID, rec.Galleries),
		}
		return rec.UpdatedAt, db.UpsertImage(ctx, q, &img)
	}
	return "", fmt.Errorf("no handler for entity type %q", t)
}
