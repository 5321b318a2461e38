package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"stashmirror/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	d, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	d.SetMaxOpenConns(1)
	t.Cleanup(func() { d.Close() })
	if err := db.Init(d); err != nil {
		t.Fatalf("init db: %v", err)
	}
	return d
}

func seedScene(t *testing.T, d *sql.DB, id, inst, title, createdAt string) {
	t.Helper()
	err := db.UpsertScene(context.Background(), d, &db.Scene{
		ID: id, StashInstanceID: inst, Title: title, CreatedAt: createdAt, UpdatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("seed scene %s/%s: %v", id, inst, err)
	}
}

func TestScenesCompositeUserData(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	// Same scene id on two instances; the user's data must stay per instance.
	seedScene(t, d, "1", "inst-a", "copy a", "2024-01-01")
	seedScene(t, d, "1", "inst-b", "copy b", "2024-01-02")

	if err := db.UpsertWatchHistory(ctx, d, &db.WatchHistory{
		UserID: "u1", SceneID: "1", InstanceID: "inst-a",
		OCount: 5, PlayCount: 2, PlayHistory: "[]", OHistory: "[]",
	}); err != nil {
		t.Fatalf("seed history a: %v", err)
	}
	if err := db.UpsertWatchHistory(ctx, d, &db.WatchHistory{
		UserID: "u1", SceneID: "1", InstanceID: "inst-b",
		OCount: 3, PlayCount: 1, PlayHistory: "[]", OHistory: "[]",
	}); err != nil {
		t.Fatalf("seed history b: %v", err)
	}
	if err := db.SetRating(ctx, d, "u1", db.EntityScene, "1", "inst-a", 80); err != nil {
		t.Fatalf("seed rating: %v", err)
	}

	res, err := Scenes(ctx, d, Options{UserID: "u1"})
	if err != nil {
		t.Fatalf("scenes: %v", err)
	}
	if res.Total != 2 || len(res.Items) != 2 {
		t.Fatalf("expected both copies, got total=%d items=%d", res.Total, len(res.Items))
	}
	byInst := map[string]SceneItem{}
	for _, it := range res.Items {
		byInst[it.StashInstanceID] = it
	}
	a, b := byInst["inst-a"], byInst["inst-b"]
	if a.OCounter != 5 || a.PlayCount != 2 || a.Rating != 80 {
		t.Fatalf("inst-a annotations wrong: %+v", a)
	}
	if b.OCounter != 3 || b.PlayCount != 1 || b.Rating != 0 {
		t.Fatalf("inst-b annotations leaked: %+v", b)
	}
}

func TestScenesPaging(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seedScene(t, d, fmt.Sprintf("%d", i), "inst-a", fmt.Sprintf("scene %d", i), fmt.Sprintf("2024-01-0%d", i))
	}

	page1, err := Scenes(ctx, d, Options{Page: 1, PerPage: 2, Sort: "created_at"})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if page1.Total != 3 || len(page1.Items) != 2 {
		t.Fatalf("page 1: total=%d items=%d", page1.Total, len(page1.Items))
	}
	page2, err := Scenes(ctx, d, Options{Page: 2, PerPage: 2, Sort: "created_at"})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if page2.Total != 3 || len(page2.Items) != 1 {
		t.Fatalf("page 2: total=%d items=%d", page2.Total, len(page2.Items))
	}
	if page1.Items[0].ID != "1" || page2.Items[0].ID != "3" {
		t.Fatalf("unexpected order: %s, %s", page1.Items[0].ID, page2.Items[0].ID)
	}
}

func TestScenesExclusionScopes(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	seedScene(t, d, "1", "inst-a", "copy a", "2024-01-01")
	seedScene(t, d, "1", "inst-b", "copy b", "2024-01-02")

	// Scoped exclusion hides one copy.
	if err := db.UpsertExclusion(ctx, d, &db.UserExcludedEntity{
		UserID: "u1", EntityType: db.EntityScene, EntityID: "1", InstanceID: "inst-a", Reason: db.ReasonHidden,
	}); err != nil {
		t.Fatalf("seed exclusion: %v", err)
	}
	res, err := Scenes(ctx, d, Options{UserID: "u1"})
	if err != nil {
		t.Fatalf("scenes: %v", err)
	}
	if res.Total != 1 || len(res.Items) != 1 || res.Items[0].StashInstanceID != "inst-b" {
		t.Fatalf("scoped exclusion wrong: total=%d %+v", res.Total, res.Items)
	}

	// A global row hides every same-id copy.
	if err := db.UpsertExclusion(ctx, d, &db.UserExcludedEntity{
		UserID: "u1", EntityType: db.EntityScene, EntityID: "1", InstanceID: "", Reason: db.ReasonHidden,
	}); err != nil {
		t.Fatalf("seed global exclusion: %v", err)
	}
	res, err = Scenes(ctx, d, Options{UserID: "u1"})
	if err != nil {
		t.Fatalf("scenes: %v", err)
	}
	if res.Total != 0 || len(res.Items) != 0 {
		t.Fatalf("global exclusion wrong: total=%d %+v", res.Total, res.Items)
	}

	// Exclusions are per user.
	other, err := Scenes(ctx, d, Options{UserID: "u2"})
	if err != nil {
		t.Fatalf("scenes u2: %v", err)
	}
	if other.Total != 2 {
		t.Fatalf("u2 should see both copies, got %d", other.Total)
	}
}

func TestScenesInstanceFilters(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	seedScene(t, d, "1", "inst-a", "a", "2024-01-01")
	seedScene(t, d, "2", "inst-b", "b", "2024-01-02")
	seedScene(t, d, "3", "inst-gone", "gone", "2024-01-03")

	res, err := Scenes(ctx, d, Options{InstanceID: "inst-b"})
	if err != nil {
		t.Fatalf("scenes: %v", err)
	}
	if res.Total != 1 || res.Items[0].ID != "2" {
		t.Fatalf("instance filter wrong: %+v", res.Items)
	}

	// AllowedInstanceIDs hides rows from unregistered instances.
	res, err = Scenes(ctx, d, Options{AllowedInstanceIDs: []string{"inst-a", "inst-b"}})
	if err != nil {
		t.Fatalf("scenes: %v", err)
	}
	if res.Total != 2 {
		t.Fatalf("allowed filter wrong: total=%d", res.Total)
	}
	for _, it := range res.Items {
		if it.StashInstanceID == "inst-gone" {
			t.Fatalf("unregistered instance leaked: %+v", it)
		}
	}
}

func TestScenesFavoritesOnly(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	seedScene(t, d, "1", "inst-a", "a", "2024-01-01")
	seedScene(t, d, "2", "inst-a", "b", "2024-01-02")
	if err := db.SetFavorite(ctx, d, "u1", db.EntityScene, "2", "inst-a", true); err != nil {
		t.Fatalf("seed favorite: %v", err)
	}

	res, err := Scenes(ctx, d, Options{UserID: "u1", FavoritesOnly: true})
	if err != nil {
		t.Fatalf("scenes: %v", err)
	}
	if res.Total != 1 || res.Items[0].ID != "2" || !res.Items[0].Favorite {
		t.Fatalf("favorites filter wrong: total=%d %+v", res.Total, res.Items)
	}
}

func TestScenesSearch(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	seedScene(t, d, "1", "inst-a", "Morning Hike", "2024-01-01")
	seedScene(t, d, "2", "inst-a", "Evening Run", "2024-01-02")

	res, err := Scenes(ctx, d, Options{Search: "hike"})
	if err != nil {
		t.Fatalf("scenes: %v", err)
	}
	if res.Total != 1 || res.Items[0].ID != "1" {
		t.Fatalf("search wrong: total=%d %+v", res.Total, res.Items)
	}
}

func TestScenesSkipsSoftDeleted(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	seedScene(t, d, "1", "inst-a", "live", "2024-01-01")
	seedScene(t, d, "2", "inst-a", "gone", "2024-01-02")
	if _, err := db.SoftDeleteEntities(ctx, d, db.EntityScene, "inst-a", []string{"2"}, "2024-02-01T00:00:00Z"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	res, err := Scenes(ctx, d, Options{})
	if err != nil {
		t.Fatalf("scenes: %v", err)
	}
	if res.Total != 1 || res.Items[0].ID != "1" {
		t.Fatalf("deleted scene visible: total=%d %+v", res.Total, res.Items)
	}
}

func TestUnknownSortFallsBack(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	seedScene(t, d, "1", "inst-a", "b title", "2024-01-02")
	seedScene(t, d, "2", "inst-a", "a title", "2024-01-01")

	// A sort key outside the whitelist must not reach the SQL; the kind's
	// default order applies instead.
	res, err := Scenes(ctx, d, Options{Sort: "1;DROP TABLE scenes"})
	if err != nil {
		t.Fatalf("scenes: %v", err)
	}
	if len(res.Items) != 2 || res.Items[0].ID != "2" {
		t.Fatalf("fallback order wrong: %+v", res.Items)
	}
}

func TestPerformersAggregatedStats(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	for _, inst := range []string{"inst-a", "inst-b"} {
		if err := db.UpsertPerformer(ctx, d, &db.Performer{ID: "p1", StashInstanceID: inst, Name: "Alex"}); err != nil {
			t.Fatalf("seed performer %s: %v", inst, err)
		}
	}
	if err := db.UpsertUserStats(ctx, d, db.EntityPerformer, &db.UserStats{
		UserID: "u1", InstanceID: "inst-a", EntityID: "p1", OCounter: 4, PlayCount: 9,
	}); err != nil {
		t.Fatalf("seed stats: %v", err)
	}

	res, err := Performers(ctx, d, Options{UserID: "u1", Sort: "o_counter", Direction: "desc"})
	if err != nil {
		t.Fatalf("performers: %v", err)
	}
	if res.Total != 2 || len(res.Items) != 2 {
		t.Fatalf("expected both copies: total=%d", res.Total)
	}
	first := res.Items[0]
	if first.StashInstanceID != "inst-a" || first.OCounter != 4 || first.PlayCount != 9 {
		t.Fatalf("stats not attached to the right copy: %+v", first)
	}
	if res.Items[1].OCounter != 0 {
		t.Fatalf("stats leaked across instances: %+v", res.Items[1])
	}
}

func TestTagsAndStudiosList(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := db.UpsertTag(ctx, d, &db.Tag{ID: "t1", StashInstanceID: "inst-a", Name: "outdoor"}); err != nil {
		t.Fatalf("seed tag: %v", err)
	}
	if err := db.UpsertStudio(ctx, d, &db.Studio{ID: "s1", StashInstanceID: "inst-a", Name: "Acme"}); err != nil {
		t.Fatalf("seed studio: %v", err)
	}

	tags, err := Tags(ctx, d, Options{})
	if err != nil || tags.Total != 1 || tags.Items[0].Name != "outdoor" {
		t.Fatalf("tags: %+v err %v", tags, err)
	}
	studios, err := Studios(ctx, d, Options{Search: "acm"})
	if err != nil || studios.Total != 1 || studios.Items[0].Name != "Acme" {
		t.Fatalf("studios: %+v err %v", studios, err)
	}
}

func TestGalleriesGroupsImagesList(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := db.UpsertGallery(ctx, d, &db.Gallery{ID: "g1", StashInstanceID: "inst-a", Title: "album"}); err != nil {
		t.Fatalf("seed gallery: %v", err)
	}
	if err := db.UpsertGroup(ctx, d, &db.Group{ID: "gr1", StashInstanceID: "inst-a", Name: "series"}); err != nil {
		t.Fatalf("seed group: %v", err)
	}
	if err := db.UpsertImage(ctx, d, &db.Image{ID: "i1", StashInstanceID: "inst-a", Title: "shot"}); err != nil {
		t.Fatalf("seed image: %v", err)
	}
	if err := db.SetRating(ctx, d, "u1", db.EntityGallery, "g1", "inst-a", 55); err != nil {
		t.Fatalf("seed rating: %v", err)
	}

	galleries, err := Galleries(ctx, d, Options{UserID: "u1"})
	if err != nil || galleries.Total != 1 || galleries.Items[0].Rating != 55 {
		t.Fatalf("galleries: %+v err %v", galleries, err)
	}
	groups, err := Groups(ctx, d, Options{})
	if err != nil || groups.Total != 1 || groups.Items[0].Name != "series" {
		t.Fatalf("groups: %+v err %v", groups, err)
	}
	images, err := Images(ctx, d, Options{})
	if err != nil || images.Total != 1 || images.Items[0].Title != "shot" {
		t.Fatalf("images: %+v err %v", images, err)
	}
}

func TestNormalizeBounds(t *testing.T) {
	o := Options{Page: -1, PerPage: 9999, Direction: "DESC"}
	o.normalize()
	if o.Page != 1 || o.PerPage != MaxPerPage || o.Direction != "DESC" {
		t.Fatalf("normalize wrong: %+v", o)
	}
	o = Options{Direction: "sideways"}
	o.normalize()
	if o.PerPage != DefaultPerPage || o.Direction != "ASC" {
		t.Fatalf("defaults wrong: %+v", o)
	}
}
