package exclusions

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

func exclusionSet(t *testing.T, svc *Service, userID string) map[string]string {
	t.Helper()
	out, err := svc.List(context.Background(), userID)
	if err != nil {
		t.Fatalf("list exclusions: %v", err)
	}
	set := map[string]string{}
	for _, e := range out {
		set[string(e.EntityType)+":"+db.CompositeKey(e.EntityID, e.InstanceID)] = e.Reason
	}
	return set
}

func TestHidePerformerCascadesToScenes(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	// Performer p1 appears in scenes 1 and 2 on inst-a; scene 3 is unrelated.
	for _, id := range []string{"1", "2", "3"} {
		s := &db.Scene{ID: id, StashInstanceID: "inst-a"}
		if id != "3" {
			s.Performers = []db.Ref{{ID: "p1", InstanceID: "inst-a"}}
		}
		if err := db.UpsertScene(ctx, d, s); err != nil {
			t.Fatalf("seed scene %s: %v", id, err)
		}
	}

	svc := New(d)
	if err := svc.Hide(ctx, "u1", db.EntityPerformer, "p1", "inst-a"); err != nil {
		t.Fatalf("hide: %v", err)
	}

	set := exclusionSet(t, svc, "u1")
	if set["performer:"+db.CompositeKey("p1", "inst-a")] != db.ReasonHidden {
		t.Fatalf("root missing: %v", set)
	}
	for _, id := range []string{"1", "2"} {
		if set["scene:"+db.CompositeKey(id, "inst-a")] != db.ReasonCascade {
			t.Fatalf("scene %s not cascaded: %v", id, set)
		}
	}
	if _, ok := set["scene:"+db.CompositeKey("3", "inst-a")]; ok {
		t.Fatalf("unrelated scene excluded: %v", set)
	}
}

func TestScopedHideLeavesOtherInstanceAlone(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	for _, inst := range []string{"inst-a", "inst-b"} {
		s := &db.Scene{ID: "1", StashInstanceID: inst, Performers: []db.Ref{{ID: "p1", InstanceID: inst}}}
		if err := db.UpsertScene(ctx, d, s); err != nil {
			t.Fatalf("seed %s: %v", inst, err)
		}
	}

	svc := New(d)
	if err := svc.Hide(ctx, "u1", db.EntityPerformer, "p1", "inst-a"); err != nil {
		t.Fatalf("hide: %v", err)
	}

	set := exclusionSet(t, svc, "u1")
	if set["scene:"+db.CompositeKey("1", "inst-a")] != db.ReasonCascade {
		t.Fatalf("inst-a scene not cascaded: %v", set)
	}
	if _, ok := set["scene:"+db.CompositeKey("1", "inst-b")]; ok {
		t.Fatalf("scoped hide leaked to inst-b: %v", set)
	}
}

func TestGlobalHideDerivesUnscopedRows(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	for _, inst := range []string{"inst-a", "inst-b"} {
		s := &db.Scene{ID: "1", StashInstanceID: inst, Performers: []db.Ref{{ID: "p1", InstanceID: inst}}}
		if err := db.UpsertScene(ctx, d, s); err != nil {
			t.Fatalf("seed %s: %v", inst, err)
		}
	}

	svc := New(d)
	if err := svc.Hide(ctx, "u1", db.EntityPerformer, "p1", ""); err != nil {
		t.Fatalf("hide: %v", err)
	}

	set := exclusionSet(t, svc, "u1")
	if set["scene:"+db.CompositeKey("1", "")] != db.ReasonCascade {
		t.Fatalf("expected one unscoped cascade row: %v", set)
	}
}

func TestHideTagReachesInheritedScenes(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	// s1 carries the tag directly, s2 through a tagged performer,
	// s3 through a tagged studio; s4 is unrelated.
	if err := db.UpsertTag(ctx, d, &db.Tag{ID: "t1", StashInstanceID: "inst-a"}); err != nil {
		t.Fatalf("seed tag: %v", err)
	}
	if err := db.UpsertPerformer(ctx, d, &db.Performer{ID: "p1", StashInstanceID: "inst-a", Tags: []db.Ref{{ID: "t1", InstanceID: "inst-a"}}}); err != nil {
		t.Fatalf("seed performer: %v", err)
	}
	if err := db.UpsertStudio(ctx, d, &db.Studio{ID: "st1", StashInstanceID: "inst-a", Tags: []db.Ref{{ID: "t1", InstanceID: "inst-a"}}}); err != nil {
		t.Fatalf("seed studio: %v", err)
	}
	scenes := []*db.Scene{
		{ID: "s1", StashInstanceID: "inst-a", Tags: []db.Ref{{ID: "t1", InstanceID: "inst-a"}}},
		{ID: "s2", StashInstanceID: "inst-a", Performers: []db.Ref{{ID: "p1", InstanceID: "inst-a"}}},
		{ID: "s3", StashInstanceID: "inst-a", StudioID: "st1", StudioInstanceID: "inst-a"},
		{ID: "s4", StashInstanceID: "inst-a"},
	}
	for _, s := range scenes {
		if err := db.UpsertScene(ctx, d, s); err != nil {
			t.Fatalf("seed scene %s: %v", s.ID, err)
		}
	}

	svc := New(d)
	if err := svc.Hide(ctx, "u1", db.EntityTag, "t1", "inst-a"); err != nil {
		t.Fatalf("hide: %v", err)
	}

	set := exclusionSet(t, svc, "u1")
	for _, id := range []string{"s1", "s2", "s3"} {
		if set["scene:"+db.CompositeKey(id, "inst-a")] != db.ReasonCascade {
			t.Fatalf("scene %s not reached by tag cascade: %v", id, set)
		}
	}
	if _, ok := set["scene:"+db.CompositeKey("s4", "inst-a")]; ok {
		t.Fatalf("unrelated scene excluded: %v", set)
	}
	// The tagged performer and studio are excluded too.
	if set["performer:"+db.CompositeKey("p1", "inst-a")] != db.ReasonCascade {
		t.Fatalf("tagged performer not excluded: %v", set)
	}
	if set["studio:"+db.CompositeKey("st1", "inst-a")] != db.ReasonCascade {
		t.Fatalf("tagged studio not excluded: %v", set)
	}
}

func TestUnhideRecomputesCascade(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	// Scene 1 is reachable from both hidden performers; scene 2 only from p2.
	if err := db.UpsertScene(ctx, d, &db.Scene{ID: "1", StashInstanceID: "inst-a",
		Performers: []db.Ref{{ID: "p1", InstanceID: "inst-a"}, {ID: "p2", InstanceID: "inst-a"}}}); err != nil {
		t.Fatalf("seed scene 1: %v", err)
	}
	if err := db.UpsertScene(ctx, d, &db.Scene{ID: "2", StashInstanceID: "inst-a",
		Performers: []db.Ref{{ID: "p2", InstanceID: "inst-a"}}}); err != nil {
		t.Fatalf("seed scene 2: %v", err)
	}

	svc := New(d)
	for _, p := range []string{"p1", "p2"} {
		if err := svc.Hide(ctx, "u1", db.EntityPerformer, p, "inst-a"); err != nil {
			t.Fatalf("hide %s: %v", p, err)
		}
	}
	if err := svc.Unhide(ctx, "u1", db.EntityPerformer, "p2", "inst-a"); err != nil {
		t.Fatalf("unhide: %v", err)
	}

	set := exclusionSet(t, svc, "u1")
	if set["scene:"+db.CompositeKey("1", "inst-a")] != db.ReasonCascade {
		t.Fatalf("scene 1 still justified by p1: %v", set)
	}
	if _, ok := set["scene:"+db.CompositeKey("2", "inst-a")]; ok {
		t.Fatalf("scene 2 exclusion should be dropped: %v", set)
	}
	if _, ok := set["performer:"+db.CompositeKey("p2", "inst-a")]; ok {
		t.Fatalf("unhidden root should be gone: %v", set)
	}
}

func TestHiddenRowSurvivesCascadeCollision(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := db.UpsertScene(ctx, d, &db.Scene{ID: "1", StashInstanceID: "inst-a",
		Performers: []db.Ref{{ID: "p1", InstanceID: "inst-a"}}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := New(d)
	// The scene is hidden directly first, then its performer.
	if err := svc.Hide(ctx, "u1", db.EntityScene, "1", "inst-a"); err != nil {
		t.Fatalf("hide scene: %v", err)
	}
	if err := svc.Hide(ctx, "u1", db.EntityPerformer, "p1", "inst-a"); err != nil {
		t.Fatalf("hide performer: %v", err)
	}

	set := exclusionSet(t, svc, "u1")
	if set["scene:"+db.CompositeKey("1", "inst-a")] != db.ReasonHidden {
		t.Fatalf("direct hide must win over cascade: %v", set)
	}
}

func TestHideRequiresEntityID(t *testing.T) {
	svc := New(testDB(t))
	if err := svc.Hide(context.Background(), "u1", db.EntityScene, "", ""); err == nil {
		t.Fatal("expected error for empty entity id")
	}
}
