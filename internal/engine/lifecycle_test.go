package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"protolab/internal/db"
	"protolab/internal/directory"
	"protolab/internal/domain"
	"protolab/internal/engine"
	"protolab/internal/migrate"
	"protolab/internal/notify"
	"protolab/internal/repo"
)

// capture is a notification sink that records messages synchronously.
type capture struct {
	msgs []notify.Message
}

func (c *capture) Send(m notify.Message) { c.msgs = append(c.msgs, m) }

type testEnv struct {
	Engine engine.Engine
	Sink   *capture
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sink := &capture{}
	eng := engine.New(conn, sink, directory.Static{"alice": "Alice", "bob": "Bob"})
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Sink: sink, Ctx: context.Background()}
}

func validContent() domain.Content {
	return domain.Content{
		Title:             "Plant growth under LED spectra",
		Summary:           "Compare red and blue light",
		DisciplineTags:    []string{"biology"},
		Difficulty:        domain.DifficultyBeginner,
		Steps:             []string{"Set up trays", "Measure height daily"},
		Materials:         []string{"basil seeds", "LED panel"},
		ResearchQuestions: []domain.ResearchQuestion{{Text: "Does light color affect growth rate?"}},
	}
}

func mustCreate(t *testing.T, env testEnv, uid string) domain.Design {
	t.Helper()
	d, err := env.Engine.CreateDesign(env.Ctx, engine.DesignCreateOptions{CallerUID: uid, Content: validContent()})
	if err != nil {
		t.Fatalf("create design: %v", err)
	}
	return d
}

func mustPublish(t *testing.T, env testEnv, id, uid string) domain.Design {
	t.Helper()
	d, err := env.Engine.PublishDesign(env.Ctx, engine.DesignPublishOptions{DesignID: id, CallerUID: uid})
	if err != nil {
		t.Fatalf("publish design: %v", err)
	}
	return d
}

func strPtr(s string) *string { return &s }

func TestCreateDesignDefaults(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	if d.Status != domain.DesignDraft || d.Version != 1 || d.PublishedVersion != 0 {
		t.Fatalf("unexpected system fields: %+v", d)
	}
	if d.IsPublic || d.HasDraftChanges || d.ExecutionCount != 0 || d.ReviewCount != 0 {
		t.Fatalf("expected zeroed flags and counters: %+v", d)
	}
	if d.ReviewState != domain.ReviewStateUnreviewed {
		t.Fatalf("review state = %s", d.ReviewState)
	}
	if d.ResearchQuestions[0].ID == "" {
		t.Fatal("research question should get a stable id")
	}
	got, err := env.Engine.GetDesign(env.Ctx, d.ID, "alice")
	if err != nil || got.Title != d.Title {
		t.Fatalf("author read: %v", err)
	}
}

func TestCreateDesignValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		mutate func(*domain.Content)
	}{
		{"missing title", func(c *domain.Content) { c.Title = "  " }},
		{"no tags", func(c *domain.Content) { c.DisciplineTags = nil }},
		{"too many tags", func(c *domain.Content) {
			c.DisciplineTags = []string{"a", "b", "c", "d", "e", "f"}
		}},
		{"bad difficulty", func(c *domain.Content) { c.Difficulty = "impossible" }},
		{"no steps", func(c *domain.Content) { c.Steps = nil }},
		{"no materials", func(c *domain.Content) { c.Materials = nil }},
		{"no questions", func(c *domain.Content) { c.ResearchQuestions = nil }},
		{"blank question", func(c *domain.Content) {
			c.ResearchQuestions = []domain.ResearchQuestion{{Text: " "}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			content := validContent()
			tc.mutate(&content)
			_, err := env.Engine.CreateDesign(env.Ctx, engine.DesignCreateOptions{CallerUID: "alice", Content: content})
			var ve engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDraftHiddenFromNonAuthors(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")

	if _, err := env.Engine.GetDesign(env.Ctx, d.ID, "bob"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("non-author read of draft: got %v, want not found", err)
	}
	if _, err := env.Engine.GetDesign(env.Ctx, d.ID, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("anonymous read of draft: got %v, want not found", err)
	}
	_, err := env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "bob", Patch: engine.ContentPatch{Summary: strPtr("sneaky")},
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("non-author update of draft: got %v, want not found", err)
	}
}

func TestUpdateNonAuthorForbiddenOnPublished(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")
	_, err := env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "bob", Patch: engine.ContentPatch{Summary: strPtr("mine now")},
	})
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestUpdateVersionCountsEveryEdit(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")

	// Draft edits bump the shared counter once each.
	got, err := env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice", Patch: engine.ContentPatch{Summary: strPtr("first pass")},
	})
	if err != nil || got.Version != 2 {
		t.Fatalf("first draft edit: version=%d err=%v", got.Version, err)
	}
	got, err = env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice", Patch: engine.ContentPatch{Summary: strPtr("second pass")},
	})
	if err != nil || got.Version != 3 {
		t.Fatalf("second draft edit: version=%d err=%v", got.Version, err)
	}

	// Draft-seeding edits after publish bump it once each too, and both
	// edits land on the same shadow draft.
	pub := mustPublish(t, env, d.ID, "alice")
	title := "Plant growth under tuned LED spectra"
	got, err = env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice", Patch: engine.ContentPatch{Title: strPtr(title)},
	})
	if err != nil || got.Version != pub.Version+1 {
		t.Fatalf("first shadow edit: version=%d err=%v", got.Version, err)
	}
	got, err = env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice", Patch: engine.ContentPatch{Summary: strPtr("third pass")},
	})
	if err != nil || got.Version != pub.Version+2 {
		t.Fatalf("second shadow edit: version=%d err=%v", got.Version, err)
	}
	if got.Title != title || got.Summary != "third pass" {
		t.Fatalf("merged draft lost an edit: %q %q", got.Title, got.Summary)
	}
}

func TestPublishLifecycle(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")

	d = mustPublish(t, env, d.ID, "alice")
	if d.Status != domain.DesignPublished || d.PublishedVersion != 1 || !d.IsPublic {
		t.Fatalf("after first publish: %+v", d)
	}
	snap1, err := env.Engine.GetVersion(env.Ctx, d.ID, 1, "")
	if err != nil || snap1.Data.Title != d.Title {
		t.Fatalf("snapshot #1: %v", err)
	}

	// Edit while published: the public view must not move.
	updated, err := env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice",
		Patch: engine.ContentPatch{Summary: strPtr("Now with humidity control")},
	})
	if err != nil {
		t.Fatalf("update published: %v", err)
	}
	if !updated.HasDraftChanges || updated.Summary != "Now with humidity control" {
		t.Fatalf("author view after edit: %+v", updated)
	}
	public, err := env.Engine.GetDesign(env.Ctx, d.ID, "bob")
	if err != nil {
		t.Fatalf("public read: %v", err)
	}
	if public.Summary != "Compare red and blue light" {
		t.Fatalf("public view leaked the draft edit: %q", public.Summary)
	}
	authorView, err := env.Engine.GetDesign(env.Ctx, d.ID, "alice")
	if err != nil || authorView.Summary != "Now with humidity control" {
		t.Fatalf("author merged view: %v %q", err, authorView.Summary)
	}

	// Second publish promotes the draft.
	d2, err := env.Engine.PublishDesign(env.Ctx, engine.DesignPublishOptions{
		DesignID: d.ID, CallerUID: "alice", Changelog: "humidity",
	})
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if d2.PublishedVersion != 2 || d2.HasDraftChanges {
		t.Fatalf("after second publish: %+v", d2)
	}
	snap2, err := env.Engine.GetVersion(env.Ctx, d.ID, 2, "")
	if err != nil || snap2.Data.Summary != "Now with humidity control" || snap2.Changelog != "humidity" {
		t.Fatalf("snapshot #2: %v %+v", err, snap2)
	}
	snap1Again, err := env.Engine.GetVersion(env.Ctx, d.ID, 1, "")
	if err != nil || snap1Again.Data.Summary != "Compare red and blue light" {
		t.Fatalf("snapshot #1 must be immutable: %v", err)
	}
	public, _ = env.Engine.GetDesign(env.Ctx, d.ID, "bob")
	if public.Summary != "Now with humidity control" {
		t.Fatalf("public view after promote: %q", public.Summary)
	}
}

func TestPublishWithoutChanges(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")
	_, err := env.Engine.PublishDesign(env.Ctx, engine.DesignPublishOptions{DesignID: d.ID, CallerUID: "alice"})
	var be engine.BadRequestError
	if !errors.As(err, &be) || be.Msg != "No unpublished changes to publish" {
		t.Fatalf("expected no-changes rejection, got %v", err)
	}
}

func TestPublishChangelogFallsBackToPending(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")
	_, err := env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice",
		Patch:            engine.ContentPatch{Summary: strPtr("v2 summary")},
		PendingChangelog: strPtr("pending note"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	d2, err := env.Engine.PublishDesign(env.Ctx, engine.DesignPublishOptions{DesignID: d.ID, CallerUID: "alice"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	snap, err := env.Engine.GetVersion(env.Ctx, d2.ID, 2, "")
	if err != nil || snap.Changelog != "pending note" {
		t.Fatalf("changelog fallback: %v %q", err, snap.Changelog)
	}
}

func TestLockedFieldsRejectedAfterExecution(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")
	if _, err := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "bob"}); err != nil {
		t.Fatalf("start execution: %v", err)
	}

	steps := []string{"different step"}
	_, err := env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice",
		Patch: engine.ContentPatch{Steps: &steps, Hypothesis: strPtr("new")},
	})
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if len(fe.Fields) != 2 {
		t.Fatalf("offending fields = %v", fe.Fields)
	}

	// Non-methodology edits stay allowed.
	if _, err := env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice",
		Patch: engine.ContentPatch{Summary: strPtr("clarified summary")},
	}); err != nil {
		t.Fatalf("summary edit on locked design: %v", err)
	}
}

func TestForkResetsSystemFields(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")

	fork, err := env.Engine.ForkDesign(env.Ctx, engine.DesignForkOptions{
		SourceID: d.ID, CallerUID: "bob",
		ForkType: domain.ForkAdaptation, Rationale: "try hydroponics",
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if fork.ID == d.ID {
		t.Fatal("fork must get a fresh id")
	}
	if fork.Status != domain.DesignDraft || fork.PublishedVersion != 0 || fork.Version != 1 {
		t.Fatalf("fork system fields: %+v", fork)
	}
	if len(fork.AuthorIDs) != 1 || fork.AuthorIDs[0] != "bob" {
		t.Fatalf("fork authors = %v", fork.AuthorIDs)
	}
	if fork.Fork == nil || fork.Fork.ParentDesignID != d.ID || fork.Fork.ForkGeneration != 1 {
		t.Fatalf("fork metadata: %+v", fork.Fork)
	}
	src, _ := env.Engine.GetDesign(env.Ctx, d.ID, "")
	if src.DerivedDesignCount != 1 {
		t.Fatalf("derived count = %d", src.DerivedDesignCount)
	}

	// Second generation.
	mustPublish(t, env, fork.ID, "bob")
	fork2, err := env.Engine.ForkDesign(env.Ctx, engine.DesignForkOptions{
		SourceID: fork.ID, CallerUID: "carol",
		ForkType: domain.ForkExtension, Rationale: "longer run",
	})
	if err != nil || fork2.Fork.ForkGeneration != 2 {
		t.Fatalf("second generation: %v %+v", err, fork2.Fork)
	}
}

func TestForkRequiresNonDraftSource(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	_, err := env.Engine.ForkDesign(env.Ctx, engine.DesignForkOptions{
		SourceID: d.ID, CallerUID: "alice",
		ForkType: domain.ForkOther, Rationale: "why not",
	})
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("author forking own draft: got %v, want forbidden", err)
	}
	if _, err := env.Engine.ForkDesign(env.Ctx, engine.DesignForkOptions{
		SourceID: d.ID, CallerUID: "bob",
		ForkType: domain.ForkOther, Rationale: "why not",
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("stranger forking a draft: got %v, want not found", err)
	}
}

func TestDeleteOnlyDrafts(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	if err := env.Engine.DeleteDesign(env.Ctx, d.ID, "alice"); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := env.Engine.GetDesign(env.Ctx, d.ID, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("design should be gone, got %v", err)
	}

	d2 := mustCreate(t, env, "alice")
	mustPublish(t, env, d2.ID, "alice")
	var fe engine.ForbiddenError
	if err := env.Engine.DeleteDesign(env.Ctx, d2.ID, "alice"); !errors.As(err, &fe) {
		t.Fatalf("published material must be permanent, got %v", err)
	}
}

func TestIsPublicTracksStatus(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	if d.IsPublic {
		t.Fatal("draft must not be public")
	}
	d = mustPublish(t, env, d.ID, "alice")
	if !d.IsPublic {
		t.Fatal("published design must be public")
	}
	if _, err := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "bob"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ := env.Engine.GetDesign(env.Ctx, d.ID, "")
	if got.Status != domain.DesignLocked || !got.IsPublic {
		t.Fatalf("locked design must stay public: %+v", got)
	}
}

func TestListPublicDesignsExcludesDrafts(t *testing.T) {
	env := newTestEnv(t)
	pub := mustCreate(t, env, "alice")
	mustPublish(t, env, pub.ID, "alice")
	mustCreate(t, env, "alice") // stays draft

	items, err := env.Engine.ListPublicDesigns(env.Ctx, repo.DesignFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != pub.ID {
		t.Fatalf("listing = %d items", len(items))
	}
}
