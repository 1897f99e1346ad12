package engine_test

import (
	"errors"
	"testing"

	"protolab/internal/domain"
	"protolab/internal/engine"
)

func TestExecutionLockAndUnlock(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")

	ex, err := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "bob"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ex.DesignVersion != 1 || ex.DesignTitle != d.Title || ex.Status != domain.ExecutionInProgress {
		t.Fatalf("execution snapshot: %+v", ex)
	}
	got, _ := env.Engine.GetDesign(env.Ctx, d.ID, "")
	if got.ExecutionCount != 1 || got.Status != domain.DesignLocked {
		t.Fatalf("after start: count=%d status=%s", got.ExecutionCount, got.Status)
	}

	// A second run against the locked design keeps it locked.
	ex2, err := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "carol"})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	got, _ = env.Engine.GetDesign(env.Ctx, d.ID, "")
	if got.ExecutionCount != 2 || got.Status != domain.DesignLocked {
		t.Fatalf("after second start: %+v", got)
	}

	// Cancelling one of two runs must not unlock.
	if err := env.Engine.CancelExecution(env.Ctx, ex2.ID, "carol"); err != nil {
		t.Fatalf("cancel second: %v", err)
	}
	got, _ = env.Engine.GetDesign(env.Ctx, d.ID, "")
	if got.ExecutionCount != 1 || got.Status != domain.DesignLocked {
		t.Fatalf("after partial cancel: %+v", got)
	}

	// Cancelling the last run reverts to published and deletes the record.
	if err := env.Engine.CancelExecution(env.Ctx, ex.ID, "bob"); err != nil {
		t.Fatalf("cancel last: %v", err)
	}
	got, _ = env.Engine.GetDesign(env.Ctx, d.ID, "")
	if got.ExecutionCount != 0 || got.Status != domain.DesignPublished {
		t.Fatalf("after full cancel: %+v", got)
	}
	runs, err := env.Engine.ListExecutions(env.Ctx, d.ID, "")
	if err != nil || len(runs) != 0 {
		t.Fatalf("executions remaining: %v %d", err, len(runs))
	}
}

func TestStartExecutionRejectedStates(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")

	var be engine.BadRequestError
	_, err := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "alice"})
	if !errors.As(err, &be) || be.Msg != "design has not been published" {
		t.Fatalf("start on draft: %v", err)
	}

	mustPublish(t, env, d.ID, "alice")
	if _, err := env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice",
		Patch: engine.ContentPatch{Summary: strPtr("mid-edit")},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err = env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "bob"})
	if !errors.As(err, &be) || be.Msg != "author is working on a new draft" {
		t.Fatalf("start mid-edit: %v", err)
	}
}

func TestStartExecutionOnLockedIgnoresPendingDraft(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")

	if _, err := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "bob"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := env.Engine.UpdateDesign(env.Ctx, engine.DesignUpdateOptions{
		DesignID: d.ID, CallerUID: "alice",
		Patch: engine.ContentPatch{Summary: strPtr("pending revision")},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	merged, _ := env.Engine.GetDesign(env.Ctx, d.ID, "alice")
	if !merged.HasDraftChanges {
		t.Fatal("draft not seeded")
	}

	// The locked methodology is frozen, so a pending draft must not block
	// further runs.
	ex, err := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "carol"})
	if err != nil {
		t.Fatalf("start on locked with pending draft: %v", err)
	}
	if ex.DesignVersion != 1 {
		t.Fatalf("execution version: %+v", ex)
	}
	got, _ := env.Engine.GetDesign(env.Ctx, d.ID, "")
	if got.ExecutionCount != 2 || got.Status != domain.DesignLocked {
		t.Fatalf("after start: count=%d status=%s", got.ExecutionCount, got.Status)
	}
}

func TestStartExecutionNotifiesAuthors(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")
	env.Sink.msgs = nil

	if _, err := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "bob"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(env.Sink.msgs) != 1 {
		t.Fatalf("notifications = %d", len(env.Sink.msgs))
	}
	msg := env.Sink.msgs[0]
	if msg.Recipient != "alice" || msg.Type != "execution_started" {
		t.Fatalf("notification: %+v", msg)
	}
}

func TestUpdateExecutionDiffsCoExperimenters(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")
	ex, err := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{
		DesignID: d.ID, CallerUID: "bob", CoExperimenterUIDs: []string{"carol"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Sink.msgs = nil

	next := []string{"dave"}
	ex, err = env.Engine.UpdateExecution(env.Ctx, engine.ExecutionUpdateOptions{
		ExecutionID:        ex.ID,
		CallerUID:          "bob",
		CoExperimenterUIDs: &next,
		DeviationNotes:     strPtr("swapped trays on day 3"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(ex.CoExperimenterUIDs) != 1 || ex.CoExperimenterUIDs[0] != "dave" {
		t.Fatalf("co-experimenters: %v", ex.CoExperimenterUIDs)
	}
	if ex.DeviationNotes != "swapped trays on day 3" {
		t.Fatalf("deviation notes: %q", ex.DeviationNotes)
	}

	var joined, left int
	for _, m := range env.Sink.msgs {
		switch m.Type {
		case "execution_joined":
			joined++
			if m.Recipient != "dave" {
				t.Fatalf("joined recipient: %s", m.Recipient)
			}
		case "execution_left":
			left++
			if m.Recipient != "carol" {
				t.Fatalf("left recipient: %s", m.Recipient)
			}
		}
	}
	if joined != 1 || left != 1 {
		t.Fatalf("diff notifications: joined=%d left=%d", joined, left)
	}
}

func TestExecutionLeadOnly(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")
	ex, _ := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "bob"})

	var fe engine.ForbiddenError
	if _, err := env.Engine.UpdateExecution(env.Ctx, engine.ExecutionUpdateOptions{
		ExecutionID: ex.ID, CallerUID: "carol", StartDate: strPtr("2025-06-02"),
	}); !errors.As(err, &fe) {
		t.Fatalf("non-lead update: %v", err)
	}
	if err := env.Engine.CancelExecution(env.Ctx, ex.ID, "carol"); !errors.As(err, &fe) {
		t.Fatalf("non-lead cancel: %v", err)
	}
	if _, err := env.Engine.CompleteExecution(env.Ctx, ex.ID, "carol"); !errors.As(err, &fe) {
		t.Fatalf("non-lead complete: %v", err)
	}
}

func TestCompletedExecutionIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env, "alice")
	mustPublish(t, env, d.ID, "alice")
	ex, _ := env.Engine.StartExecution(env.Ctx, engine.ExecutionStartOptions{DesignID: d.ID, CallerUID: "bob"})

	ex, err := env.Engine.CompleteExecution(env.Ctx, ex.ID, "bob")
	if err != nil || ex.Status != domain.ExecutionCompleted {
		t.Fatalf("complete: %v %+v", err, ex)
	}
	// Completion keeps the design locked; the run still counts.
	got, _ := env.Engine.GetDesign(env.Ctx, d.ID, "")
	if got.Status != domain.DesignLocked || got.ExecutionCount != 1 {
		t.Fatalf("after complete: %+v", got)
	}

	var be engine.BadRequestError
	if err := env.Engine.CancelExecution(env.Ctx, ex.ID, "bob"); !errors.As(err, &be) {
		t.Fatalf("cancel after complete: %v", err)
	}
	if _, err := env.Engine.UpdateExecution(env.Ctx, engine.ExecutionUpdateOptions{
		ExecutionID: ex.ID, CallerUID: "bob", StartDate: strPtr("2025-06-03"),
	}); !errors.As(err, &be) {
		t.Fatalf("update after complete: %v", err)
	}
}
