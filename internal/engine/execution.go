package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"protolab/internal/domain"
	"protolab/internal/notify"
	"protolab/internal/repo"
)

type ExecutionStartOptions struct {
	DesignID           string
	CallerUID          string
	CoExperimenterUIDs []string
	StartDate          string
}

// StartExecution records a run against the design's currently published
// version and freezes the methodology: a published design transitions to
// locked on its first execution.
func (e Engine) StartExecution(ctx context.Context, opts ExecutionStartOptions) (domain.Execution, error) {
	d, err := e.Repo.GetDesign(ctx, opts.DesignID)
	if err != nil {
		return domain.Execution{}, err
	}
	if d.Status == domain.DesignDraft {
		if !d.IsAuthor(opts.CallerUID) {
			return domain.Execution{}, repo.ErrNotFound
		}
		return domain.Execution{}, badRequest("design has not been published")
	}
	// Only a published design mid-edit blocks new runs. Once locked, the
	// published methodology is frozen, so a pending draft is irrelevant.
	if d.Status == domain.DesignPublished && d.HasDraftChanges {
		return domain.Execution{}, badRequest("author is working on a new draft")
	}

	now := e.nowString()
	ex := domain.Execution{
		ID:                 uuid.New().String(),
		DesignID:           d.ID,
		DesignVersion:      d.PublishedVersion,
		DesignTitle:        d.Title,
		ExperimenterUID:    opts.CallerUID,
		CoExperimenterUIDs: opts.CoExperimenterUIDs,
		Status:             domain.ExecutionInProgress,
		StartDate:          opts.StartDate,
		StartedAt:          now,
		UpdatedAt:          now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExecutionTx(ctx, tx, ex); err != nil {
		return domain.Execution{}, err
	}
	if err := e.Repo.IncrementExecutionCountTx(ctx, tx, d.ID, 1); err != nil {
		return domain.Execution{}, err
	}
	if d.Status == domain.DesignPublished {
		if err := e.Repo.SetDesignStatusTx(ctx, tx, d.ID, domain.DesignLocked, now); err != nil {
			return domain.Execution{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}

	e.notifyAuthors(d, opts.CallerUID, "execution_started",
		fmt.Sprintf("%s started an execution of %q", e.Names.DisplayName(ctx, opts.CallerUID), d.Title),
		"/designs/"+d.ID+"/executions/"+ex.ID,
		map[string]any{"design_id": d.ID, "execution_id": ex.ID})
	return ex, nil
}

type ExecutionUpdateOptions struct {
	ExecutionID        string
	CallerUID          string
	CoExperimenterUIDs *[]string
	StartDate          *string
	DeviationNotes     *string
}

// UpdateExecution lets the lead experimenter adjust an in-progress run.
// Co-experimenter changes send added/removed notifications.
func (e Engine) UpdateExecution(ctx context.Context, opts ExecutionUpdateOptions) (domain.Execution, error) {
	ex, err := e.Repo.GetExecution(ctx, opts.ExecutionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if ex.ExperimenterUID != opts.CallerUID {
		return domain.Execution{}, forbidden("only the lead experimenter may update an execution")
	}
	if ex.Status != domain.ExecutionInProgress {
		return domain.Execution{}, badRequest("execution is not in progress")
	}

	var added, removed []string
	if opts.CoExperimenterUIDs != nil {
		added, removed = diffUIDs(ex.CoExperimenterUIDs, *opts.CoExperimenterUIDs)
		ex.CoExperimenterUIDs = *opts.CoExperimenterUIDs
	}
	if opts.StartDate != nil {
		ex.StartDate = *opts.StartDate
	}
	if opts.DeviationNotes != nil {
		ex.DeviationNotes = *opts.DeviationNotes
	}
	ex.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateExecution(ctx, ex); err != nil {
		return domain.Execution{}, err
	}

	lead := e.Names.DisplayName(ctx, ex.ExperimenterUID)
	for _, uid := range added {
		e.Notify.Send(notify.Message{
			Recipient: uid,
			Type:      "execution_joined",
			Text:      fmt.Sprintf("%s added you as a co-experimenter on %q", lead, ex.DesignTitle),
			Link:      "/designs/" + ex.DesignID + "/executions/" + ex.ID,
			Context:   map[string]any{"execution_id": ex.ID},
		})
	}
	for _, uid := range removed {
		e.Notify.Send(notify.Message{
			Recipient: uid,
			Type:      "execution_left",
			Text:      fmt.Sprintf("%s removed you from an execution of %q", lead, ex.DesignTitle),
			Link:      "/designs/" + ex.DesignID,
			Context:   map[string]any{"execution_id": ex.ID},
		})
	}
	return ex, nil
}

// CompleteExecution is the terminal transition for a run. It never touches
// the design's lock state.
func (e Engine) CompleteExecution(ctx context.Context, executionID, callerUID string) (domain.Execution, error) {
	ex, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if ex.ExperimenterUID != callerUID {
		return domain.Execution{}, forbidden("only the lead experimenter may complete an execution")
	}
	if ex.Status != domain.ExecutionInProgress {
		return domain.Execution{}, badRequest("execution is not in progress")
	}
	ex.Status = domain.ExecutionCompleted
	ex.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateExecution(ctx, ex); err != nil {
		return domain.Execution{}, err
	}
	return ex, nil
}

// CancelExecution deletes the run and, when it was the last one against a
// locked design, reverts the design to published. The re-read, decrement and
// unlock decision all run in one transaction (serializable under SQLite) so
// concurrent cancels or starts on the same design cannot interleave between
// the decrement and the unlock.
func (e Engine) CancelExecution(ctx context.Context, executionID, callerUID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ex, err := e.Repo.GetExecutionTx(ctx, tx, executionID)
	if err != nil {
		return err
	}
	if ex.ExperimenterUID != callerUID {
		return forbidden("only the lead experimenter may cancel an execution")
	}
	if ex.Status != domain.ExecutionInProgress {
		return badRequest("execution is not in progress")
	}
	d, err := e.Repo.GetDesignTx(ctx, tx, ex.DesignID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteExecutionTx(ctx, tx, ex.ID); err != nil {
		return err
	}
	if err := e.Repo.IncrementExecutionCountTx(ctx, tx, d.ID, -1); err != nil {
		return err
	}
	if d.ExecutionCount-1 == 0 && d.Status == domain.DesignLocked {
		if err := e.Repo.SetDesignStatusTx(ctx, tx, d.ID, domain.DesignPublished, e.nowString()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListExecutions returns a design's runs, subject to the draft-hiding rule.
func (e Engine) ListExecutions(ctx context.Context, designID, callerUID string) ([]domain.Execution, error) {
	d, err := e.Repo.GetDesign(ctx, designID)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.DesignDraft && !d.IsAuthor(callerUID) {
		return nil, repo.ErrNotFound
	}
	return e.Repo.ListExecutionsByDesign(ctx, designID)
}

// diffUIDs reports which uids appear only in next (added) and only in prev
// (removed).
func diffUIDs(prev, next []string) (added, removed []string) {
	in := func(list []string, uid string) bool {
		for _, v := range list {
			if v == uid {
				return true
			}
		}
		return false
	}
	for _, uid := range next {
		if !in(prev, uid) {
			added = append(added, uid)
		}
	}
	for _, uid := range prev {
		if !in(next, uid) {
			removed = append(removed, uid)
		}
	}
	return added, removed
}
