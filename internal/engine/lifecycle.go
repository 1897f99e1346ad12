package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"protolab/internal/domain"
	"protolab/internal/ledger"
	"protolab/internal/repo"
)

type DesignCreateOptions struct {
	CallerUID string
	Content   domain.Content
}

// CreateDesign validates the payload and stores a new private draft.
func (e Engine) CreateDesign(ctx context.Context, opts DesignCreateOptions) (domain.Design, error) {
	assignQuestionIDs(opts.Content.ResearchQuestions)
	if err := validateContent(opts.Content); err != nil {
		return domain.Design{}, err
	}
	now := e.nowString()
	d := domain.Design{
		ID:          uuid.New().String(),
		Content:     opts.Content,
		AuthorIDs:   []string{opts.CallerUID},
		Status:      domain.DesignDraft,
		Version:     1,
		ReviewState: domain.ReviewStateUnreviewed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Design{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDesignTx(ctx, tx, d); err != nil {
		return domain.Design{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Design{}, err
	}
	return d, nil
}

// GetDesign applies the draft-hiding rule: drafts are invisible to
// non-authors, and pending edits are merged in for authors only.
func (e Engine) GetDesign(ctx context.Context, id, callerUID string) (domain.Design, error) {
	d, err := e.Repo.GetDesign(ctx, id)
	if err != nil {
		return domain.Design{}, err
	}
	if d.Status == domain.DesignDraft && !d.IsAuthor(callerUID) {
		return domain.Design{}, repo.ErrNotFound
	}
	if d.HasDraftChanges && d.IsAuthor(callerUID) {
		dr, err := e.Repo.GetDraft(ctx, id)
		if err == nil {
			return mergeDraft(d, dr), nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Design{}, err
		}
	}
	return d, nil
}

// ListPublicDesigns returns non-draft designs only; drafts never appear in
// listings regardless of caller.
func (e Engine) ListPublicDesigns(ctx context.Context, f repo.DesignFilters) ([]domain.Design, error) {
	return e.Repo.ListPublicDesigns(ctx, f)
}

type DesignUpdateOptions struct {
	DesignID  string
	CallerUID string
	Patch     ContentPatch
	// PendingChangelog is stored on the draft and used as the fallback
	// changelog at the next publish.
	PendingChangelog *string
}

// UpdateDesign applies a partial edit. On a never-published design the edit
// lands directly; on a published or locked design it lands on the shadow
// draft, seeding one from the current public content when none exists.
func (e Engine) UpdateDesign(ctx context.Context, opts DesignUpdateOptions) (domain.Design, error) {
	probe, err := e.Repo.GetDesign(ctx, opts.DesignID)
	if err != nil {
		return domain.Design{}, err
	}
	if !probe.IsAuthor(opts.CallerUID) {
		if probe.Status == domain.DesignDraft {
			return domain.Design{}, repo.ErrNotFound
		}
		return domain.Design{}, forbidden("only authors may update a design")
	}
	if opts.Patch.Empty() && opts.PendingChangelog == nil {
		return domain.Design{}, validation("the update contains no changes")
	}
	if err := opts.Patch.validate(); err != nil {
		return domain.Design{}, err
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Design{}, err
	}
	defer tx.Rollback()

	// Re-read inside the transaction so concurrent edits serialize on the
	// version counter instead of both writing the same bump.
	d, err := e.Repo.GetDesignTx(ctx, tx, opts.DesignID)
	if err != nil {
		return domain.Design{}, err
	}
	if d.ExecutionCount >= 1 {
		if fields := opts.Patch.MethodologyFields(); len(fields) > 0 {
			return domain.Design{}, ForbiddenError{
				Msg: fmt.Sprintf("methodology fields are locked once a design has been executed: %s. Fork the design to change them",
					strings.Join(fields, ", ")),
				Fields: fields,
			}
		}
	}

	if d.Status == domain.DesignDraft {
		opts.Patch.apply(&d.Content)
		d.Version++
		d.UpdatedAt = now
		if err := e.Repo.UpdateDesignContentTx(ctx, tx, d); err != nil {
			return domain.Design{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Design{}, err
		}
		return d, nil
	}

	dr, err := e.Repo.GetDraftTx(ctx, tx, d.ID)
	if errors.Is(err, repo.ErrNotFound) {
		dr = draftFromDesign(d, now)
	} else if err != nil {
		return domain.Design{}, err
	}
	opts.Patch.apply(&dr.Content)
	if opts.PendingChangelog != nil {
		dr.PendingChangelog = *opts.PendingChangelog
	}
	dr.UpdatedAt = now
	if err := e.Repo.UpsertDraftTx(ctx, tx, dr); err != nil {
		return domain.Design{}, err
	}
	d.Version++
	d.HasDraftChanges = true
	d.UpdatedAt = now
	if err := e.Repo.MarkDraftChangesTx(ctx, tx, d.ID, d.Version, now); err != nil {
		return domain.Design{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Design{}, err
	}
	return mergeDraft(d, dr), nil
}

type DesignPublishOptions struct {
	DesignID  string
	CallerUID string
	Changelog string
}

// PublishDesign makes the current content (or the pending draft) the public
// record and writes an immutable version snapshot. Both paths run in one
// transaction keyed by the design row.
func (e Engine) PublishDesign(ctx context.Context, opts DesignPublishOptions) (domain.Design, error) {
	probe, err := e.Repo.GetDesign(ctx, opts.DesignID)
	if err != nil {
		return domain.Design{}, err
	}
	if !probe.IsAuthor(opts.CallerUID) {
		if probe.Status == domain.DesignDraft {
			return domain.Design{}, repo.ErrNotFound
		}
		return domain.Design{}, forbidden("only authors may publish a design")
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Design{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDesignTx(ctx, tx, opts.DesignID)
	if err != nil {
		return domain.Design{}, err
	}

	var published domain.Design
	changelog := opts.Changelog
	switch {
	case d.Status == domain.DesignDraft:
		if err := validateContent(d.Content); err != nil {
			return domain.Design{}, validation("Cannot publish: " + err.Error())
		}
		d.Status = domain.DesignPublished
		d.IsPublic = true
		d.PublishedVersion = 1
		d.Version++
		d.HasDraftChanges = false
		d.UpdatedAt = now
		if err := e.Repo.SetDesignPublishedTx(ctx, tx, d.ID, d.Status, d.PublishedVersion, d.Version, now); err != nil {
			return domain.Design{}, err
		}
		published = d

	case d.HasDraftChanges:
		dr, err := e.Repo.GetDraftTx(ctx, tx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Design{}, badRequest("No unpublished changes to publish")
		}
		if err != nil {
			return domain.Design{}, err
		}
		if err := validateContent(dr.Content); err != nil {
			return domain.Design{}, validation("Cannot publish: " + err.Error())
		}
		if changelog == "" {
			changelog = dr.PendingChangelog
		}
		d.Content = dr.Content
		d.PublishedVersion++
		d.Version++
		d.HasDraftChanges = false
		d.UpdatedAt = now
		if err := e.Repo.UpdateDesignContentTx(ctx, tx, d); err != nil {
			return domain.Design{}, err
		}
		if err := e.Repo.SetDesignPublishedTx(ctx, tx, d.ID, d.Status, d.PublishedVersion, d.Version, now); err != nil {
			return domain.Design{}, err
		}
		if err := e.Repo.DeleteDraftTx(ctx, tx, d.ID); err != nil {
			return domain.Design{}, err
		}
		published = d

	default:
		return domain.Design{}, badRequest("No unpublished changes to publish")
	}

	snapshot := domain.VersionSnapshot{
		DesignID:      published.ID,
		VersionNumber: published.PublishedVersion,
		PublishedAt:   now,
		PublishedBy:   opts.CallerUID,
		Changelog:     changelog,
		Data:          published,
	}
	if err := e.Repo.InsertVersionTx(ctx, tx, snapshot); err != nil {
		return domain.Design{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Design{}, err
	}

	e.Ledger.RecordMany(ctx, published.AuthorIDs, domain.EventDesignPublished, ledger.Context{
		"design_id": published.ID,
		"version":   published.PublishedVersion,
		"title":     published.Title,
	})
	e.notifyAuthors(published, opts.CallerUID, "design_published",
		fmt.Sprintf("%s published version %d of %q", e.Names.DisplayName(ctx, opts.CallerUID), published.PublishedVersion, published.Title),
		"/designs/"+published.ID,
		map[string]any{"design_id": published.ID, "version": published.PublishedVersion})
	return published, nil
}

type DesignForkOptions struct {
	SourceID  string
	CallerUID string
	ForkType  domain.ForkType
	Rationale string
}

// ForkDesign copies a non-draft design's content into a brand-new private
// draft owned by the caller, recording lineage on the copy and bumping the
// derived count on the source.
func (e Engine) ForkDesign(ctx context.Context, opts DesignForkOptions) (domain.Design, error) {
	if !opts.ForkType.Valid() {
		return domain.Design{}, validation("invalid fork type")
	}
	if strings.TrimSpace(opts.Rationale) == "" {
		return domain.Design{}, validation("fork rationale is required")
	}
	src, err := e.Repo.GetDesign(ctx, opts.SourceID)
	if err != nil {
		return domain.Design{}, err
	}
	if src.Status == domain.DesignDraft {
		if !src.IsAuthor(opts.CallerUID) {
			return domain.Design{}, repo.ErrNotFound
		}
		return domain.Design{}, forbidden("draft designs cannot be forked")
	}

	generation := 1
	if src.Fork != nil {
		generation = src.Fork.ForkGeneration + 1
	}
	now := e.nowString()
	d := domain.Design{
		ID:          uuid.New().String(),
		Content:     src.Content,
		AuthorIDs:   []string{opts.CallerUID},
		Status:      domain.DesignDraft,
		Version:     1,
		ReviewState: domain.ReviewStateUnreviewed,
		Fork: &domain.ForkMetadata{
			ParentDesignID: src.ID,
			ForkGeneration: generation,
			ForkType:       opts.ForkType,
			ForkRationale:  opts.Rationale,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Design{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDesignTx(ctx, tx, d); err != nil {
		return domain.Design{}, err
	}
	if err := e.Repo.IncrementDerivedCountTx(ctx, tx, src.ID); err != nil {
		return domain.Design{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Design{}, err
	}

	e.Ledger.Record(ctx, opts.CallerUID, domain.EventDesignForked, ledger.Context{
		"design_id":        d.ID,
		"parent_design_id": src.ID,
		"fork_type":        string(opts.ForkType),
	})
	e.notifyAuthors(src, opts.CallerUID, "design_forked",
		fmt.Sprintf("%s forked %q", e.Names.DisplayName(ctx, opts.CallerUID), src.Title),
		"/designs/"+d.ID,
		map[string]any{"design_id": src.ID, "fork_id": d.ID})
	return d, nil
}

// DeleteDesign removes a design permanently. Published material cannot be
// deleted.
func (e Engine) DeleteDesign(ctx context.Context, id, callerUID string) error {
	d, err := e.Repo.GetDesign(ctx, id)
	if err != nil {
		return err
	}
	if !d.IsAuthor(callerUID) {
		if d.Status == domain.DesignDraft {
			return repo.ErrNotFound
		}
		return forbidden("only authors may delete a design")
	}
	if d.Status != domain.DesignDraft {
		return forbidden("published designs cannot be deleted")
	}
	return e.Repo.DeleteDesign(ctx, id)
}

// ListVersions exposes the snapshot history with the same visibility rule
// as GetDesign.
func (e Engine) ListVersions(ctx context.Context, designID, callerUID string) ([]domain.VersionSnapshot, error) {
	d, err := e.Repo.GetDesign(ctx, designID)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.DesignDraft && !d.IsAuthor(callerUID) {
		return nil, repo.ErrNotFound
	}
	return e.Repo.ListVersions(ctx, designID)
}

func (e Engine) GetVersion(ctx context.Context, designID string, number int, callerUID string) (domain.VersionSnapshot, error) {
	d, err := e.Repo.GetDesign(ctx, designID)
	if err != nil {
		return domain.VersionSnapshot{}, err
	}
	if d.Status == domain.DesignDraft && !d.IsAuthor(callerUID) {
		return domain.VersionSnapshot{}, repo.ErrNotFound
	}
	return e.Repo.GetVersion(ctx, designID, number)
}
