package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"protolab/internal/domain"
	"protolab/internal/ledger"
	"protolab/internal/notify"
	"protolab/internal/repo"
)

// SuggestionInput is one proposed field change inside a review submission.
type SuggestionInput struct {
	Type         domain.SuggestionType
	FieldRef     string
	NewFieldName string
	ProposedText string
	Comment      string
}

type ReviewSubmitOptions struct {
	DesignID       string
	CallerUID      string
	GeneralComment string
	Readiness      domain.ReadinessSignal
	Endorsement    bool
	Suggestions    []SuggestionInput
}

// SubmitReview records a peer review of the design's current published
// version. A second submission by the same reviewer for the same version
// updates the existing review in place and replaces its suggestion set;
// counters, ledger events and notifications fire on first submission only.
func (e Engine) SubmitReview(ctx context.Context, opts ReviewSubmitOptions) (domain.Review, error) {
	d, err := e.Repo.GetDesign(ctx, opts.DesignID)
	if err != nil {
		return domain.Review{}, err
	}
	if d.Status == domain.DesignDraft && !d.IsAuthor(opts.CallerUID) {
		return domain.Review{}, repo.ErrNotFound
	}
	if d.IsAuthor(opts.CallerUID) {
		return domain.Review{}, forbidden("authors cannot review their own design")
	}
	if d.Status != domain.DesignPublished {
		return domain.Review{}, forbidden("design is not open for review")
	}
	if !opts.Readiness.Valid() {
		return domain.Review{}, validation("invalid readiness signal")
	}
	hasComment := strings.TrimSpace(opts.GeneralComment) != ""
	if !hasComment && len(opts.Suggestions) == 0 && !opts.Endorsement {
		return domain.Review{}, validation("a review needs a comment, a suggestion, or an endorsement")
	}
	if opts.Endorsement && !hasComment {
		return domain.Review{}, validation("an endorsement requires a comment")
	}
	for i, s := range opts.Suggestions {
		if !s.Type.Valid() {
			return domain.Review{}, validation(fmt.Sprintf("suggestion %d has an invalid type", i+1))
		}
		if (s.FieldRef == "") == (s.NewFieldName == "") {
			return domain.Review{}, validation(fmt.Sprintf("suggestion %d must reference exactly one of an existing field or a new field", i+1))
		}
		if strings.TrimSpace(s.ProposedText) == "" && strings.TrimSpace(s.Comment) == "" {
			return domain.Review{}, validation(fmt.Sprintf("suggestion %d needs proposed text or a comment", i+1))
		}
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()

	rv, err := e.Repo.FindReviewTx(ctx, tx, d.ID, d.PublishedVersion, opts.CallerUID)
	first := errors.Is(err, repo.ErrNotFound)
	if err != nil && !first {
		return domain.Review{}, err
	}
	if first {
		rv = domain.Review{
			ID:             uuid.New().String(),
			DesignID:       d.ID,
			VersionNumber:  d.PublishedVersion,
			ReviewerID:     opts.CallerUID,
			GeneralComment: opts.GeneralComment,
			Readiness:      opts.Readiness,
			Endorsement:    opts.Endorsement,
			Status:         domain.ReviewActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.InsertReviewTx(ctx, tx, rv); err != nil {
			return domain.Review{}, err
		}
		if err := e.Repo.IncrementReviewCountTx(ctx, tx, d.ID); err != nil {
			return domain.Review{}, err
		}
		if d.ReviewState == domain.ReviewStateUnreviewed {
			if err := e.Repo.SetReviewStateTx(ctx, tx, d.ID, domain.ReviewStateUnderReview); err != nil {
				return domain.Review{}, err
			}
		}
	} else {
		rv.GeneralComment = opts.GeneralComment
		rv.Readiness = opts.Readiness
		rv.Endorsement = opts.Endorsement
		rv.UpdatedAt = now
		if err := e.Repo.UpdateReviewTx(ctx, tx, rv); err != nil {
			return domain.Review{}, err
		}
		if err := e.Repo.DeleteSuggestionsForReviewTx(ctx, tx, rv.ID); err != nil {
			return domain.Review{}, err
		}
	}

	rv.Suggestions = nil
	for _, in := range opts.Suggestions {
		s := domain.FieldSuggestion{
			ID:           uuid.New().String(),
			ReviewID:     rv.ID,
			DesignID:     d.ID,
			SuggesterID:  opts.CallerUID,
			Type:         in.Type,
			FieldRef:     in.FieldRef,
			NewFieldName: in.NewFieldName,
			ProposedText: in.ProposedText,
			Comment:      in.Comment,
			Status:       domain.SuggestionOpen,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertSuggestionTx(ctx, tx, s); err != nil {
			return domain.Review{}, err
		}
		rv.Suggestions = append(rv.Suggestions, s)
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}

	if first {
		e.Ledger.Record(ctx, opts.CallerUID, domain.EventReviewSubmitted, ledger.Context{
			"design_id": d.ID,
			"version":   d.PublishedVersion,
		})
		if opts.Endorsement {
			e.Ledger.RecordMany(ctx, d.AuthorIDs, domain.EventDesignEndorsed, ledger.Context{
				"design_id":   d.ID,
				"version":     d.PublishedVersion,
				"reviewer_id": opts.CallerUID,
			})
		}
		e.notifyAuthors(d, opts.CallerUID, "review_submitted",
			fmt.Sprintf("%s reviewed %q", e.Names.DisplayName(ctx, opts.CallerUID), d.Title),
			"/designs/"+d.ID+"/reviews/"+rv.ID,
			map[string]any{"design_id": d.ID, "review_id": rv.ID})
	}
	return rv, nil
}

// ListReviews returns a design's reviews with their suggestion sets, for
// version when it is positive, or all versions otherwise.
func (e Engine) ListReviews(ctx context.Context, designID string, version int, callerUID string) ([]domain.Review, error) {
	d, err := e.Repo.GetDesign(ctx, designID)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.DesignDraft && !d.IsAuthor(callerUID) {
		return nil, repo.ErrNotFound
	}
	reviews, err := e.Repo.ListReviewsByDesign(ctx, designID, version)
	if err != nil {
		return nil, err
	}
	for i := range reviews {
		sugs, err := e.Repo.ListSuggestionsByReview(ctx, reviews[i].ID)
		if err != nil {
			return nil, err
		}
		reviews[i].Suggestions = sugs
	}
	return reviews, nil
}

// ReviewSummary aggregates review standing for a design's current published
// version.
type ReviewSummary struct {
	DesignID          string `json:"design_id"`
	VersionNumber     int    `json:"version_number"`
	Endorsements      int    `json:"endorsements"`
	NonEndorsements   int    `json:"non_endorsements"`
	CallerHasReviewed bool   `json:"caller_has_reviewed"`
	Reviewable        bool   `json:"reviewable"`
}

func (e Engine) GetReviewSummary(ctx context.Context, designID, callerUID string) (ReviewSummary, error) {
	d, err := e.Repo.GetDesign(ctx, designID)
	if err != nil {
		return ReviewSummary{}, err
	}
	if d.Status == domain.DesignDraft && !d.IsAuthor(callerUID) {
		return ReviewSummary{}, repo.ErrNotFound
	}
	endorsing, total, err := e.Repo.CountEndorsements(ctx, designID, d.PublishedVersion)
	if err != nil {
		return ReviewSummary{}, err
	}
	sum := ReviewSummary{
		DesignID:        d.ID,
		VersionNumber:   d.PublishedVersion,
		Endorsements:    endorsing,
		NonEndorsements: total - endorsing,
		Reviewable:      d.Status == domain.DesignPublished,
	}
	if callerUID != "" {
		sum.CallerHasReviewed, err = e.Repo.HasReviewed(ctx, designID, d.PublishedVersion, callerUID)
		if err != nil {
			return ReviewSummary{}, err
		}
	}
	return sum, nil
}

// AcceptSuggestion marks an open suggestion accepted and, when the design
// has no pending draft yet, seeds one from the current content so the owner
// can work the change in before the next publish.
func (e Engine) AcceptSuggestion(ctx context.Context, suggestionID, callerUID string) (domain.FieldSuggestion, error) {
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FieldSuggestion{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSuggestionTx(ctx, tx, suggestionID)
	if err != nil {
		return domain.FieldSuggestion{}, err
	}
	d, err := e.Repo.GetDesignTx(ctx, tx, s.DesignID)
	if err != nil {
		return domain.FieldSuggestion{}, err
	}
	if !d.IsAuthor(callerUID) {
		return domain.FieldSuggestion{}, forbidden("only authors may manage suggestions")
	}
	if s.Status != domain.SuggestionOpen {
		return domain.FieldSuggestion{}, badRequest("suggestion is not open")
	}
	if err := e.Repo.SetSuggestionStatusTx(ctx, tx, s.ID, domain.SuggestionAccepted, now); err != nil {
		return domain.FieldSuggestion{}, err
	}
	if d.Status != domain.DesignDraft {
		_, err := e.Repo.GetDraftTx(ctx, tx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			if err := e.Repo.UpsertDraftTx(ctx, tx, draftFromDesign(d, now)); err != nil {
				return domain.FieldSuggestion{}, err
			}
			if err := e.Repo.MarkDraftChangesTx(ctx, tx, d.ID, d.Version+1, now); err != nil {
				return domain.FieldSuggestion{}, err
			}
		} else if err != nil {
			return domain.FieldSuggestion{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.FieldSuggestion{}, err
	}
	s.Status = domain.SuggestionAccepted
	s.UpdatedAt = now

	e.Ledger.Record(ctx, s.SuggesterID, domain.EventSuggestionAccepted, ledger.Context{
		"design_id":     d.ID,
		"suggestion_id": s.ID,
	})
	if s.Type == domain.SuggestionSafetyConcern {
		e.Ledger.Record(ctx, s.SuggesterID, domain.EventSafetySuggestionAccepted, ledger.Context{
			"design_id":     d.ID,
			"suggestion_id": s.ID,
		})
	}
	if s.SuggesterID != callerUID {
		e.Notify.Send(notify.Message{
			Recipient: s.SuggesterID,
			Type:      "suggestion_accepted",
			Text:      fmt.Sprintf("%s accepted your suggestion on %q", e.Names.DisplayName(ctx, callerUID), d.Title),
			Link:      "/designs/" + d.ID,
			Context:   map[string]any{"suggestion_id": s.ID},
		})
	}
	return s, nil
}

// CloseSuggestion declines an open suggestion.
func (e Engine) CloseSuggestion(ctx context.Context, suggestionID, callerUID string) (domain.FieldSuggestion, error) {
	s, err := e.Repo.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return domain.FieldSuggestion{}, err
	}
	d, err := e.Repo.GetDesign(ctx, s.DesignID)
	if err != nil {
		return domain.FieldSuggestion{}, err
	}
	if !d.IsAuthor(callerUID) {
		return domain.FieldSuggestion{}, forbidden("only authors may manage suggestions")
	}
	if s.Status != domain.SuggestionOpen {
		return domain.FieldSuggestion{}, badRequest("suggestion is not open")
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FieldSuggestion{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetSuggestionStatusTx(ctx, tx, s.ID, domain.SuggestionClosed, now); err != nil {
		return domain.FieldSuggestion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FieldSuggestion{}, err
	}
	s.Status = domain.SuggestionClosed
	s.UpdatedAt = now

	if s.SuggesterID != callerUID {
		e.Notify.Send(notify.Message{
			Recipient: s.SuggesterID,
			Type:      "suggestion_closed",
			Text:      fmt.Sprintf("%s closed your suggestion on %q", e.Names.DisplayName(ctx, callerUID), d.Title),
			Link:      "/designs/" + d.ID,
			Context:   map[string]any{"suggestion_id": s.ID},
		})
	}
	return s, nil
}

// ReplySuggestion sets the owner's reply. The reply is write-once; a second
// attempt conflicts rather than overwriting.
func (e Engine) ReplySuggestion(ctx context.Context, suggestionID, callerUID, reply string) (domain.FieldSuggestion, error) {
	if strings.TrimSpace(reply) == "" {
		return domain.FieldSuggestion{}, validation("reply text is required")
	}
	s, err := e.Repo.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return domain.FieldSuggestion{}, err
	}
	d, err := e.Repo.GetDesign(ctx, s.DesignID)
	if err != nil {
		return domain.FieldSuggestion{}, err
	}
	if !d.IsAuthor(callerUID) {
		return domain.FieldSuggestion{}, forbidden("only authors may reply to suggestions")
	}
	now := e.nowString()
	ok, err := e.Repo.SetOwnerReply(ctx, s.ID, reply, now)
	if err != nil {
		return domain.FieldSuggestion{}, err
	}
	if !ok {
		return domain.FieldSuggestion{}, conflict("already replied")
	}
	s.OwnerReply = reply
	s.UpdatedAt = now

	if s.SuggesterID != callerUID {
		e.Notify.Send(notify.Message{
			Recipient: s.SuggesterID,
			Type:      "suggestion_replied",
			Text:      fmt.Sprintf("%s replied to your suggestion on %q", e.Names.DisplayName(ctx, callerUID), d.Title),
			Link:      "/designs/" + d.ID,
			Context:   map[string]any{"suggestion_id": s.ID},
		})
	}
	return s, nil
}
