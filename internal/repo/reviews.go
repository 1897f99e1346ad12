package repo

import (
	"context"
	"database/sql"

	"protolab/internal/domain"
)

const reviewColumns = `id,design_id,version_number,reviewer_id,general_comment,readiness_signal,endorsement,status,created_at,updated_at`

func scanReview(row rowScanner) (domain.Review, error) {
	var rv domain.Review
	var comment, readiness sql.NullString
	var endorsement int
	err := row.Scan(&rv.ID, &rv.DesignID, &rv.VersionNumber, &rv.ReviewerID,
		&comment, &readiness, &endorsement, &rv.Status, &rv.CreatedAt, &rv.UpdatedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	rv.GeneralComment = comment.String
	rv.Readiness = domain.ReadinessSignal(readiness.String)
	rv.Endorsement = endorsement != 0
	return rv, nil
}

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rv.ID, rv.DesignID, rv.VersionNumber, rv.ReviewerID, nullable(rv.GeneralComment),
		nullable(string(rv.Readiness)), boolInt(rv.Endorsement), rv.Status, rv.CreatedAt, rv.UpdatedAt)
	return err
}

// UpdateReviewTx rewrites a review in place; resubmission keeps the row id.
func (r Repo) UpdateReviewTx(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := tx.ExecContext(ctx, `UPDATE reviews SET general_comment=?, readiness_signal=?, endorsement=?, status=?, updated_at=? WHERE id=?`,
		nullable(rv.GeneralComment), nullable(string(rv.Readiness)), boolInt(rv.Endorsement), rv.Status, rv.UpdatedAt, rv.ID)
	return err
}

// FindReviewTx locates the unique review for (design, version, reviewer).
func (r Repo) FindReviewTx(ctx context.Context, tx *sql.Tx, designID string, version int, reviewerID string) (domain.Review, error) {
	return scanReview(tx.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE design_id=? AND version_number=? AND reviewer_id=?`,
		designID, version, reviewerID))
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.Review, error) {
	return scanReview(r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=?`, id))
}

func (r Repo) ListReviewsByDesign(ctx context.Context, designID string, version int) ([]domain.Review, error) {
	clauses := "design_id=?"
	args := []any{designID}
	if version > 0 {
		clauses += " AND version_number=?"
		args = append(args, version)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE `+clauses+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

// CountEndorsements returns endorsing and total review counts for one
// published version.
func (r Repo) CountEndorsements(ctx context.Context, designID string, version int) (endorsing, total int, err error) {
	err = r.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(endorsement),0), COUNT(*) FROM reviews WHERE design_id=? AND version_number=?`,
		designID, version).Scan(&endorsing, &total)
	return
}

func (r Repo) HasReviewed(ctx context.Context, designID string, version int, reviewerID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM reviews WHERE design_id=? AND version_number=? AND reviewer_id=? LIMIT 1`,
		designID, version, reviewerID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- suggestions ---

const suggestionColumns = `id,review_id,design_id,suggester_id,type,field_ref,new_field_name,proposed_text,comment,status,owner_reply,created_at,updated_at`

func scanSuggestion(row rowScanner) (domain.FieldSuggestion, error) {
	var s domain.FieldSuggestion
	var fieldRef, newField, proposed, comment, reply sql.NullString
	err := row.Scan(&s.ID, &s.ReviewID, &s.DesignID, &s.SuggesterID, &s.Type,
		&fieldRef, &newField, &proposed, &comment, &s.Status, &reply, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.FieldRef = fieldRef.String
	s.NewFieldName = newField.String
	s.ProposedText = proposed.String
	s.Comment = comment.String
	s.OwnerReply = reply.String
	return s, nil
}

func (r Repo) InsertSuggestionTx(ctx context.Context, tx *sql.Tx, s domain.FieldSuggestion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO suggestions(`+suggestionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ReviewID, s.DesignID, s.SuggesterID, s.Type,
		nullable(s.FieldRef), nullable(s.NewFieldName), nullable(s.ProposedText), nullable(s.Comment),
		s.Status, nullable(s.OwnerReply), s.CreatedAt, s.UpdatedAt)
	return err
}

// DeleteSuggestionsForReviewTx drops a review's suggestion set so a
// resubmission can replace it.
func (r Repo) DeleteSuggestionsForReviewTx(ctx context.Context, tx *sql.Tx, reviewID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM suggestions WHERE review_id=?`, reviewID)
	return err
}

func (r Repo) GetSuggestion(ctx context.Context, id string) (domain.FieldSuggestion, error) {
	return scanSuggestion(r.DB.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id=?`, id))
}

func (r Repo) GetSuggestionTx(ctx context.Context, tx *sql.Tx, id string) (domain.FieldSuggestion, error) {
	return scanSuggestion(tx.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id=?`, id))
}

func (r Repo) SetSuggestionStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.SuggestionStatus, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE suggestions SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	return err
}

// SetOwnerReply writes the reply only when none exists; callers treat a zero
// row count as "already replied".
func (r Repo) SetOwnerReply(ctx context.Context, id, reply, updatedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE suggestions SET owner_reply=?, updated_at=? WHERE id=? AND owner_reply IS NULL`, reply, updatedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListSuggestionsByReview(ctx context.Context, reviewID string) ([]domain.FieldSuggestion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE review_id=? ORDER BY created_at ASC, id ASC`, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FieldSuggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
