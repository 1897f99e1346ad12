package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"protolab/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const designColumns = `id,author_ids,status,version,published_version,has_draft_changes,execution_count,review_count,review_status,derived_design_count,fork_parent_id,fork_generation,fork_type,fork_rationale,title,summary,discipline_tags,difficulty,expected_duration,hypothesis,steps,materials,research_questions,variables,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDesign(row rowScanner) (domain.Design, error) {
	var d domain.Design
	var authorIDs, tags, steps, materials, questions, variables string
	var summary, duration, hypothesis sql.NullString
	var forkParent, forkType, forkRationale sql.NullString
	var forkGeneration sql.NullInt64
	var hasDraft int
	err := row.Scan(
		&d.ID, &authorIDs, &d.Status, &d.Version, &d.PublishedVersion, &hasDraft,
		&d.ExecutionCount, &d.ReviewCount, &d.ReviewState, &d.DerivedDesignCount,
		&forkParent, &forkGeneration, &forkType, &forkRationale,
		&d.Title, &summary, &tags, &d.Difficulty, &duration, &hypothesis,
		&steps, &materials, &questions, &variables, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.HasDraftChanges = hasDraft != 0
	d.IsPublic = d.Status != domain.DesignDraft
	d.Summary = summary.String
	d.ExpectedDuration = duration.String
	d.Hypothesis = hypothesis.String
	if forkParent.Valid {
		d.Fork = &domain.ForkMetadata{
			ParentDesignID: forkParent.String,
			ForkGeneration: int(forkGeneration.Int64),
			ForkType:       domain.ForkType(forkType.String),
			ForkRationale:  forkRationale.String,
		}
	}
	if err := json.Unmarshal([]byte(authorIDs), &d.AuthorIDs); err != nil {
		return d, fmt.Errorf("decode author_ids: %w", err)
	}
	if err := decodeContentJSON(&d.Content, tags, steps, materials, questions, variables); err != nil {
		return d, err
	}
	return d, nil
}

func decodeContentJSON(c *domain.Content, tags, steps, materials, questions, variables string) error {
	if err := json.Unmarshal([]byte(tags), &c.DisciplineTags); err != nil {
		return fmt.Errorf("decode discipline_tags: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &c.Steps); err != nil {
		return fmt.Errorf("decode steps: %w", err)
	}
	if err := json.Unmarshal([]byte(materials), &c.Materials); err != nil {
		return fmt.Errorf("decode materials: %w", err)
	}
	if err := json.Unmarshal([]byte(questions), &c.ResearchQuestions); err != nil {
		return fmt.Errorf("decode research_questions: %w", err)
	}
	if err := json.Unmarshal([]byte(variables), &c.Variables); err != nil {
		return fmt.Errorf("decode variables: %w", err)
	}
	return nil
}

func encodeContentJSON(c domain.Content) (tags, steps, materials, questions, variables string, err error) {
	enc := func(v any) string {
		if err != nil {
			return ""
		}
		var b []byte
		b, err = json.Marshal(v)
		return string(b)
	}
	tags = enc(c.DisciplineTags)
	steps = enc(c.Steps)
	materials = enc(c.Materials)
	questions = enc(c.ResearchQuestions)
	variables = enc(c.Variables)
	return
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func decodeStrings(raw string, out *[]string) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func (r Repo) InsertDesignTx(ctx context.Context, tx *sql.Tx, d domain.Design) error {
	authors, err := encodeStrings(d.AuthorIDs)
	if err != nil {
		return err
	}
	tags, steps, materials, questions, variables, err := encodeContentJSON(d.Content)
	if err != nil {
		return err
	}
	var forkParent, forkType, forkRationale any
	var forkGeneration any
	if d.Fork != nil {
		forkParent = d.Fork.ParentDesignID
		forkGeneration = d.Fork.ForkGeneration
		forkType = string(d.Fork.ForkType)
		forkRationale = d.Fork.ForkRationale
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO designs(`+designColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, authors, d.Status, d.Version, d.PublishedVersion, boolInt(d.HasDraftChanges),
		d.ExecutionCount, d.ReviewCount, d.ReviewState, d.DerivedDesignCount,
		forkParent, forkGeneration, forkType, forkRationale,
		d.Title, nullable(d.Summary), tags, d.Difficulty, nullable(d.ExpectedDuration), nullable(d.Hypothesis),
		steps, materials, questions, variables, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDesign(ctx context.Context, id string) (domain.Design, error) {
	return scanDesign(r.DB.QueryRowContext(ctx, `SELECT `+designColumns+` FROM designs WHERE id=?`, id))
}

func (r Repo) GetDesignTx(ctx context.Context, tx *sql.Tx, id string) (domain.Design, error) {
	return scanDesign(tx.QueryRowContext(ctx, `SELECT `+designColumns+` FROM designs WHERE id=?`, id))
}

// UpdateDesignContentTx rewrites the editable body plus the edit counter and
// draft flag. System counters and status are not touched here.
func (r Repo) UpdateDesignContentTx(ctx context.Context, tx *sql.Tx, d domain.Design) error {
	tags, steps, materials, questions, variables, err := encodeContentJSON(d.Content)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE designs SET title=?, summary=?, discipline_tags=?, difficulty=?, expected_duration=?, hypothesis=?, steps=?, materials=?, research_questions=?, variables=?, version=?, has_draft_changes=?, updated_at=? WHERE id=?`,
		d.Title, nullable(d.Summary), tags, d.Difficulty, nullable(d.ExpectedDuration), nullable(d.Hypothesis),
		steps, materials, questions, variables, d.Version, boolInt(d.HasDraftChanges), d.UpdatedAt, d.ID)
	return err
}

// SetDesignPublishedTx flips the publish-side system fields in one statement.
func (r Repo) SetDesignPublishedTx(ctx context.Context, tx *sql.Tx, id string, status domain.DesignStatus, publishedVersion, version int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE designs SET status=?, published_version=?, version=?, has_draft_changes=0, updated_at=? WHERE id=?`,
		status, publishedVersion, version, updatedAt, id)
	return err
}

// MarkDraftChangesTx bumps the shared edit counter and raises the draft
// flag without touching the public body.
func (r Repo) MarkDraftChangesTx(ctx context.Context, tx *sql.Tx, id string, version int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE designs SET version=?, has_draft_changes=1, updated_at=? WHERE id=?`, version, updatedAt, id)
	return err
}

func (r Repo) SetDesignStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.DesignStatus, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE designs SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	return err
}

func (r Repo) SetReviewStateTx(ctx context.Context, tx *sql.Tx, id string, state domain.ReviewState) error {
	_, err := tx.ExecContext(ctx, `UPDATE designs SET review_status=? WHERE id=?`, state, id)
	return err
}

// Counter columns use native in-place increments so concurrent writers never
// lose updates.

func (r Repo) IncrementExecutionCountTx(ctx context.Context, tx *sql.Tx, id string, delta int) error {
	res, err := tx.ExecContext(ctx, `UPDATE designs SET execution_count=execution_count+? WHERE id=?`, delta, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IncrementReviewCountTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE designs SET review_count=review_count+1 WHERE id=?`, id)
	return err
}

func (r Repo) IncrementDerivedCountTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE designs SET derived_design_count=derived_design_count+1 WHERE id=?`, id)
	return err
}

func (r Repo) DeleteDesign(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM designs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type DesignFilters struct {
	Discipline      string
	Difficulty      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListPublicDesigns returns published and locked designs, newest first, with
// a composite created_at|id cursor.
func (r Repo) ListPublicDesigns(ctx context.Context, f DesignFilters) ([]domain.Design, error) {
	clauses := []string{"status != 'draft'"}
	var args []any
	if f.Difficulty != "" {
		clauses = append(clauses, "difficulty=?")
		args = append(args, f.Difficulty)
	}
	if f.Discipline != "" {
		// Tags are a small JSON array; match the quoted element.
		clauses = append(clauses, "discipline_tags LIKE ?")
		args = append(args, `%"`+f.Discipline+`"%`)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + designColumns + ` FROM designs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Design
	for rows.Next() {
		d, err := scanDesign(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- drafts ---

func scanDraft(row rowScanner) (domain.Draft, error) {
	var dr domain.Draft
	var tags, steps, materials, questions, variables string
	var summary, duration, hypothesis, changelog sql.NullString
	err := row.Scan(&dr.DesignID, &dr.Title, &summary, &tags, &dr.Difficulty, &duration, &hypothesis,
		&steps, &materials, &questions, &variables, &changelog, &dr.UpdatedAt)
	if err == sql.ErrNoRows {
		return dr, ErrNotFound
	}
	if err != nil {
		return dr, err
	}
	dr.Summary = summary.String
	dr.ExpectedDuration = duration.String
	dr.Hypothesis = hypothesis.String
	dr.PendingChangelog = changelog.String
	if err := decodeContentJSON(&dr.Content, tags, steps, materials, questions, variables); err != nil {
		return dr, err
	}
	return dr, nil
}

const draftColumns = `design_id,title,summary,discipline_tags,difficulty,expected_duration,hypothesis,steps,materials,research_questions,variables,pending_changelog,updated_at`

func (r Repo) GetDraft(ctx context.Context, designID string) (domain.Draft, error) {
	return scanDraft(r.DB.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM design_drafts WHERE design_id=?`, designID))
}

func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, designID string) (domain.Draft, error) {
	return scanDraft(tx.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM design_drafts WHERE design_id=?`, designID))
}

func (r Repo) UpsertDraftTx(ctx context.Context, tx *sql.Tx, dr domain.Draft) error {
	tags, steps, materials, questions, variables, err := encodeContentJSON(dr.Content)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO design_drafts(`+draftColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(design_id) DO UPDATE SET title=excluded.title, summary=excluded.summary, discipline_tags=excluded.discipline_tags,
difficulty=excluded.difficulty, expected_duration=excluded.expected_duration, hypothesis=excluded.hypothesis,
steps=excluded.steps, materials=excluded.materials, research_questions=excluded.research_questions,
variables=excluded.variables, pending_changelog=excluded.pending_changelog, updated_at=excluded.updated_at`,
		dr.DesignID, dr.Title, nullable(dr.Summary), tags, dr.Difficulty, nullable(dr.ExpectedDuration), nullable(dr.Hypothesis),
		steps, materials, questions, variables, nullable(dr.PendingChangelog), dr.UpdatedAt)
	return err
}

func (r Repo) DeleteDraftTx(ctx context.Context, tx *sql.Tx, designID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM design_drafts WHERE design_id=?`, designID)
	return err
}

// --- version snapshots ---

func (r Repo) InsertVersionTx(ctx context.Context, tx *sql.Tx, v domain.VersionSnapshot) error {
	data, err := json.Marshal(v.Data)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO design_versions(design_id,version_number,published_at,published_by,changelog,data_json) VALUES (?,?,?,?,?,?)`,
		v.DesignID, v.VersionNumber, v.PublishedAt, v.PublishedBy, nullable(v.Changelog), string(data))
	return err
}

func scanVersion(row rowScanner) (domain.VersionSnapshot, error) {
	var v domain.VersionSnapshot
	var changelog sql.NullString
	var data string
	err := row.Scan(&v.DesignID, &v.VersionNumber, &v.PublishedAt, &v.PublishedBy, &changelog, &data)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Changelog = changelog.String
	if err := json.Unmarshal([]byte(data), &v.Data); err != nil {
		return v, fmt.Errorf("decode snapshot: %w", err)
	}
	return v, nil
}

func (r Repo) GetVersion(ctx context.Context, designID string, number int) (domain.VersionSnapshot, error) {
	return scanVersion(r.DB.QueryRowContext(ctx,
		`SELECT design_id,version_number,published_at,published_by,changelog,data_json FROM design_versions WHERE design_id=? AND version_number=?`,
		designID, number))
}

func (r Repo) ListVersions(ctx context.Context, designID string) ([]domain.VersionSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT design_id,version_number,published_at,published_by,changelog,data_json FROM design_versions WHERE design_id=? ORDER BY version_number DESC`,
		designID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VersionSnapshot
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
