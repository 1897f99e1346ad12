package repo

import (
	"context"
	"database/sql"

	"protolab/internal/domain"
)

const executionColumns = `id,design_id,design_version,design_title,experimenter_uid,co_experimenter_uids,status,start_date,deviation_notes,started_at,updated_at`

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var coUIDs string
	var startDate, notes sql.NullString
	err := row.Scan(&e.ID, &e.DesignID, &e.DesignVersion, &e.DesignTitle, &e.ExperimenterUID,
		&coUIDs, &e.Status, &startDate, &notes, &e.StartedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.StartDate = startDate.String
	e.DeviationNotes = notes.String
	if err := decodeStrings(coUIDs, &e.CoExperimenterUIDs); err != nil {
		return e, err
	}
	return e, nil
}

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	coUIDs, err := encodeStrings(e.CoExperimenterUIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.DesignID, e.DesignVersion, e.DesignTitle, e.ExperimenterUID, coUIDs,
		e.Status, nullable(e.StartDate), nullable(e.DeviationNotes), e.StartedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	return scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
}

func (r Repo) UpdateExecution(ctx context.Context, e domain.Execution) error {
	coUIDs, err := encodeStrings(e.CoExperimenterUIDs)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE executions SET co_experimenter_uids=?, status=?, start_date=?, deviation_notes=?, updated_at=? WHERE id=?`,
		coUIDs, e.Status, nullable(e.StartDate), nullable(e.DeviationNotes), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExecutionTx removes the record entirely; cancelled executions are not
// archived.
func (r Repo) DeleteExecutionTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListExecutionsByDesign(ctx context.Context, designID string) ([]domain.Execution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE design_id=? ORDER BY started_at DESC, id DESC`, designID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
