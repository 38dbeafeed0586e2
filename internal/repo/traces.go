package repo

import (
	"context"

	"coordline/internal/domain"
)

func (r Repo) InsertTrace(ctx context.Context, t domain.Trace) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO traces(id,context_id,execution_id,stage,detail,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.ContextID, nullable(t.ExecutionID), t.Stage, nullable(t.Detail), t.CreatedAt)
	return err
}

func (r Repo) ListTraces(ctx context.Context, contextID string) ([]domain.Trace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,context_id,COALESCE(execution_id,''),stage,COALESCE(detail,''),created_at FROM traces WHERE context_id=? ORDER BY rowid`, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trace
	for rows.Next() {
		var t domain.Trace
		if err := rows.Scan(&t.ID, &t.ContextID, &t.ExecutionID, &t.Stage, &t.Detail, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
