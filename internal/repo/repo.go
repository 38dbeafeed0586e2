package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"coordline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Ping verifies the store is reachable.
func (r Repo) Ping(ctx context.Context) error {
	if r.DB == nil {
		return errors.New("repo: database not configured")
	}
	return r.DB.PingContext(ctx)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

type EventFilters struct {
	Type      string
	ContextID string
	Stage     string
}

func (f EventFilters) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ContextID != "" {
		clauses = append(clauses, "context_id=?")
		args = append(args, f.ContextID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := f.where()
	query := fmt.Sprintf(`SELECT id,seq,ts,type,COALESCE(context_id,''),COALESCE(stage,''),COALESCE(execution_id,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := f.where()
	if cursor > 0 {
		where += " AND id>?"
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,seq,ts,type,COALESCE(context_id,''),COALESCE(stage,''),COALESCE(execution_id,''),payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.StoredEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StoredEvent
	for rows.Next() {
		var e domain.StoredEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Seq, &e.TS, &e.Type, &e.ContextID, &e.Stage, &e.ExecutionID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEventsByType summarizes the event log.
func (r Repo) CountEventsByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		res[typ] = n
	}
	return res, rows.Err()
}
