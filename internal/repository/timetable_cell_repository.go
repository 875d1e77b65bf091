package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acadplan/timetable-api/internal/models"
)

// TimetableCellRepository manages occupied cells of stored timetables.
type TimetableCellRepository struct {
	db *sqlx.DB
}

// NewTimetableCellRepository builds repository.
func NewTimetableCellRepository(db *sqlx.DB) *TimetableCellRepository {
	return &TimetableCellRepository{db: db}
}

func (r *TimetableCellRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// UpsertBatch inserts or updates cells for a timetable.
func (r *TimetableCellRepository) UpsertBatch(ctx context.Context, exec sqlx.ExtContext, cells []models.TimetableCell) error {
	if len(cells) == 0 {
		return nil
	}
	target := r.exec(exec)
	now := time.Now().UTC()

	const query = `
INSERT INTO timetable_cells (id, timetable_id, day_index, period_index, subject, long_session, created_at)
VALUES (:id, :timetable_id, :day_index, :period_index, :subject, :long_session, :created_at)
ON CONFLICT (timetable_id, day_index, period_index) DO UPDATE
SET subject = EXCLUDED.subject,
    long_session = EXCLUDED.long_session`

	for i := range cells {
		cell := &cells[i]
		if cell.ID == "" {
			cell.ID = uuid.NewString()
		}
		if cell.CreatedAt.IsZero() {
			cell.CreatedAt = now
		}
		if _, err := sqlx.NamedExecContext(ctx, target, query, cell); err != nil {
			return fmt.Errorf("upsert timetable cell: %w", err)
		}
	}
	return nil
}

// ListByTimetable returns cells ordered by day/period for a timetable.
func (r *TimetableCellRepository) ListByTimetable(ctx context.Context, timetableID string) ([]models.TimetableCell, error) {
	const query = `SELECT id, timetable_id, day_index, period_index, subject, long_session, created_at
FROM timetable_cells WHERE timetable_id = $1 ORDER BY day_index ASC, period_index ASC`
	var cells []models.TimetableCell
	if err := r.db.SelectContext(ctx, &cells, query, timetableID); err != nil {
		return nil, fmt.Errorf("list timetable cells: %w", err)
	}
	return cells, nil
}
