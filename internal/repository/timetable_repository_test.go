package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadplan/timetable-api/internal/models"
)

func newTimetableRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestTimetableRepositoryCreateVersioned(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version), 0) + 1 FROM timetables WHERE class_name = $1")).
		WithArgs("10A").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(3))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetables")).
		WithArgs(sqlmock.AnyArg(), "10A", 3, string(models.TimetableStatusDraft), 5, 8, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	payload := &models.Timetable{
		ClassName:     "10A",
		Days:          5,
		PeriodsPerDay: 8,
		Meta:          types.JSONText(`{"seed":42}`),
	}
	err := repo.CreateVersioned(context.Background(), nil, payload)
	require.NoError(t, err)
	assert.Equal(t, 3, payload.Version)
	assert.NotEmpty(t, payload.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableRepositoryCreateVersionedRequiresClass(t *testing.T) {
	db, _, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableRepository(db)

	err := repo.CreateVersioned(context.Background(), nil, &models.Timetable{})
	assert.Error(t, err)
}

func TestTimetableRepositoryList(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM timetables WHERE 1=1 AND class_name = $1")).
		WithArgs("10A").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rows := sqlmock.NewRows([]string{"id", "class_name", "version", "status", "days", "periods_per_day", "meta", "created_at", "updated_at"}).
		AddRow("tt-1", "10A", 2, string(models.TimetableStatusDraft), 5, 8, types.JSONText(`{}`), time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY class_name ASC, version DESC LIMIT $2 OFFSET $3")).
		WithArgs("10A", 20, 0).
		WillReturnRows(rows)

	list, total, err := repo.List(context.Background(), "10A", "", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
	assert.Equal(t, "10A", list[0].ClassName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableRepositoryDeleteNotFound(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM timetables WHERE id = $1")).
		WithArgs("tt-1").
		WillReturnResult(sqlmock.NewResult(1, 0))

	err := repo.Delete(context.Background(), "tt-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableRepositoryUpdateStatus(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE timetables SET status = $1, updated_at = $2 WHERE id = $3")).
		WithArgs(string(models.TimetableStatusPublished), sqlmock.AnyArg(), "tt-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.UpdateStatus(context.Background(), nil, "tt-1", models.TimetableStatusPublished)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableCellRepositoryUpsertBatch(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableCellRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_cells")).
		WithArgs(sqlmock.AnyArg(), "tt-1", 0, 0, "Math", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_cells")).
		WithArgs(sqlmock.AnyArg(), "tt-1", 1, 2, "Physics Lab", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	cells := []models.TimetableCell{
		{TimetableID: "tt-1", DayIndex: 0, PeriodIndex: 0, Subject: "Math"},
		{TimetableID: "tt-1", DayIndex: 1, PeriodIndex: 2, Subject: "Physics Lab", LongSession: true},
	}
	err := repo.UpsertBatch(context.Background(), nil, cells)
	require.NoError(t, err)
	assert.NotEmpty(t, cells[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableCellRepositoryListByTimetable(t *testing.T) {
	db, mock, cleanup := newTimetableRepoMock(t)
	defer cleanup()
	repo := NewTimetableCellRepository(db)

	rows := sqlmock.NewRows([]string{"id", "timetable_id", "day_index", "period_index", "subject", "long_session", "created_at"}).
		AddRow("c-1", "tt-1", 0, 0, "Math", false, time.Now()).
		AddRow("c-2", "tt-1", 0, 1, "English", false, time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM timetable_cells WHERE timetable_id = $1 ORDER BY day_index ASC, period_index ASC")).
		WithArgs("tt-1").
		WillReturnRows(rows)

	cells, err := repo.ListByTimetable(context.Background(), "tt-1")
	require.NoError(t, err)
	assert.Len(t, cells, 2)
	assert.Equal(t, "English", cells[1].Subject)
	assert.NoError(t, mock.ExpectationsWereMet())
}
