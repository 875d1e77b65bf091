package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadplan/timetable-api/internal/dto"
	"github.com/acadplan/timetable-api/internal/models"
	appErrors "github.com/acadplan/timetable-api/pkg/errors"
)

func newTimetableServiceFixture(tx txProvider) (*TimetableService, *headerRepoStub, *cellStoreStub) {
	headers := &headerRepoStub{versions: map[string]int{}}
	cells := &cellStoreStub{}
	svc := NewTimetableService(headers, cells, tx, nil, nil, nil, nil, TimetableServiceConfig{})
	return svc, headers, cells
}

func seedPtr(v int64) *int64 { return &v }

func standardRequest(seed int64) dto.GenerateTimetableRequest {
	return dto.GenerateTimetableRequest{
		Days:          5,
		PeriodsPerDay: 8,
		Seed:          seedPtr(seed),
		Classes: []dto.ClassRequest{
			{
				Name: "10A",
				Subjects: []dto.SubjectRowRequest{
					{Name: "Math", Kind: "Theory", WeeklyPeriods: 4, SessionLength: 1},
					{Name: "Physics Lab", Kind: "Lab/Project", WeeklyPeriods: 3, LongSession: true, SessionLength: 3},
				},
			},
		},
	}
}

func occupiedCount(grid dto.TimetableGridView) int {
	total := 0
	for _, row := range grid.Rows {
		for _, cell := range row {
			if cell.Subject != "" {
				total++
			}
		}
	}
	return total
}

func TestTimetableServiceGenerateSuccess(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	resp, err := svc.Generate(context.Background(), standardRequest(42))
	require.NoError(t, err)
	require.Len(t, resp.Classes, 1)

	class := resp.Classes[0]
	assert.True(t, class.Diagnostics.OK)
	assert.NotEmpty(t, resp.ProposalID)
	assert.Equal(t, int64(42), resp.Seed)
	assert.Equal(t, 5, class.Grid.Days)
	assert.Len(t, class.Grid.PeriodLabels, 8)
	assert.Equal(t, 7, occupiedCount(class.Grid), "4 Math singles plus one 3-period lab block")
}

func TestTimetableServiceGenerateDeterministic(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	first, err := svc.Generate(context.Background(), standardRequest(7))
	require.NoError(t, err)
	second, err := svc.Generate(context.Background(), standardRequest(7))
	require.NoError(t, err)

	assert.Equal(t, first.Classes[0].Grid.Rows, second.Classes[0].Grid.Rows)
}

func TestTimetableServiceGenerateCapacityExceeded(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	resp, err := svc.Generate(context.Background(), dto.GenerateTimetableRequest{
		Days:          2,
		PeriodsPerDay: 2,
		Seed:          seedPtr(1),
		Classes: []dto.ClassRequest{
			{Name: "10A", Subjects: []dto.SubjectRowRequest{
				{Name: "Math", WeeklyPeriods: 10, SessionLength: 1},
			}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrCapacityExceeded.Code, appErrors.FromError(err).Code)

	require.NotNil(t, resp)
	require.Len(t, resp.Classes, 1)
	diag := resp.Classes[0].Diagnostics
	assert.False(t, diag.OK)
	assert.Equal(t, "CAPACITY_EXCEEDED", diag.Reason)
	assert.Equal(t, 1, diag.Attempts, "capacity failures do not retry")
	assert.Empty(t, resp.ProposalID, "failed runs never become proposals")
}

func TestTimetableServiceGenerateDefaultSubjects(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	resp, err := svc.Generate(context.Background(), dto.GenerateTimetableRequest{
		Seed:    seedPtr(3),
		Classes: []dto.ClassRequest{{Name: "10A"}},
	})
	require.NoError(t, err)

	subjects := map[string]bool{}
	for _, row := range resp.Classes[0].Grid.Rows {
		for _, cell := range row {
			if cell.Subject != "" {
				subjects[cell.Subject] = true
			}
		}
	}
	assert.True(t, subjects["Math"])
	assert.True(t, subjects["Physics Lab"])
}

func TestTimetableServiceGenerateZeroPeriodRow(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	// Placeholder rows with no weekly demand come straight from blank table
	// cells; they must not reject the request.
	resp, err := svc.Generate(context.Background(), dto.GenerateTimetableRequest{
		Days:          5,
		PeriodsPerDay: 7,
		Seed:          seedPtr(11),
		Classes: []dto.ClassRequest{
			{Name: "10A", Subjects: []dto.SubjectRowRequest{
				{Name: "Math", Kind: "Theory", WeeklyPeriods: 4, SessionLength: 1},
				{Name: "Elective TBD", WeeklyPeriods: 0},
			}},
		},
	})
	require.NoError(t, err)

	class := resp.Classes[0]
	assert.True(t, class.Diagnostics.OK)
	assert.Equal(t, 4, occupiedCount(class.Grid), "zero-period rows occupy nothing")
}

func TestTimetableServiceGenerateRejectsOutOfRangeRows(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	req := standardRequest(1)
	req.Classes[0].Subjects[0].WeeklyPeriods = 31
	_, err := svc.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	req = standardRequest(1)
	req.Classes[0].Subjects[1].SessionLength = 7
	_, err = svc.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestTimetableServiceGenerateDuplicateClassNames(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	req := standardRequest(1)
	req.Classes = append(req.Classes, req.Classes[0])
	_, err := svc.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestTimetableServiceSaveDraft(t *testing.T) {
	tx, mock := newServiceTxMock(t)
	svc, headers, cells := newTimetableServiceFixture(tx)

	resp, err := svc.Generate(context.Background(), standardRequest(42))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()

	saved, err := svc.Save(context.Background(), dto.SaveTimetableRequest{ProposalID: resp.ProposalID})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "10A", saved[0].ClassName)
	assert.Equal(t, 1, saved[0].Version)
	assert.Equal(t, string(models.TimetableStatusDraft), saved[0].Status)
	assert.Len(t, headers.created, 1)
	assert.Len(t, cells.upserted, 7)
	assert.NoError(t, mock.ExpectationsWereMet())

	// Proposal is consumed by a successful save.
	_, err = svc.Save(context.Background(), dto.SaveTimetableRequest{ProposalID: resp.ProposalID})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestTimetableServiceSavePublish(t *testing.T) {
	tx, mock := newServiceTxMock(t)
	svc, headers, _ := newTimetableServiceFixture(tx)

	resp, err := svc.Generate(context.Background(), standardRequest(42))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()

	saved, err := svc.Save(context.Background(), dto.SaveTimetableRequest{ProposalID: resp.ProposalID, Publish: true})
	require.NoError(t, err)
	assert.Equal(t, string(models.TimetableStatusPublished), saved[0].Status)
	assert.Equal(t, models.TimetableStatusPublished, headers.created[0].Status)
}

func TestTimetableServiceSaveCarriesRequestMeta(t *testing.T) {
	tx, mock := newServiceTxMock(t)
	svc, headers, _ := newTimetableServiceFixture(tx)

	req := standardRequest(42)
	req.Meta = map[string]any{"term": "2026-odd", "algorithm": "custom"}
	resp, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()

	_, err = svc.Save(context.Background(), dto.SaveTimetableRequest{ProposalID: resp.ProposalID})
	require.NoError(t, err)
	require.Len(t, headers.created, 1)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(headers.created[0].Meta, &meta))
	assert.Equal(t, "2026-odd", meta["term"])
	assert.Equal(t, "greedy_v1", meta["algorithm"], "generation facts win over caller keys")
}

func TestTimetableServiceSaveUnknownProposal(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	_, err := svc.Save(context.Background(), dto.SaveTimetableRequest{ProposalID: "missing"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestTimetableServiceGetRebuildsGrid(t *testing.T) {
	svc, headers, cells := newTimetableServiceFixture(noopTxProvider{})

	headers.stored = &models.Timetable{
		ID:            "tt-1",
		ClassName:     "10A",
		Version:       2,
		Status:        models.TimetableStatusDraft,
		Days:          5,
		PeriodsPerDay: 8,
		Meta:          types.JSONText(`{"startTime":"08:00","periodMinutes":45}`),
	}
	cells.listed = []models.TimetableCell{
		{DayIndex: 0, PeriodIndex: 0, Subject: "Math"},
		{DayIndex: 1, PeriodIndex: 2, Subject: "Physics Lab", LongSession: true},
	}

	detail, err := svc.Get(context.Background(), "tt-1")
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Version)
	assert.Equal(t, "Math", detail.Grid.Rows[0][0].Subject)
	assert.Equal(t, "Physics Lab (Long Session)", detail.Grid.Rows[1][2].Label)
	assert.Equal(t, "08:00–08:45", detail.Grid.PeriodLabels[0])
}

func TestTimetableServiceCacheHitMissRecorded(t *testing.T) {
	headers := &headerRepoStub{versions: map[string]int{}}
	headers.stored = &models.Timetable{
		ID:            "tt-1",
		ClassName:     "10A",
		Version:       1,
		Status:        models.TimetableStatusDraft,
		Days:          5,
		PeriodsPerDay: 8,
		Meta:          types.JSONText(`{}`),
	}
	cache := &cacheStub{data: map[string][]byte{}}
	metrics := &metricsRecorderStub{}
	svc := NewTimetableService(headers, &cellStoreStub{}, noopTxProvider{}, cache, metrics, nil, nil, TimetableServiceConfig{CacheEnabled: true})

	_, err := svc.Get(context.Background(), "tt-1")
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.cacheHits)
	assert.Equal(t, 1, metrics.cacheMisses, "cold read is a miss")

	_, err = svc.Get(context.Background(), "tt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.cacheHits, "warm read is a hit")

	_, _, err = svc.List(context.Background(), dto.TimetableQuery{})
	require.NoError(t, err)
	_, _, err = svc.List(context.Background(), dto.TimetableQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.cacheHits)
	assert.Equal(t, 2, metrics.cacheMisses)
}

func TestTimetableServiceGetNotFound(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestTimetableServiceDeletePublished(t *testing.T) {
	svc, headers, _ := newTimetableServiceFixture(noopTxProvider{})
	headers.stored = &models.Timetable{ID: "tt-1", Status: models.TimetableStatusPublished}

	err := svc.Delete(context.Background(), "tt-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestTimetableServiceDefaultSubjects(t *testing.T) {
	svc, _, _ := newTimetableServiceFixture(noopTxProvider{})

	resp := svc.DefaultSubjects()
	require.Len(t, resp.Subjects, 2)
	assert.Equal(t, "Math", resp.Subjects[0].Name)
	assert.True(t, resp.Subjects[1].LongSession)
}

// --- stubs ---

type headerRepoStub struct {
	versions map[string]int
	created  []*models.Timetable
	stored   *models.Timetable
}

func (s *headerRepoStub) CreateVersioned(ctx context.Context, exec sqlx.ExtContext, timetable *models.Timetable) error {
	s.versions[timetable.ClassName]++
	timetable.ID = fmt.Sprintf("tt-%d", len(s.created)+1)
	timetable.Version = s.versions[timetable.ClassName]
	s.created = append(s.created, timetable)
	return nil
}

func (s *headerRepoStub) List(ctx context.Context, className, status string, page, pageSize int) ([]models.Timetable, int, error) {
	if s.stored == nil {
		return nil, 0, nil
	}
	return []models.Timetable{*s.stored}, 1, nil
}

func (s *headerRepoStub) FindByID(ctx context.Context, id string) (*models.Timetable, error) {
	if s.stored == nil || s.stored.ID != id {
		return nil, sql.ErrNoRows
	}
	return s.stored, nil
}

func (s *headerRepoStub) Delete(ctx context.Context, id string) error {
	if s.stored == nil || s.stored.ID != id {
		return sql.ErrNoRows
	}
	s.stored = nil
	return nil
}

func (s *headerRepoStub) UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.TimetableStatus) error {
	if s.stored == nil || s.stored.ID != id {
		return sql.ErrNoRows
	}
	s.stored.Status = status
	return nil
}

type cellStoreStub struct {
	upserted []models.TimetableCell
	listed   []models.TimetableCell
}

func (s *cellStoreStub) UpsertBatch(ctx context.Context, exec sqlx.ExtContext, cells []models.TimetableCell) error {
	s.upserted = append(s.upserted, cells...)
	return nil
}

func (s *cellStoreStub) ListByTimetable(ctx context.Context, timetableID string) ([]models.TimetableCell, error) {
	return s.listed, nil
}

type cacheStub struct {
	data map[string][]byte
}

func (c *cacheStub) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := c.data[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *cacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = raw
	return nil
}

func (c *cacheStub) DeleteByPattern(ctx context.Context, pattern string) error {
	c.data = map[string][]byte{}
	return nil
}

type metricsRecorderStub struct {
	generations int
	failures    int
	cacheHits   int
	cacheMisses int
}

func (m *metricsRecorderStub) ObserveGeneration(outcome string, attempts int) { m.generations++ }

func (m *metricsRecorderStub) ObserveFailure(reason string) { m.failures++ }

func (m *metricsRecorderStub) RecordCacheOperation(hit bool) {
	if hit {
		m.cacheHits++
		return
	}
	m.cacheMisses++
}

type noopTxProvider struct{}

func (noopTxProvider) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return nil, appErrors.Clone(appErrors.ErrInternal, "transaction provider unavailable")
}

type serviceTxMock struct {
	db *sqlx.DB
}

func (t *serviceTxMock) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return t.db.BeginTxx(ctx, opts)
}

func newServiceTxMock(t *testing.T) (txProvider, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return &serviceTxMock{db: sqlxdb}, mock
}
