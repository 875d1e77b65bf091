package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadplan/timetable-api/internal/dto"
	internalmiddleware "github.com/acadplan/timetable-api/internal/middleware"
	"github.com/acadplan/timetable-api/internal/models"
	appErrors "github.com/acadplan/timetable-api/pkg/errors"
)

type timetableGeneratorMock struct {
	captured    dto.GenerateTimetableRequest
	generateErr error
	generated   *dto.GenerateTimetableResponse
	saved       []dto.SavedTimetableResponse
	saveErr     error
	deleteErr   error
}

func (m *timetableGeneratorMock) Generate(ctx context.Context, req dto.GenerateTimetableRequest) (*dto.GenerateTimetableResponse, error) {
	m.captured = req
	if m.generated == nil {
		m.generated = &dto.GenerateTimetableResponse{ProposalID: "proposal-1"}
	}
	return m.generated, m.generateErr
}

func (m *timetableGeneratorMock) Save(ctx context.Context, req dto.SaveTimetableRequest) ([]dto.SavedTimetableResponse, error) {
	return m.saved, m.saveErr
}

func (m *timetableGeneratorMock) List(ctx context.Context, query dto.TimetableQuery) ([]models.Timetable, int, error) {
	return []models.Timetable{{ID: "tt-1", ClassName: "10A", Version: 1}}, 1, nil
}

func (m *timetableGeneratorMock) Get(ctx context.Context, id string) (*dto.TimetableDetailResponse, error) {
	if id != "tt-1" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable not found")
	}
	return &dto.TimetableDetailResponse{ID: id, ClassName: "10A"}, nil
}

func (m *timetableGeneratorMock) Delete(ctx context.Context, id string) error {
	return m.deleteErr
}

func (m *timetableGeneratorMock) Publish(ctx context.Context, id string) error {
	return nil
}

func (m *timetableGeneratorMock) DefaultSubjects() dto.DefaultSubjectsResponse {
	return dto.DefaultSubjectsResponse{Subjects: []dto.SubjectRowRequest{{Name: "Math"}}}
}

func validGeneratePayload() []byte {
	payload, _ := json.Marshal(dto.GenerateTimetableRequest{
		Days:          5,
		PeriodsPerDay: 8,
		Classes: []dto.ClassRequest{
			{Name: "10A", Subjects: []dto.SubjectRowRequest{
				{Name: "Math", Kind: "Theory", WeeklyPeriods: 4},
			}},
		},
	})
	return payload
}

func postContext(t *testing.T, target string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestTimetableHandlerGenerateSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &timetableGeneratorMock{}
	handler := &TimetableHandler{service: mockSvc}

	c, w := postContext(t, "/timetables/generate", validGeneratePayload())
	handler.Generate(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, mockSvc.captured.Classes, 1)
	assert.Equal(t, "10A", mockSvc.captured.Classes[0].Name)
	assert.Contains(t, w.Body.String(), "proposal-1")
}

func TestTimetableHandlerGenerateMalformedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &TimetableHandler{service: &timetableGeneratorMock{}}

	c, w := postContext(t, "/timetables/generate", []byte(`{"classes":`))
	handler.Generate(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTimetableHandlerGeneratePartialFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &timetableGeneratorMock{
		generated: &dto.GenerateTimetableResponse{
			Classes: []dto.ClassTimetableView{{
				ClassName:   "10A",
				Diagnostics: dto.ClassDiagnostics{ClassName: "10A", Reason: "QUOTA_UNMET"},
			}},
		},
		generateErr: appErrors.ErrQuotaUnmet,
	}
	handler := &TimetableHandler{service: mockSvc}

	c, w := postContext(t, "/timetables/generate", validGeneratePayload())
	handler.Generate(c)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	// Failure responses still carry the partial grid payload.
	assert.Contains(t, w.Body.String(), "QUOTA_UNMET")
	assert.Contains(t, w.Body.String(), `"data"`)
}

func TestTimetableHandlerSave(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &timetableGeneratorMock{
		saved: []dto.SavedTimetableResponse{{ID: "tt-1", ClassName: "10A", Version: 1, Status: "DRAFT"}},
	}
	handler := &TimetableHandler{service: mockSvc}

	body, _ := json.Marshal(dto.SaveTimetableRequest{ProposalID: "proposal-1"})
	c, w := postContext(t, "/timetables/save", body)
	handler.Save(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "tt-1")
}

func TestTimetableHandlerGetNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &TimetableHandler{service: &timetableGeneratorMock{}}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/timetables/missing", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	handler.Get(c)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTimetableHandlerListPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &TimetableHandler{service: &timetableGeneratorMock{}}
	router := gin.New()
	router.GET("/timetables", handler.List)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/timetables?className=10A&page=1&pageSize=10", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_count":1`)
}

func TestTimetableHandlerGenerateRequiresRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &TimetableHandler{service: &timetableGeneratorMock{}}
	router := gin.New()
	router.POST("/timetables/generate", internalmiddleware.RBAC(string(models.RoleAdmin)), handler.Generate)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/timetables/generate", bytes.NewReader(validGeneratePayload()))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTimetableHandlerDefaultSubjects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &TimetableHandler{service: &timetableGeneratorMock{}}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/subjects/defaults", nil)
	handler.DefaultSubjects(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Math")
}
