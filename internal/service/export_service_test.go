package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadplan/timetable-api/internal/dto"
	appErrors "github.com/acadplan/timetable-api/pkg/errors"
	"github.com/acadplan/timetable-api/pkg/jobs"
	"github.com/acadplan/timetable-api/pkg/storage"
)

type detailReaderStub struct {
	detail *dto.TimetableDetailResponse
}

func (s detailReaderStub) Get(ctx context.Context, id string) (*dto.TimetableDetailResponse, error) {
	if s.detail == nil || s.detail.ID != id {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable not found")
	}
	return s.detail, nil
}

type exportQueueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *exportQueueStub) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func sampleDetail() *dto.TimetableDetailResponse {
	return &dto.TimetableDetailResponse{
		ID:        "tt-1",
		ClassName: "10A",
		Version:   1,
		Status:    "DRAFT",
		Grid: dto.TimetableGridView{
			Days:         2,
			DayNames:     []string{"Day 1", "Day 2"},
			PeriodLabels: []string{"09:00–09:50", "09:50–10:40"},
			Rows: [][]dto.TimetableCellView{
				{
					{Subject: "Math", Label: "Math"},
					{Subject: "Physics Lab", LongSession: true, Label: "Physics Lab (Long Session)"},
				},
				{
					{Subject: "Math", Label: "Math"},
					{},
				},
			},
		},
	}
}

func newExportServiceFixture(t *testing.T) (*ExportService, *exportQueueStub) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	queue := &exportQueueStub{}

	svc := NewExportService(detailReaderStub{detail: sampleDetail()}, store, signer, nil, ExportServiceConfig{})
	svc.AttachQueue(queue)
	return svc, queue
}

func TestExportServiceCSVLifecycle(t *testing.T) {
	svc, queue := newExportServiceFixture(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tt-1", dto.ExportTimetableRequest{Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, string(ExportStatusPending), created.Status)
	require.Len(t, queue.jobs, 1)

	require.NoError(t, svc.HandleJob(ctx, queue.jobs[0]))

	status, err := svc.Status(ctx, created.ExportID)
	require.NoError(t, err)
	assert.Equal(t, string(ExportStatusCompleted), status.Status)
	require.NotEmpty(t, status.DownloadURL)

	token := status.DownloadURL[strings.LastIndex(status.DownloadURL, "/")+1:]
	download, err := svc.ResolveDownload(ctx, token)
	require.NoError(t, err)
	defer download.File.Close()

	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	content := string(body)
	assert.Contains(t, content, "Math")
	assert.Contains(t, content, "Physics Lab (Long Session)")
	assert.Contains(t, content, "Summary")
	assert.True(t, strings.HasSuffix(download.Filename, ".csv"))
}

func TestExportServicePDFRender(t *testing.T) {
	svc, queue := newExportServiceFixture(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tt-1", dto.ExportTimetableRequest{Format: "pdf"})
	require.NoError(t, err)
	require.NoError(t, svc.HandleJob(ctx, queue.jobs[0]))

	status, err := svc.Status(ctx, created.ExportID)
	require.NoError(t, err)
	assert.Equal(t, string(ExportStatusCompleted), status.Status)

	token := status.DownloadURL[strings.LastIndex(status.DownloadURL, "/")+1:]
	download, err := svc.ResolveDownload(ctx, token)
	require.NoError(t, err)
	defer download.File.Close()

	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "%PDF"), "pdf magic header expected")
}

func TestExportServiceInlineRender(t *testing.T) {
	svc, _ := newExportServiceFixture(t)

	data, filename, err := svc.Render(context.Background(), "tt-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "timetable_10A_v1.csv", filename)
	assert.Contains(t, string(data), "Physics Lab (Long Session)")

	_, _, err = svc.Render(context.Background(), "tt-1", "xlsx")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportServiceUnsupportedFormat(t *testing.T) {
	svc, _ := newExportServiceFixture(t)

	_, err := svc.Create(context.Background(), "tt-1", dto.ExportTimetableRequest{Format: "xlsx"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportServiceUnknownTimetable(t *testing.T) {
	svc, _ := newExportServiceFixture(t)

	_, err := svc.Create(context.Background(), "missing", dto.ExportTimetableRequest{Format: "csv"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestExportServiceStatusUnknown(t *testing.T) {
	svc, _ := newExportServiceFixture(t)

	_, err := svc.Status(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestExportServiceResolveDownloadBadToken(t *testing.T) {
	svc, _ := newExportServiceFixture(t)

	_, err := svc.ResolveDownload(context.Background(), "not.a.valid.token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestExportServiceFailedJobReportsError(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	queue := &exportQueueStub{}

	// Reader that knows no timetables: the render job will fail to load.
	svc := NewExportService(detailReaderStub{}, store, signer, nil, ExportServiceConfig{})
	svc.AttachQueue(queue)

	// Bypass Create's existence check by enqueuing directly.
	svc.put(exportJob{ID: "exp-1", TimetableID: "tt-gone", Format: "csv", Status: ExportStatusPending})
	err = svc.HandleJob(context.Background(), jobs.Job{ID: "exp-1", Type: "csv"})
	require.Error(t, err)

	status, err := svc.Status(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, string(ExportStatusFailed), status.Status)
	assert.NotEmpty(t, status.Error)
}
