package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acadplan/timetable-api/internal/dto"
	appErrors "github.com/acadplan/timetable-api/pkg/errors"
	"github.com/acadplan/timetable-api/pkg/export"
	"github.com/acadplan/timetable-api/pkg/jobs"
)

type timetableDetailReader interface {
	Get(ctx context.Context, id string) (*dto.TimetableDetailResponse, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type artifactStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type downloadSigner interface {
	Generate(exportID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (exportID, relPath string, expiresAt time.Time, err error)
}

type workbookRenderer interface {
	Render(wb export.Workbook) ([]byte, error)
}

// ExportStatus tracks the lifecycle of a queued export.
type ExportStatus string

const (
	ExportStatusPending    ExportStatus = "PENDING"
	ExportStatusProcessing ExportStatus = "PROCESSING"
	ExportStatusCompleted  ExportStatus = "COMPLETED"
	ExportStatusFailed     ExportStatus = "FAILED"
)

const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

type exportJob struct {
	ID          string
	TimetableID string
	Format      string
	Status      ExportStatus
	RelPath     string
	Error       string
	CreatedAt   time.Time
	FinishedAt  time.Time
}

// ExportDownload aggregates resolved download data.
type ExportDownload struct {
	File      *os.File
	Filename  string
	Format    string
	ExpiresAt time.Time
}

// ExportService renders stored timetables to downloadable CSV and PDF
// artifacts through a background worker queue.
type ExportService struct {
	timetables timetableDetailReader
	storage    artifactStorage
	signer     downloadSigner
	queue      jobDispatcher
	renderers  map[string]workbookRenderer
	logger     *zap.Logger
	cfg        ExportServiceConfig

	mu   sync.RWMutex
	jobs map[string]exportJob
}

// ExportServiceConfig governs artifact retention and download links.
type ExportServiceConfig struct {
	DownloadBasePath string
	ResultTTL        time.Duration
	CleanupInterval  time.Duration
}

// NewExportService constructs the export service. Attach the worker queue
// with AttachQueue once it has been built around HandleJob.
func NewExportService(
	timetables timetableDetailReader,
	storage artifactStorage,
	signer downloadSigner,
	logger *zap.Logger,
	cfg ExportServiceConfig,
) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DownloadBasePath == "" {
		cfg.DownloadBasePath = "/api/v1/exports/download"
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &ExportService{
		timetables: timetables,
		storage:    storage,
		signer:     signer,
		renderers: map[string]workbookRenderer{
			ExportFormatCSV: export.NewCSVExporter(),
			ExportFormatPDF: export.NewPDFExporter(),
		},
		logger: logger,
		cfg:    cfg,
		jobs:   make(map[string]exportJob),
	}
}

// AttachQueue injects the dispatcher once the queue wrapping HandleJob exists.
func (s *ExportService) AttachQueue(queue jobDispatcher) {
	s.queue = queue
}

// Create validates the target timetable and enqueues a render job.
func (s *ExportService) Create(ctx context.Context, timetableID string, req dto.ExportTimetableRequest) (*dto.ExportTimetableResponse, error) {
	format := strings.ToLower(req.Format)
	if _, ok := s.renderers[format]; !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", req.Format))
	}
	if s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "export queue unavailable")
	}
	if _, err := s.timetables.Get(ctx, timetableID); err != nil {
		return nil, err
	}

	record := exportJob{
		ID:          uuid.NewString(),
		TimetableID: timetableID,
		Format:      format,
		Status:      ExportStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	s.put(record)

	if err := s.queue.Enqueue(jobs.Job{ID: record.ID, Type: format, Payload: timetableID}); err != nil {
		record.Status = ExportStatusFailed
		record.Error = "failed to enqueue export"
		record.FinishedAt = time.Now().UTC()
		s.put(record)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}

	return &dto.ExportTimetableResponse{ExportID: record.ID, Status: string(record.Status)}, nil
}

// Render produces an export inline, bypassing the queue. Suits small
// downloads where the caller waits for the bytes.
func (s *ExportService) Render(ctx context.Context, timetableID, format string) ([]byte, string, error) {
	format = strings.ToLower(format)
	renderer, ok := s.renderers[format]
	if !ok {
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	detail, err := s.timetables.Get(ctx, timetableID)
	if err != nil {
		return nil, "", err
	}
	data, err := renderer.Render(buildWorkbook(detail))
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	filename := fmt.Sprintf("timetable_%s_v%d.%s", sanitizeFileToken(detail.ClassName), detail.Version, format)
	return data, filename, nil
}

// Status reports job progress and, once completed, a signed download URL.
func (s *ExportService) Status(ctx context.Context, exportID string) (*dto.ExportStatusResponse, error) {
	record, ok := s.get(exportID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export not found")
	}
	resp := &dto.ExportStatusResponse{
		ExportID: record.ID,
		Status:   string(record.Status),
		Format:   record.Format,
	}
	if record.Error != "" {
		resp.Error = record.Error
	}
	if record.Status == ExportStatusCompleted {
		token, _, err := s.signer.Generate(record.ID, record.RelPath)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
		}
		resp.DownloadURL = s.cfg.DownloadBasePath + "/" + token
	}
	return resp, nil
}

// HandleJob renders one queued export. Wire it as the queue handler.
func (s *ExportService) HandleJob(ctx context.Context, job jobs.Job) error {
	record, ok := s.get(job.ID)
	if !ok {
		return fmt.Errorf("export job %s unknown", job.ID)
	}
	record.Status = ExportStatusProcessing
	s.put(record)

	detail, err := s.timetables.Get(ctx, record.TimetableID)
	if err != nil {
		return s.fail(record, fmt.Errorf("load timetable %s: %w", record.TimetableID, err))
	}

	renderer := s.renderers[record.Format]
	data, err := renderer.Render(buildWorkbook(detail))
	if err != nil {
		return s.fail(record, fmt.Errorf("render %s export: %w", record.Format, err))
	}

	filename := exportFilename(detail, record)
	relPath, err := s.storage.Save(filename, data)
	if err != nil {
		return s.fail(record, fmt.Errorf("store export artifact: %w", err))
	}

	record.Status = ExportStatusCompleted
	record.RelPath = relPath
	record.FinishedAt = time.Now().UTC()
	s.put(record)

	s.logger.Info("timetable export rendered",
		zap.String("exportId", record.ID),
		zap.String("format", record.Format),
		zap.String("file", relPath))
	return nil
}

// ResolveDownload validates a signed token and opens the stored artifact.
func (s *ExportService) ResolveDownload(ctx context.Context, token string) (*ExportDownload, error) {
	exportID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	record, ok := s.get(exportID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export not found")
	}
	if record.Status != ExportStatusCompleted || record.RelPath != relPath {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "export not ready")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export file")
	}
	return &ExportDownload{
		File:      file,
		Filename:  filepath.Base(relPath),
		Format:    record.Format,
		ExpiresAt: expiresAt,
	}, nil
}

// StartCleanup boots a goroutine that purges expired artifacts periodically.
func (s *ExportService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupExpired()
			}
		}
	}()
}

func (s *ExportService) cleanupExpired() {
	removed, err := s.storage.CleanupOlderThan(s.cfg.ResultTTL)
	if err != nil {
		s.logger.Warn("cleanup export artifacts", zap.Error(err))
		return
	}
	if len(removed) == 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.ResultTTL)
	s.mu.Lock()
	for id, record := range s.jobs {
		if !record.FinishedAt.IsZero() && record.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()
	s.logger.Info("expired export artifacts removed", zap.Int("count", len(removed)))
}

func (s *ExportService) fail(record exportJob, cause error) error {
	record.Status = ExportStatusFailed
	record.Error = cause.Error()
	record.FinishedAt = time.Now().UTC()
	s.put(record)
	return cause
}

func (s *ExportService) put(record exportJob) {
	s.mu.Lock()
	s.jobs[record.ID] = record
	s.mu.Unlock()
}

func (s *ExportService) get(id string) (exportJob, bool) {
	s.mu.RLock()
	record, ok := s.jobs[id]
	s.mu.RUnlock()
	return record, ok
}

// buildWorkbook lays a rendered timetable out as one grid sheet plus a
// per-subject summary sheet.
func buildWorkbook(detail *dto.TimetableDetailResponse) export.Workbook {
	grid := detail.Grid

	headers := make([]string, 0, len(grid.PeriodLabels)+1)
	headers = append(headers, "Day")
	for i, label := range grid.PeriodLabels {
		headers = append(headers, fmt.Sprintf("P%d %s", i+1, label))
	}

	rows := make([][]string, 0, len(grid.Rows))
	counts := map[string]int{}
	order := []string{}
	for day, cells := range grid.Rows {
		row := make([]string, 0, len(cells)+1)
		name := ""
		if day < len(grid.DayNames) {
			name = grid.DayNames[day]
		}
		row = append(row, name)
		for _, cell := range cells {
			row = append(row, cell.Label)
			if cell.Subject == "" {
				continue
			}
			if _, seen := counts[cell.Subject]; !seen {
				order = append(order, cell.Subject)
			}
			counts[cell.Subject]++
		}
		rows = append(rows, row)
	}

	summary := make([][]string, 0, len(order))
	for _, subject := range order {
		summary = append(summary, []string{subject, fmt.Sprintf("%d", counts[subject])})
	}

	return export.Workbook{Sheets: []export.Sheet{
		{
			Title:   fmt.Sprintf("%s v%d", detail.ClassName, detail.Version),
			Headers: headers,
			Rows:    rows,
		},
		{
			Title:   "Summary",
			Headers: []string{"Subject", "Periods"},
			Rows:    summary,
		},
	}}
}

func sanitizeFileToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

func exportFilename(detail *dto.TimetableDetailResponse, record exportJob) string {
	return fmt.Sprintf("timetable_%s_v%d_%s.%s", sanitizeFileToken(detail.ClassName), detail.Version, record.ID[:8], record.Format)
}
