package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/acadplan/timetable-api/internal/dto"
	"github.com/acadplan/timetable-api/internal/models"
	"github.com/acadplan/timetable-api/internal/timetable"
	appErrors "github.com/acadplan/timetable-api/pkg/errors"
)

type timetableHeaderRepository interface {
	CreateVersioned(ctx context.Context, exec sqlx.ExtContext, timetable *models.Timetable) error
	List(ctx context.Context, className, status string, page, pageSize int) ([]models.Timetable, int, error)
	FindByID(ctx context.Context, id string) (*models.Timetable, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.TimetableStatus) error
}

type timetableCellStore interface {
	UpsertBatch(ctx context.Context, exec sqlx.ExtContext, cells []models.TimetableCell) error
	ListByTimetable(ctx context.Context, timetableID string) ([]models.TimetableCell, error)
}

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type timetableCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type schedulerMetricsRecorder interface {
	ObserveGeneration(outcome string, attempts int)
	ObserveFailure(reason string)
	RecordCacheOperation(hit bool)
}

// TimetableService generates weekly timetable proposals and persists the
// accepted ones as versioned records.
type TimetableService struct {
	headers   timetableHeaderRepository
	cells     timetableCellStore
	tx        txProvider
	cache     timetableCache
	metrics   schedulerMetricsRecorder
	validator *validator.Validate
	logger    *zap.Logger
	store     *proposalStore
	cfg       TimetableServiceConfig
}

// TimetableServiceConfig governs generation defaults and the proposal cache.
type TimetableServiceConfig struct {
	ProposalTTL          time.Duration
	DefaultAttempts      int
	MaxAttempts          int
	MaxClasses           int
	DefaultStartTime     string
	DefaultPeriodMinutes int
	CacheEnabled         bool
	CacheTTL             time.Duration
}

// NewTimetableService wires generator dependencies.
func NewTimetableService(
	headers timetableHeaderRepository,
	cells timetableCellStore,
	tx txProvider,
	cache timetableCache,
	metrics schedulerMetricsRecorder,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg TimetableServiceConfig,
) *TimetableService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = 30 * time.Minute
	}
	if cfg.DefaultAttempts <= 0 {
		cfg.DefaultAttempts = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 25
	}
	if cfg.MaxClasses <= 0 {
		cfg.MaxClasses = 20
	}
	if cfg.DefaultStartTime == "" {
		cfg.DefaultStartTime = "09:00"
	}
	if cfg.DefaultPeriodMinutes <= 0 {
		cfg.DefaultPeriodMinutes = 50
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &TimetableService{
		headers:   headers,
		cells:     cells,
		tx:        tx,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		store:     newProposalStore(cfg.ProposalTTL),
		cfg:       cfg,
	}
}

const (
	defaultDays          = 5
	defaultPeriodsPerDay = 8
	schedulerAlgorithm   = "greedy_v1"
)

// Generate runs the scheduling pipeline for every requested class. The
// response always carries per-class grids and diagnostics; when one or more
// classes cannot be scheduled the returned error classifies the first failure
// and the partial grids travel alongside it.
func (s *TimetableService) Generate(ctx context.Context, req dto.GenerateTimetableRequest) (*dto.GenerateTimetableResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid timetable generation payload")
	}
	if len(req.Classes) > s.cfg.MaxClasses {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d classes per request", s.cfg.MaxClasses))
	}
	seen := make(map[string]bool, len(req.Classes))
	for _, class := range req.Classes {
		if seen[class.Name] {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("duplicate class name %q", class.Name))
		}
		seen[class.Name] = true
	}

	days := req.Days
	if days == 0 {
		days = defaultDays
	}
	periodsPerDay := req.PeriodsPerDay
	if periodsPerDay == 0 {
		periodsPerDay = defaultPeriodsPerDay
	}
	startTime := req.StartTime
	if startTime == "" {
		startTime = s.cfg.DefaultStartTime
	}
	periodMinutes := req.PeriodMinutes
	if periodMinutes == 0 {
		periodMinutes = s.cfg.DefaultPeriodMinutes
	}
	attempts := req.MaxAttempts
	if attempts == 0 {
		attempts = s.cfg.DefaultAttempts
	}
	if attempts > s.cfg.MaxAttempts {
		attempts = s.cfg.MaxAttempts
	}

	labels, err := timetable.PeriodLabels(startTime, periodMinutes, periodsPerDay)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid start time %q", startTime))
	}
	dayNames := make([]string, days)
	for i := range dayNames {
		dayNames[i] = timetable.DayName(i)
	}

	seed := time.Now().UnixNano()
	if req.Seed != nil {
		seed = *req.Seed
	}

	outcomes := make([]classOutcome, 0, len(req.Classes))
	views := make([]dto.ClassTimetableView, 0, len(req.Classes))
	var firstFailure *appErrors.Error

	for i, class := range req.Classes {
		rows := toSubjectRows(class.Subjects)
		if len(rows) == 0 {
			rows = timetable.DefaultRows()
		}
		rows = timetable.NormalizeRows(rows)

		var result timetable.Result
		used := 0
		for attempt := 0; attempt < attempts; attempt++ {
			rng := rand.New(rand.NewSource(classSeed(seed, i, attempt)))
			result = timetable.Schedule(rows, days, periodsPerDay, rng)
			used = attempt + 1
			if result.OK {
				break
			}
			// Capacity does not depend on the seed, so retrying is futile.
			if result.Reason == timetable.ReasonCapacityExceeded {
				break
			}
		}

		diag := dto.ClassDiagnostics{
			ClassName: class.Name,
			OK:        result.OK,
			Message:   result.Message,
			Attempts:  used,
		}
		if !result.OK {
			diag.Reason = string(result.Reason)
			diag.Unmet = result.Unmet
			if s.metrics != nil {
				s.metrics.ObserveFailure(string(result.Reason))
			}
			if firstFailure == nil {
				firstFailure = classFailureError(class.Name, result)
			}
		}
		if s.metrics != nil {
			s.metrics.ObserveGeneration(outcomeLabel(result.OK), used)
		}

		views = append(views, dto.ClassTimetableView{
			ClassName:   class.Name,
			Grid:        buildGridView(result.Grid, dayNames, labels),
			Diagnostics: diag,
		})
		outcomes = append(outcomes, classOutcome{
			ClassName: class.Name,
			Result:    result,
			Attempts:  used,
		})
	}

	resp := &dto.GenerateTimetableResponse{
		Seed:    seed,
		Classes: views,
	}
	if firstFailure != nil {
		s.logger.Info("timetable generation incomplete",
			zap.Int64("seed", seed),
			zap.Int("classes", len(req.Classes)),
			zap.String("reason", firstFailure.Code))
		return resp, firstFailure
	}

	proposal := timetableProposal{
		ProposalID:    uuid.NewString(),
		Seed:          seed,
		Days:          days,
		PeriodsPerDay: periodsPerDay,
		StartTime:     startTime,
		PeriodMinutes: periodMinutes,
		Meta:          req.Meta,
		Classes:       outcomes,
		RequestedAt:   time.Now().UTC(),
	}
	s.store.Save(proposal)
	resp.ProposalID = proposal.ProposalID

	s.logger.Info("timetable proposal generated",
		zap.String("proposalId", proposal.ProposalID),
		zap.Int64("seed", seed),
		zap.Int("classes", len(req.Classes)))
	return resp, nil
}

// Save persists every class grid of a proposal as a new timetable version
// inside one transaction.
func (s *TimetableService) Save(ctx context.Context, req dto.SaveTimetableRequest) ([]dto.SavedTimetableResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid save timetable payload")
	}
	proposal, ok := s.store.Get(req.ProposalID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "proposal not found or expired")
	}
	if s.tx == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "transaction provider missing")
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	status := models.TimetableStatusDraft
	if req.Publish {
		status = models.TimetableStatusPublished
	}

	saved := make([]dto.SavedTimetableResponse, 0, len(proposal.Classes))
	for _, outcome := range proposal.Classes {
		// Caller-supplied metadata first; generation facts win on key clashes.
		metaPayload := make(map[string]any, len(proposal.Meta)+6)
		for k, v := range proposal.Meta {
			metaPayload[k] = v
		}
		metaPayload["seed"] = proposal.Seed
		metaPayload["startTime"] = proposal.StartTime
		metaPayload["periodMinutes"] = proposal.PeriodMinutes
		metaPayload["attempts"] = outcome.Attempts
		metaPayload["algorithm"] = schedulerAlgorithm
		metaPayload["generated"] = proposal.RequestedAt
		metaBytes, marshalErr := json.Marshal(metaPayload)
		if marshalErr != nil {
			err = appErrors.Wrap(marshalErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode timetable metadata")
			return nil, err
		}

		record := &models.Timetable{
			ClassName:     outcome.ClassName,
			Status:        status,
			Days:          proposal.Days,
			PeriodsPerDay: proposal.PeriodsPerDay,
			Meta:          types.JSONText(metaBytes),
		}
		if err = s.headers.CreateVersioned(ctx, tx, record); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create timetable")
			return nil, err
		}

		if err = s.cells.UpsertBatch(ctx, tx, gridCells(record.ID, outcome.Result.Grid)); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist timetable cells")
			return nil, err
		}

		saved = append(saved, dto.SavedTimetableResponse{
			ID:        record.ID,
			ClassName: record.ClassName,
			Version:   record.Version,
			Status:    string(record.Status),
		})
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit timetable transaction")
		return nil, err
	}

	s.store.Delete(req.ProposalID)
	s.invalidateCache(ctx)
	return saved, nil
}

// List returns stored timetable versions matching the query.
func (s *TimetableService) List(ctx context.Context, query dto.TimetableQuery) ([]models.Timetable, int, error) {
	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	cacheKey := fmt.Sprintf("timetables:list:%s:%s:%d:%d", query.ClassName, query.Status, page, pageSize)
	var cached timetableListPayload
	if s.cacheEnabled() {
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			s.recordCacheOp(true)
			return cached.Items, cached.Total, nil
		}
		s.recordCacheOp(false)
	}

	items, total, err := s.headers.List(ctx, query.ClassName, query.Status, page, pageSize)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list timetables")
	}

	if s.cacheEnabled() {
		if err := s.cache.Set(ctx, cacheKey, timetableListPayload{Items: items, Total: total}, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("cache timetable list", zap.Error(err))
		}
	}
	return items, total, nil
}

// Get loads a stored timetable and rebuilds its rendered grid.
func (s *TimetableService) Get(ctx context.Context, id string) (*dto.TimetableDetailResponse, error) {
	if id == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "timetable id is required")
	}

	cacheKey := "timetables:detail:" + id
	if s.cacheEnabled() {
		var cached dto.TimetableDetailResponse
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			s.recordCacheOp(true)
			return &cached, nil
		}
		s.recordCacheOp(false)
	}

	header, err := s.headers.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable")
	}
	cells, err := s.cells.ListByTimetable(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list timetable cells")
	}

	detail := &dto.TimetableDetailResponse{
		ID:        header.ID,
		ClassName: header.ClassName,
		Version:   header.Version,
		Status:    string(header.Status),
		Grid:      s.storedGridView(header, cells),
	}

	if s.cacheEnabled() {
		if err := s.cache.Set(ctx, cacheKey, detail, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("cache timetable detail", zap.Error(err))
		}
	}
	return detail, nil
}

// Delete removes a draft timetable version.
func (s *TimetableService) Delete(ctx context.Context, id string) error {
	record, err := s.headers.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "timetable not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable")
	}
	if record.Status != models.TimetableStatusDraft {
		return appErrors.Clone(appErrors.ErrConflict, "only draft timetables can be deleted")
	}
	if err := s.headers.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "timetable not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete timetable")
	}
	s.invalidateCache(ctx)
	return nil
}

// Publish promotes a draft timetable to published.
func (s *TimetableService) Publish(ctx context.Context, id string) error {
	record, err := s.headers.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "timetable not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable")
	}
	if record.Status == models.TimetableStatusPublished {
		return appErrors.Clone(appErrors.ErrConflict, "timetable already published")
	}
	if err := s.headers.UpdateStatus(ctx, nil, id, models.TimetableStatusPublished); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to publish timetable")
	}
	s.invalidateCache(ctx)
	return nil
}

// DefaultSubjects returns the starter subject rows.
func (s *TimetableService) DefaultSubjects() dto.DefaultSubjectsResponse {
	rows := timetable.DefaultRows()
	out := make([]dto.SubjectRowRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, dto.SubjectRowRequest{
			Name:          row.Name,
			Kind:          string(row.Kind),
			WeeklyPeriods: row.WeeklyPeriods,
			LongSession:   row.LongSession,
			SessionLength: row.SessionLength,
		})
	}
	return dto.DefaultSubjectsResponse{Subjects: out}
}

func (s *TimetableService) cacheEnabled() bool {
	return s.cfg.CacheEnabled && s.cache != nil
}

func (s *TimetableService) recordCacheOp(hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(hit)
	}
}

func (s *TimetableService) invalidateCache(ctx context.Context) {
	if !s.cacheEnabled() {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, "timetables:*"); err != nil {
		s.logger.Warn("invalidate timetable cache", zap.Error(err))
	}
}

func (s *TimetableService) storedGridView(header *models.Timetable, cells []models.TimetableCell) dto.TimetableGridView {
	startTime := s.cfg.DefaultStartTime
	periodMinutes := s.cfg.DefaultPeriodMinutes
	var meta struct {
		StartTime     string `json:"startTime"`
		PeriodMinutes int    `json:"periodMinutes"`
	}
	if err := json.Unmarshal(header.Meta, &meta); err == nil {
		if meta.StartTime != "" {
			startTime = meta.StartTime
		}
		if meta.PeriodMinutes > 0 {
			periodMinutes = meta.PeriodMinutes
		}
	}

	labels, err := timetable.PeriodLabels(startTime, periodMinutes, header.PeriodsPerDay)
	if err != nil {
		labels = make([]string, header.PeriodsPerDay)
	}
	dayNames := make([]string, header.Days)
	for i := range dayNames {
		dayNames[i] = timetable.DayName(i)
	}

	grid := timetable.NewGrid(header.Days, header.PeriodsPerDay)
	for _, cell := range cells {
		if cell.DayIndex < 0 || cell.DayIndex >= header.Days || cell.PeriodIndex < 0 || cell.PeriodIndex >= header.PeriodsPerDay {
			continue
		}
		grid.SetCell(cell.DayIndex, cell.PeriodIndex, timetable.Cell{Subject: cell.Subject, LongSession: cell.LongSession})
	}
	return buildGridView(grid, dayNames, labels)
}

// classSeed derives a stable per-class, per-attempt seed so multi-class
// requests stay reproducible while each class explores its own sequence.
func classSeed(seed int64, classIndex, attempt int) int64 {
	return seed + int64(classIndex)*9973 + int64(attempt)
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func classFailureError(className string, result timetable.Result) *appErrors.Error {
	message := fmt.Sprintf("class %s: %s", className, result.Message)
	switch result.Reason {
	case timetable.ReasonCapacityExceeded:
		return appErrors.Clone(appErrors.ErrCapacityExceeded, message)
	case timetable.ReasonBlockPlacementFailed:
		return appErrors.Clone(appErrors.ErrPlacementFailed, message)
	case timetable.ReasonQuotaUnmet:
		return appErrors.Clone(appErrors.ErrQuotaUnmet, message)
	default:
		return appErrors.Clone(appErrors.ErrInternal, message)
	}
}

func toSubjectRows(subjects []dto.SubjectRowRequest) []timetable.SubjectRow {
	rows := make([]timetable.SubjectRow, 0, len(subjects))
	for _, subject := range subjects {
		kind := timetable.SubjectKind(subject.Kind)
		if kind == "" {
			kind = timetable.KindTheory
		}
		rows = append(rows, timetable.SubjectRow{
			Name:          subject.Name,
			Kind:          kind,
			WeeklyPeriods: subject.WeeklyPeriods,
			LongSession:   subject.LongSession,
			SessionLength: subject.SessionLength,
		})
	}
	return rows
}

func buildGridView(grid *timetable.Grid, dayNames, labels []string) dto.TimetableGridView {
	view := dto.TimetableGridView{
		Days:         grid.Days(),
		DayNames:     dayNames,
		PeriodLabels: labels,
		Rows:         make([][]dto.TimetableCellView, grid.Days()),
	}
	for day, cells := range grid.Rows() {
		row := make([]dto.TimetableCellView, len(cells))
		for period, cell := range cells {
			row[period] = dto.TimetableCellView{
				Subject:     cell.Subject,
				LongSession: cell.LongSession,
				Label:       cell.Label(),
			}
		}
		view.Rows[day] = row
	}
	return view
}

func gridCells(timetableID string, grid *timetable.Grid) []models.TimetableCell {
	var out []models.TimetableCell
	for day, cells := range grid.Rows() {
		for period, cell := range cells {
			if cell.Empty() {
				continue
			}
			out = append(out, models.TimetableCell{
				TimetableID: timetableID,
				DayIndex:    day,
				PeriodIndex: period,
				Subject:     cell.Subject,
				LongSession: cell.LongSession,
			})
		}
	}
	return out
}

type timetableListPayload struct {
	Items []models.Timetable `json:"items"`
	Total int                `json:"total"`
}

type classOutcome struct {
	ClassName string
	Result    timetable.Result
	Attempts  int
}

type timetableProposal struct {
	ProposalID    string
	Seed          int64
	Days          int
	PeriodsPerDay int
	StartTime     string
	PeriodMinutes int
	Meta          map[string]any
	Classes       []classOutcome
	RequestedAt   time.Time
}

type proposalStore struct {
	ttl   time.Duration
	mu    sync.RWMutex
	items map[string]timetableProposal
}

func newProposalStore(ttl time.Duration) *proposalStore {
	return &proposalStore{
		ttl:   ttl,
		items: make(map[string]timetableProposal),
	}
}

func (s *proposalStore) Save(proposal timetableProposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[proposal.ProposalID] = proposal
}

func (s *proposalStore) Get(id string) (timetableProposal, bool) {
	s.mu.RLock()
	proposal, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return timetableProposal{}, false
	}
	if time.Since(proposal.RequestedAt) > s.ttl {
		s.Delete(id)
		return timetableProposal{}, false
	}
	return proposal, true
}

func (s *proposalStore) Delete(id string) {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}
