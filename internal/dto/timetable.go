package dto

// SubjectRowRequest captures one subject's weekly demand for a class.
type SubjectRowRequest struct {
	Name          string `json:"name" validate:"required"`
	Kind          string `json:"kind" validate:"omitempty,oneof=Theory Lab/Project"`
	WeeklyPeriods int    `json:"weeklyPeriods" validate:"min=0,max=30"`
	LongSession   bool   `json:"longSession"`
	SessionLength int    `json:"sessionLength" validate:"omitempty,min=1,max=6"`
}

// ClassRequest bundles the subject rows of one class.
type ClassRequest struct {
	Name     string              `json:"name" validate:"required"`
	Subjects []SubjectRowRequest `json:"subjects" validate:"omitempty,dive"`
}

// GenerateTimetableRequest instructs the generator to build proposals for one
// or more classes over a shared weekly frame.
type GenerateTimetableRequest struct {
	Days          int            `json:"days" validate:"omitempty,min=1,max=7"`
	PeriodsPerDay int            `json:"periodsPerDay" validate:"omitempty,min=1,max=12"`
	StartTime     string         `json:"startTime" validate:"omitempty,datetime=15:04"`
	PeriodMinutes int            `json:"periodMinutes" validate:"omitempty,min=10,max=180"`
	Seed          *int64         `json:"seed"`
	MaxAttempts   int            `json:"maxAttempts" validate:"omitempty,min=1,max=100"`
	Classes       []ClassRequest `json:"classes" validate:"required,min=1,dive"`
	Meta          map[string]any `json:"meta"`
}

// TimetableCellView is one slot of a rendered grid.
type TimetableCellView struct {
	Subject     string `json:"subject"`
	LongSession bool   `json:"longSession"`
	Label       string `json:"label"`
}

// TimetableGridView is a full weekly grid plus its axis labels.
type TimetableGridView struct {
	Days         int                   `json:"days"`
	DayNames     []string              `json:"dayNames"`
	PeriodLabels []string              `json:"periodLabels"`
	Rows         [][]TimetableCellView `json:"rows"`
}

// ClassDiagnostics reports how a single class's generation went.
type ClassDiagnostics struct {
	ClassName string         `json:"className"`
	OK        bool           `json:"ok"`
	Reason    string         `json:"reason,omitempty"`
	Message   string         `json:"message"`
	Attempts  int            `json:"attempts"`
	Unmet     map[string]int `json:"unmet,omitempty"`
}

// ClassTimetableView pairs a class with its generated grid.
type ClassTimetableView struct {
	ClassName   string            `json:"className"`
	Grid        TimetableGridView `json:"grid"`
	Diagnostics ClassDiagnostics  `json:"diagnostics"`
}

// GenerateTimetableResponse returns the built proposal set.
type GenerateTimetableResponse struct {
	ProposalID string               `json:"proposalId"`
	Seed       int64                `json:"seed"`
	Classes    []ClassTimetableView `json:"classes"`
}

// SaveTimetableRequest persists a previously generated proposal.
type SaveTimetableRequest struct {
	ProposalID string `json:"proposalId" validate:"required"`
	Publish    bool   `json:"publish"`
}

// SavedTimetableResponse summarises a persisted timetable version.
type SavedTimetableResponse struct {
	ID        string `json:"id"`
	ClassName string `json:"className"`
	Version   int    `json:"version"`
	Status    string `json:"status"`
}

// TimetableQuery filters stored timetable headers.
type TimetableQuery struct {
	ClassName string `form:"className" json:"className"`
	Status    string `form:"status" json:"status"`
	Page      int    `form:"page" json:"page"`
	PageSize  int    `form:"pageSize" json:"pageSize"`
}

// TimetableDetailResponse joins a stored header with its rendered grid.
type TimetableDetailResponse struct {
	ID        string            `json:"id"`
	ClassName string            `json:"className"`
	Version   int               `json:"version"`
	Status    string            `json:"status"`
	Grid      TimetableGridView `json:"grid"`
}

// DefaultSubjectsResponse exposes the built-in seed rows used when a class
// submits no subjects of its own.
type DefaultSubjectsResponse struct {
	Subjects []SubjectRowRequest `json:"subjects"`
}

// ExportTimetableRequest queues an export of a stored timetable.
type ExportTimetableRequest struct {
	Format string `json:"format" validate:"required,oneof=csv pdf"`
}

// ExportTimetableResponse returns the queued export job reference.
type ExportTimetableResponse struct {
	ExportID string `json:"exportId"`
	Status   string `json:"status"`
}

// ExportStatusResponse reports an export job plus its signed download URL
// once the artifact is ready.
type ExportStatusResponse struct {
	ExportID    string `json:"exportId"`
	Status      string `json:"status"`
	Format      string `json:"format"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Error       string `json:"error,omitempty"`
}
