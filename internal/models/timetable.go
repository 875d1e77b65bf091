package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// TimetableStatus tracks the lifecycle of a stored timetable version.
type TimetableStatus string

const (
	TimetableStatusDraft     TimetableStatus = "DRAFT"
	TimetableStatusPublished TimetableStatus = "PUBLISHED"
)

// Timetable is the stored header of one generated weekly grid for a class.
// Versions accumulate per class name; regenerating never overwrites history.
type Timetable struct {
	ID            string          `db:"id" json:"id"`
	ClassName     string          `db:"class_name" json:"class_name"`
	Version       int             `db:"version" json:"version"`
	Status        TimetableStatus `db:"status" json:"status"`
	Days          int             `db:"days" json:"days"`
	PeriodsPerDay int             `db:"periods_per_day" json:"periods_per_day"`
	Meta          types.JSONText  `db:"meta" json:"meta"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// TimetableCell is one occupied slot of a stored timetable. Empty cells are
// not persisted.
type TimetableCell struct {
	ID          string    `db:"id" json:"id"`
	TimetableID string    `db:"timetable_id" json:"timetable_id"`
	DayIndex    int       `db:"day_index" json:"day_index"`
	PeriodIndex int       `db:"period_index" json:"period_index"`
	Subject     string    `db:"subject" json:"subject"`
	LongSession bool      `db:"long_session" json:"long_session"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
