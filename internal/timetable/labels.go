package timetable

import (
	"fmt"
	"time"
)

const clockLayout = "15:04"

// PeriodLabels renders one "HH:MM–HH:MM" label per period starting at the
// given wall-clock time. Labels are presentation only and never influence
// placement.
func PeriodLabels(start string, periodMinutes, periodsPerDay int) ([]string, error) {
	cursor, err := time.Parse(clockLayout, start)
	if err != nil {
		return nil, fmt.Errorf("parse start time %q: %w", start, err)
	}
	if periodMinutes <= 0 {
		return nil, fmt.Errorf("period minutes must be positive, got %d", periodMinutes)
	}

	labels := make([]string, 0, periodsPerDay)
	for i := 0; i < periodsPerDay; i++ {
		end := cursor.Add(time.Duration(periodMinutes) * time.Minute)
		labels = append(labels, fmt.Sprintf("%s–%s", cursor.Format(clockLayout), end.Format(clockLayout)))
		cursor = end
	}
	return labels, nil
}

// DayName labels day rows for display and export ("Day 1", "Day 2", ...).
func DayName(index int) string {
	return fmt.Sprintf("Day %d", index+1)
}
