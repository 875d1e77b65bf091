package timetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodLabels(t *testing.T) {
	labels, err := PeriodLabels("09:00", 50, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00–09:50", "09:50–10:40", "10:40–11:30"}, labels)
}

func TestPeriodLabelsWrapMidnight(t *testing.T) {
	labels, err := PeriodLabels("23:30", 45, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"23:30–00:15", "00:15–01:00"}, labels)
}

func TestPeriodLabelsRejectsBadInput(t *testing.T) {
	_, err := PeriodLabels("9 o'clock", 50, 3)
	assert.Error(t, err)

	_, err = PeriodLabels("09:00", 0, 3)
	assert.Error(t, err)
}

func TestDayName(t *testing.T) {
	assert.Equal(t, "Day 1", DayName(0))
	assert.Equal(t, "Day 5", DayName(4))
}
