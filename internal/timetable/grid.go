package timetable

// Cell is a single period slot in a weekly grid. A zero Cell is empty.
type Cell struct {
	Subject     string `json:"subject"`
	LongSession bool   `json:"long_session"`
}

// Empty reports whether the cell has no subject assigned.
func (c Cell) Empty() bool {
	return c.Subject == ""
}

// Label renders the cell the way downstream tables and exports display it.
func (c Cell) Label() string {
	if c.Empty() {
		return ""
	}
	if c.LongSession {
		return c.Subject + " (Long Session)"
	}
	return c.Subject
}

// Grid is a days x periodsPerDay matrix of cells. It is owned by a single
// scheduling run for a single class and mutated in place.
type Grid struct {
	days    int
	periods int
	cells   [][]Cell
}

// NewGrid allocates an empty grid.
func NewGrid(days, periodsPerDay int) *Grid {
	cells := make([][]Cell, days)
	for d := range cells {
		cells[d] = make([]Cell, periodsPerDay)
	}
	return &Grid{days: days, periods: periodsPerDay, cells: cells}
}

// Days returns the number of day rows.
func (g *Grid) Days() int {
	return g.days
}

// PeriodsPerDay returns the number of period columns.
func (g *Grid) PeriodsPerDay() int {
	return g.periods
}

// Capacity is the total number of schedulable cells.
func (g *Grid) Capacity() int {
	return g.days * g.periods
}

// Cell returns the cell at the given day and period.
func (g *Grid) Cell(day, period int) Cell {
	return g.cells[day][period]
}

// SetCell writes a cell. Callers are responsible for not overwriting
// occupied cells; the placement routines check before writing.
func (g *Grid) SetCell(day, period int, c Cell) {
	g.cells[day][period] = c
}

// CanPlaceRun reports whether length consecutive cells starting at the given
// period are all empty within the day row.
func (g *Grid) CanPlaceRun(day, start, length int) bool {
	if start+length > g.periods {
		return false
	}
	for p := start; p < start+length; p++ {
		if !g.cells[day][p].Empty() {
			return false
		}
	}
	return true
}

// SubjectsOnDay returns the set of subject names occupying any cell of the
// day, ignoring the long-session marker.
func (g *Grid) SubjectsOnDay(day int) map[string]struct{} {
	used := make(map[string]struct{})
	for p := 0; p < g.periods; p++ {
		if c := g.cells[day][p]; !c.Empty() {
			used[c.Subject] = struct{}{}
		}
	}
	return used
}

// OccupiedCount returns the number of non-empty cells.
func (g *Grid) OccupiedCount() int {
	count := 0
	for d := 0; d < g.days; d++ {
		for p := 0; p < g.periods; p++ {
			if !g.cells[d][p].Empty() {
				count++
			}
		}
	}
	return count
}

// Rows exports the grid as a matrix of cells, day-major. The returned slices
// share no storage with the grid.
func (g *Grid) Rows() [][]Cell {
	rows := make([][]Cell, g.days)
	for d := range rows {
		rows[d] = make([]Cell, g.periods)
		copy(rows[d], g.cells[d])
	}
	return rows
}
