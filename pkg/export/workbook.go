package export

// Sheet is one tabular section of a rendered workbook, e.g. a class
// timetable or the settings summary.
type Sheet struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// Workbook groups the sheets rendered into a single export file.
type Workbook struct {
	Sheets []Sheet
}
