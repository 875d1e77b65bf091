package timetable

import "strings"

// SubjectKind mirrors the subject type column from the editable table.
type SubjectKind string

const (
	KindTheory     SubjectKind = "Theory"
	KindLabProject SubjectKind = "Lab/Project"
)

// SubjectRow is one requirement row for a class: a subject and how many
// weekly periods it needs, optionally as contiguous long sessions.
type SubjectRow struct {
	Name          string
	Kind          SubjectKind
	WeeklyPeriods int
	LongSession   bool
	SessionLength int
}

// SingleQuota maps subject name to the remaining required single periods.
type SingleQuota map[string]int

// Total sums the remaining single periods across all subjects.
func (q SingleQuota) Total() int {
	total := 0
	for _, n := range q {
		total += n
	}
	return total
}

// BlockRequest asks for one contiguous run of Length periods within a single
// day for the subject. A subject needing several blocks appears once per block.
type BlockRequest struct {
	Subject string
	Length  int
}

// NormalizeRows cleans raw table rows before scheduling: names are trimmed,
// empty rows dropped, counts clamped to sane minimums, and lab/project rows
// forced to long sessions.
func NormalizeRows(rows []SubjectRow) []SubjectRow {
	out := make([]SubjectRow, 0, len(rows))
	for _, row := range rows {
		row.Name = strings.TrimSpace(row.Name)
		if row.Name == "" {
			continue
		}
		if row.WeeklyPeriods < 0 {
			row.WeeklyPeriods = 0
		}
		if row.SessionLength < 1 {
			row.SessionLength = 1
		}
		lower := strings.ToLower(string(row.Kind))
		if strings.Contains(lower, "lab") || strings.Contains(lower, "project") {
			row.LongSession = true
		}
		out = append(out, row)
	}
	return out
}

// DefaultRows returns the starter subject table offered when a class submits
// no rows of its own.
func DefaultRows() []SubjectRow {
	return []SubjectRow{
		{Name: "Math", Kind: KindTheory, WeeklyPeriods: 4, SessionLength: 1},
		{Name: "Physics Lab", Kind: KindLabProject, WeeklyPeriods: 3, LongSession: true, SessionLength: 3},
	}
}

// BuildRequirements decomposes subject rows into single-period quotas and
// contiguous block requests.
//
// A long-session row with sessionLength > 1 yields floor(weekly/length)
// blocks; the remainder weekly mod length is dropped entirely rather than
// carried over as single periods. That rounding rule matches the observed
// behaviour of the legacy generator and is load-bearing for its users, so it
// is preserved as-is.
func BuildRequirements(rows []SubjectRow) (SingleQuota, []BlockRequest) {
	singles := make(SingleQuota)
	var blocks []BlockRequest
	for _, row := range rows {
		if row.LongSession && row.SessionLength > 1 {
			if row.WeeklyPeriods <= 0 {
				continue
			}
			numBlocks := row.WeeklyPeriods / row.SessionLength
			for i := 0; i < numBlocks; i++ {
				blocks = append(blocks, BlockRequest{Subject: row.Name, Length: row.SessionLength})
			}
			continue
		}
		singles[row.Name] += row.WeeklyPeriods
	}
	return singles, blocks
}
