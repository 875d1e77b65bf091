package timetable

import (
	"math/rand"
	"sort"
)

// FillSingles walks the grid day by day filling empty cells with
// single-period subjects, at most one occurrence of a subject per day.
// Quotas are decremented in place. A cell with no eligible subject is left
// empty; that is only a failure if quotas remain positive once every day has
// been processed, which the boolean return reports.
func FillSingles(g *Grid, quota SingleQuota, rng *rand.Rand) bool {
	for d := 0; d < g.Days(); d++ {
		usedToday := g.SubjectsOnDay(d)
		for p := 0; p < g.PeriodsPerDay(); p++ {
			if !g.Cell(d, p).Empty() {
				continue
			}
			subject, ok := pickSingle(quota, usedToday, rng)
			if !ok {
				continue
			}
			g.SetCell(d, p, Cell{Subject: subject})
			quota[subject]--
			usedToday[subject] = struct{}{}
		}
	}
	for _, remaining := range quota {
		if remaining > 0 {
			return false
		}
	}
	return true
}

// pickSingle selects the subject with the highest remaining quota that has
// not been used today, breaking ties uniformly at random. Candidates are
// sorted by name first so a given seed always produces the same timetable
// regardless of map iteration order.
func pickSingle(quota SingleQuota, usedToday map[string]struct{}, rng *rand.Rand) (string, bool) {
	candidates := make([]string, 0, len(quota))
	for subject, remaining := range quota {
		if remaining <= 0 {
			continue
		}
		if _, used := usedToday[subject]; used {
			continue
		}
		candidates = append(candidates, subject)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)

	maxRemaining := 0
	for _, subject := range candidates {
		if quota[subject] > maxRemaining {
			maxRemaining = quota[subject]
		}
	}
	top := candidates[:0]
	for _, subject := range candidates {
		if quota[subject] == maxRemaining {
			top = append(top, subject)
		}
	}
	return top[rng.Intn(len(top))], true
}

// Leftovers returns the subjects that still have positive quota.
func (q SingleQuota) Leftovers() map[string]int {
	leftover := make(map[string]int)
	for subject, remaining := range q {
		if remaining > 0 {
			leftover[subject] = remaining
		}
	}
	return leftover
}
