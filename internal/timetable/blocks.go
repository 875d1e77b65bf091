package timetable

import (
	"math/rand"
	"sort"
)

// PlaceBlocks seats every contiguous block into the grid, longest blocks
// first. It returns false as soon as any block fits nowhere; placements made
// before the failure are left on the grid and no backtracking is attempted.
func PlaceBlocks(g *Grid, blocks []BlockRequest, rng *rand.Rand) bool {
	order := make([]BlockRequest, len(blocks))
	copy(order, blocks)
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	// Stable so equal-length blocks keep their shuffled relative order.
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Length > order[j].Length
	})

	lastDay := make(map[string]int)

	for _, block := range order {
		day, start, ok := findRun(g, block, rng, lastDay)
		if !ok {
			return false
		}
		for p := start; p < start+block.Length; p++ {
			g.SetCell(day, p, Cell{Subject: block.Subject, LongSession: true})
		}
		lastDay[block.Subject] = day
	}
	return true
}

// findRun scans days in a shuffled order, rotated to revisit the subject's
// previous day first when one exists. Within a day the first fitting offset
// wins (first-fit, not best-fit).
func findRun(g *Grid, block BlockRequest, rng *rand.Rand, lastDay map[string]int) (day, start int, ok bool) {
	dayOrder := rng.Perm(g.Days())
	if prev, seen := lastDay[block.Subject]; seen {
		dayOrder = rotateToDay(dayOrder, prev)
	}

	for _, d := range dayOrder {
		for p := 0; p < g.PeriodsPerDay(); p++ {
			if g.CanPlaceRun(d, p, block.Length) {
				return d, p, true
			}
		}
	}
	return 0, 0, false
}

// rotateToDay rotates the order so it starts at the given day. The day is a
// soft affinity hint only; the rest of the shuffled order still follows.
func rotateToDay(order []int, day int) []int {
	for i, d := range order {
		if d == day {
			return append(order[i:], order[:i]...)
		}
	}
	return order
}
