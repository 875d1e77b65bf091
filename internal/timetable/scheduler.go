package timetable

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// FailureReason classifies why a scheduling run could not complete.
type FailureReason string

const (
	ReasonCapacityExceeded     FailureReason = "CAPACITY_EXCEEDED"
	ReasonBlockPlacementFailed FailureReason = "BLOCK_PLACEMENT_FAILED"
	ReasonQuotaUnmet           FailureReason = "QUOTA_UNMET"
)

// Result is the structured outcome of one scheduling run. The grid is always
// present, partial on failure, and must be treated as read-only by callers.
type Result struct {
	OK      bool
	Grid    *Grid
	Reason  FailureReason
	Message string
	Unmet   map[string]int
}

// Schedule runs the full pipeline for one class: requirement decomposition,
// up-front capacity check, contiguous block placement, then single-period
// fill. One attempt only; the run is deterministic for a given rng state, and
// retrying with a fresh seed is the caller's decision.
func Schedule(rows []SubjectRow, days, periodsPerDay int, rng *rand.Rand) Result {
	grid := NewGrid(days, periodsPerDay)
	singles, blocks := BuildRequirements(rows)

	totalRequired := singles.Total()
	for _, block := range blocks {
		totalRequired += block.Length
	}
	if capacity := grid.Capacity(); totalRequired > capacity {
		return Result{
			Grid:    grid,
			Reason:  ReasonCapacityExceeded,
			Message: fmt.Sprintf("required %d periods but only %d slots available", totalRequired, capacity),
		}
	}

	if !PlaceBlocks(grid, blocks, rng) {
		return Result{
			Grid:    grid,
			Reason:  ReasonBlockPlacementFailed,
			Message: "could not place all long sessions",
		}
	}

	if !FillSingles(grid, singles, rng) {
		leftover := singles.Leftovers()
		return Result{
			Grid:    grid,
			Reason:  ReasonQuotaUnmet,
			Message: fmt.Sprintf("could not allocate all sessions, remaining: %s", formatLeftovers(leftover)),
			Unmet:   leftover,
		}
	}

	return Result{OK: true, Grid: grid, Message: "timetable generated"}
}

func formatLeftovers(leftover map[string]int) string {
	names := make([]string, 0, len(leftover))
	for name := range leftover {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, leftover[name]))
	}
	return strings.Join(parts, ", ")
}
