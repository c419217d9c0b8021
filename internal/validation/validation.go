// Package validation derives structural validity over a scheme's items: duplicate
// placements and spatial/group limit violations. Everything here is a pure function of its
// arguments.
package validation

import "github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"

// DefaultMaxGroupSize is the largest group that is not reported as oversized.
const DefaultMaxGroupSize = 50

const (
	DefaultZMin = -1000.0
	DefaultZMax = 10000.0
)

// Limits bounds item placement.
type Limits struct {
	ZMin         float64 `json:"zMin"`
	ZMax         float64 `json:"zMax"`
	MaxGroupSize int     `json:"maxGroupSize"`
}

func DefaultLimits() Limits {
	return Limits{ZMin: DefaultZMin, ZMax: DefaultZMax, MaxGroupSize: DefaultMaxGroupSize}
}

type LimitIssues struct {
	OutOfBoundsItemIDs []string `json:"outOfBoundsItemIds"`
	OversizedGroups    []int    `json:"oversizedGroups"`
}

type Result struct {
	DuplicateGroups [][]string  `json:"duplicateGroups"`
	LimitIssues     LimitIssues `json:"limitIssues"`
}

// Empty returns a result with non-nil empty lists so it encodes as arrays, not null.
func Empty() Result {
	return Result{
		DuplicateGroups: [][]string{},
		LimitIssues: LimitIssues{
			OutOfBoundsItemIDs: []string{},
			OversizedGroups:    []int{},
		},
	}
}

// IsClean reports whether the result carries no issue at all.
func (r Result) IsClean() bool {
	return len(r.DuplicateGroups) == 0 &&
		len(r.LimitIssues.OutOfBoundsItemIDs) == 0 &&
		len(r.LimitIssues.OversizedGroups) == 0
}

// Run applies both checks according to settings.
func Run(items []workspace.Item, settings workspace.Settings, areas workspace.BuildableAreaSet, limits Limits) Result {
	return Result{
		DuplicateGroups: DetectDuplicates(items, settings.EnableDuplicateDetection),
		LimitIssues:     CheckLimits(items, areas, limits, settings.EnableLimitDetection),
	}
}
