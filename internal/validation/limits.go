package validation

import (
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/geometry"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

// CheckLimits reports items outside the z range or outside every buildable area, and groups
// larger than limits.MaxGroupSize. With no areas configured only the z range applies.
func CheckLimits(items []workspace.Item, areas workspace.BuildableAreaSet, limits Limits, enabled bool) LimitIssues {
	issues := LimitIssues{OutOfBoundsItemIDs: []string{}, OversizedGroups: []int{}}
	if !enabled || len(items) == 0 {
		return issues
	}
	maxGroup := limits.MaxGroupSize
	if maxGroup <= 0 {
		maxGroup = DefaultMaxGroupSize
	}

	counts := map[int]int{}
	var order []int
	for _, it := range items {
		if !it.Grouped() {
			continue
		}
		if _, seen := counts[it.GroupID]; !seen {
			order = append(order, it.GroupID)
		}
		counts[it.GroupID]++
	}
	for _, gid := range order {
		if counts[gid] > maxGroup {
			issues.OversizedGroups = append(issues.OversizedGroups, gid)
		}
	}

	polys := areas.Polygons()
	for _, it := range items {
		if !geometry.InRange(it.Z, limits.ZMin, limits.ZMax) {
			issues.OutOfBoundsItemIDs = append(issues.OutOfBoundsItemIDs, it.ID)
			continue
		}
		if len(polys) > 0 && !geometry.InAnyPolygon(geometry.Point{X: it.X, Y: it.Y}, polys) {
			issues.OutOfBoundsItemIDs = append(issues.OutOfBoundsItemIDs, it.ID)
		}
	}
	return issues
}
