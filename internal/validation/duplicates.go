package validation

import "github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"

// dupKey compares with exact float equality; positions are the literal numbers the game
// exported, so no tolerance is applied.
type dupKey struct {
	gameID           int64
	x, y, z          float64
	roll, pitch, yaw float64
	sx, sy, sz       float64
}

func keyOf(it workspace.Item) dupKey {
	return dupKey{
		gameID: it.GameID,
		x:      it.X, y: it.Y, z: it.Z,
		roll: it.Rotation.Roll, pitch: it.Rotation.Pitch, yaw: it.Rotation.Yaw,
		sx: it.Scale.X, sy: it.Scale.Y, sz: it.Scale.Z,
	}
}

// DetectDuplicates groups item ids sharing identical placement and appearance. Only groups
// with more than one member are returned. Members keep input order, so index 0 of each group
// is the original; groups are ordered by their first member.
func DetectDuplicates(items []workspace.Item, enabled bool) [][]string {
	if !enabled || len(items) == 0 {
		return [][]string{}
	}
	index := make(map[dupKey]int, len(items))
	buckets := make([][]string, 0, len(items))
	for _, it := range items {
		k := keyOf(it)
		if i, ok := index[k]; ok {
			buckets[i] = append(buckets[i], it.ID)
			continue
		}
		index[k] = len(buckets)
		buckets = append(buckets, []string{it.ID})
	}
	out := [][]string{}
	for _, b := range buckets {
		if len(b) > 1 {
			out = append(out, b)
		}
	}
	return out
}
