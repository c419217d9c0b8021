// Package areas loads buildable-area polygons from a YAML or JSON file and reloads them when
// the file changes.
package areas

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/geometry"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

// Load reads a mapping of area name to vertex list, e.g.
//
//	yard: [[0, 0], [100, 0], [100, 80], [0, 80]]
//
// JSON files parse the same way. An empty file yields an empty set.
func Load(path string) (workspace.BuildableAreaSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (workspace.BuildableAreaSet, error) {
	out := workspace.BuildableAreaSet{}
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}
	var raw map[string][][]float64
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse areas: %w", err)
	}
	for name, verts := range raw {
		if name == "" {
			return nil, fmt.Errorf("parse areas: empty area name")
		}
		out[name] = geometry.Polygon(verts)
	}
	return out, nil
}
