// Package workspace holds the data model shared by the canonical store, the validation
// engine, the snapshot codec and the wire protocol.
package workspace

import (
	"encoding/json"
	"time"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/geometry"
)

// SchemaVersion is the only snapshot version the engine restores. Snapshots carrying any
// other version are discarded on load.
const SchemaVersion = 1

type Rotation struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

type Scale struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Item is one placed furniture instance. Extra carries editor-only attributes the engine
// stores verbatim and never inspects.
type Item struct {
	ID       string          `json:"id"`
	GameID   int64           `json:"gameId"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	Z        float64         `json:"z"`
	GroupID  int             `json:"groupId,omitempty"`
	Rotation Rotation        `json:"rotation"`
	Scale    Scale           `json:"scale"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// Grouped reports whether the item belongs to a group. Zero and negative ids mean ungrouped.
func (it Item) Grouped() bool { return it.GroupID > 0 }

type HomeScheme struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	FilePath          string          `json:"filePath,omitempty"`
	LastModified      int64           `json:"lastModified,omitempty"`
	Items             []Item          `json:"items"`
	SelectedItemIDs   []string        `json:"selectedItemIds"`
	CurrentViewConfig json.RawMessage `json:"currentViewConfig,omitempty"`
	ViewState         json.RawMessage `json:"viewState,omitempty"`
}

type TabMeta struct {
	ID       string `json:"id"`
	Type     string `json:"type,omitempty"`
	SchemeID string `json:"schemeId,omitempty"`
	Title    string `json:"title,omitempty"`
}

type EditorState struct {
	Schemes        []HomeScheme `json:"schemes"`
	ActiveSchemeID *string      `json:"activeSchemeId"`
}

type TabState struct {
	Tabs        []TabMeta `json:"tabs"`
	ActiveTabID *string   `json:"activeTabId"`
}

// Snapshot is the root persisted unit.
type Snapshot struct {
	Version   int         `json:"version"`
	UpdatedAt int64       `json:"updatedAt"`
	Editor    EditorState `json:"editor"`
	Tab       TabState    `json:"tab"`
}

// NewSnapshot returns an empty workspace at the current schema version.
func NewSnapshot(now time.Time) Snapshot {
	return Snapshot{
		Version:   SchemaVersion,
		UpdatedAt: now.UnixMilli(),
		Editor:    EditorState{Schemes: []HomeScheme{}},
		Tab:       TabState{Tabs: []TabMeta{}},
	}
}

// Scheme returns a pointer into the scheme list, or nil.
func (s *Snapshot) Scheme(id string) *HomeScheme {
	for i := range s.Editor.Schemes {
		if s.Editor.Schemes[i].ID == id {
			return &s.Editor.Schemes[i]
		}
	}
	return nil
}

// ActiveScheme returns the active scheme, or nil when none is active or the id is stale.
func (s *Snapshot) ActiveScheme() *HomeScheme {
	if s.Editor.ActiveSchemeID == nil {
		return nil
	}
	return s.Scheme(*s.Editor.ActiveSchemeID)
}

// ItemCount sums items over all schemes.
func (s *Snapshot) ItemCount() int {
	n := 0
	for _, sc := range s.Editor.Schemes {
		n += len(sc.Items)
	}
	return n
}

type Settings struct {
	EnableDuplicateDetection bool `json:"enableDuplicateDetection"`
	EnableLimitDetection     bool `json:"enableLimitDetection"`
	EnableAutoSave           bool `json:"enableAutoSave"`
}

// DefaultSettings enables every check and auto-save.
func DefaultSettings() Settings {
	return Settings{
		EnableDuplicateDetection: true,
		EnableLimitDetection:     true,
		EnableAutoSave:           true,
	}
}

// ValidationEnabled reports whether at least one check is on.
func (s Settings) ValidationEnabled() bool {
	return s.EnableDuplicateDetection || s.EnableLimitDetection
}

// SettingsPatch is a partial Settings update; nil fields are left unchanged.
type SettingsPatch struct {
	EnableDuplicateDetection *bool `json:"enableDuplicateDetection,omitempty"`
	EnableLimitDetection     *bool `json:"enableLimitDetection,omitempty"`
	EnableAutoSave           *bool `json:"enableAutoSave,omitempty"`
}

func (s Settings) Apply(p SettingsPatch) Settings {
	if p.EnableDuplicateDetection != nil {
		s.EnableDuplicateDetection = *p.EnableDuplicateDetection
	}
	if p.EnableLimitDetection != nil {
		s.EnableLimitDetection = *p.EnableLimitDetection
	}
	if p.EnableAutoSave != nil {
		s.EnableAutoSave = *p.EnableAutoSave
	}
	return s
}

// BuildableAreaSet maps an area name to its polygon.
type BuildableAreaSet map[string]geometry.Polygon

// Polygons flattens the set; order is irrelevant to containment.
func (a BuildableAreaSet) Polygons() []geometry.Polygon {
	if len(a) == 0 {
		return nil
	}
	out := make([]geometry.Polygon, 0, len(a))
	for _, p := range a {
		out = append(out, p)
	}
	return out
}
