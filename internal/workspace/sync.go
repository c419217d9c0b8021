package workspace

import "encoding/json"

// SchemeMeta is the per-scheme metadata sent on every sync; it never carries items.
type SchemeMeta struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FilePath     string `json:"filePath,omitempty"`
	LastModified int64  `json:"lastModified,omitempty"`
}

type SyncMeta struct {
	Schemes        []SchemeMeta `json:"schemes"`
	ActiveSchemeID *string      `json:"activeSchemeId"`
	Tabs           []TabMeta    `json:"tabs"`
	ActiveTabID    *string      `json:"activeTabId"`
}

// SchemeContent is the full content of the scheme being edited.
type SchemeContent struct {
	ID                string          `json:"id"`
	Items             []Item          `json:"items"`
	SelectedItemIDs   []string        `json:"selectedItemIds"`
	CurrentViewConfig json.RawMessage `json:"currentViewConfig,omitempty"`
	ViewState         json.RawMessage `json:"viewState,omitempty"`
}

// UpdatePayload is one incremental sync from the interactive side.
type UpdatePayload struct {
	Meta             SyncMeta       `json:"meta"`
	ActiveSchemeData *SchemeContent `json:"activeSchemeData,omitempty"`
	Immediate        bool           `json:"immediate"`
}
