package types

import "encoding/json"

// EntryKind is the listing tag of a raw entry
type EntryKind string

const (
	EntryKindFile    EntryKind = "file"
	EntryKindFolder  EntryKind = "folder"
	EntryKindDeleted EntryKind = "deleted"
)

// LifecycleState marks whether a record was seen by the latest traversal
type LifecycleState string

const (
	LifecycleActive  LifecycleState = "active"
	LifecycleDeleted LifecycleState = "deleted"
)

// ListingEntry is one raw entry of a list_folder page
type ListingEntry struct {
	Kind                 EntryKind `json:".tag"`
	ID                   string    `json:"id,omitempty"`
	Name                 string    `json:"name"`
	PathDisplay          string    `json:"path_display,omitempty"`
	PathLower            string    `json:"path_lower,omitempty"`
	Size                 int64     `json:"size,omitempty"`
	ContentHash          string    `json:"content_hash,omitempty"`
	Rev                  string    `json:"rev,omitempty"`
	ClientModified       string    `json:"client_modified,omitempty"`
	ServerModified       string    `json:"server_modified,omitempty"`
	ParentSharedFolderID string    `json:"parent_shared_folder_id,omitempty"`
	IsDownloadable       *bool     `json:"is_downloadable,omitempty"`
}

// Scope is a top-level subtree walked independently, a team folder
type Scope struct {
	ID     string           `json:"team_folder_id"`
	Name   string           `json:"name"`
	Status TeamFolderStatus `json:"status,omitempty"`
}

// TeamFolderStatus is the tag of a team folder's status union
type TeamFolderStatus string

const (
	TeamFolderActive   TeamFolderStatus = "active"
	TeamFolderArchived TeamFolderStatus = "archived"
)

// MarshalJSON encodes the status as a tagged union
func (s TeamFolderStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{".tag": string(s)})
}

// UnmarshalJSON accepts the tagged union or a bare string
func (s *TeamFolderStatus) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		*s = TeamFolderStatus(tag)
		return nil
	}
	var union struct {
		Tag string `json:".tag"`
	}
	if err := json.Unmarshal(data, &union); err != nil {
		return err
	}
	*s = TeamFolderStatus(union.Tag)
	return nil
}

// NormalizedRecord is the document stored in the index, keyed by ID
type NormalizedRecord struct {
	ID                   string         `json:"id"`
	Tag                  EntryKind      `json:"tag"`
	Name                 string         `json:"name"`
	PathDisplay          string         `json:"path_display"`
	PathLower            string         `json:"path_lower"`
	Size                 int64          `json:"size"`
	ContentHash          string         `json:"content_hash,omitempty"`
	Rev                  string         `json:"rev,omitempty"`
	ClientModified       string         `json:"client_modified,omitempty"`
	ServerModified       string         `json:"server_modified,omitempty"`
	ParentSharedFolderID string         `json:"parent_shared_folder_id,omitempty"`
	IsDownloadable       bool           `json:"is_downloadable"`
	Extension            string         `json:"extension"`
	BaseFolder           string         `json:"base_folder"`
	Depth                int            `json:"depth"`
	ParentPath           string         `json:"parent_path"`
	LifecycleState       LifecycleState `json:"lifecycle_state"`
	ObservedAt           string         `json:"observed_at"`
}

// IsActiveFile reports whether the record belongs in the file report
func (r NormalizedRecord) IsActiveFile() bool {
	return r.Tag == EntryKindFile && r.LifecycleState == LifecycleActive
}
