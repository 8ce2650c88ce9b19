package model

// WorkItem kinds.
const (
	KindFolder     = "folder"
	KindSingleFile = "single_file"
)

// WorkItem is one unit of pipeline work, keyed by Identity.
type WorkItem struct {
	Identity     string `json:"identity"`
	Kind         string `json:"kind"`
	SizeHint     int64  `json:"size_hint"`
	EpisodeCount int    `json:"episode_count,omitempty"`
	DiscoveredAt string `json:"discovered_at"`
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// QueueManifest is the canonical persisted work queue state file.
type QueueManifest struct {
	SchemaVersion int        `json:"schema_version"`
	UpdatedAt     string     `json:"updated_at,omitempty"`
	Pending       int        `json:"pending"`
	InProgress    int        `json:"in_progress"`
	Done          int        `json:"done"`
	Failed        int        `json:"failed"`
	Items         []WorkItem `json:"items"`
}

// StabilityRecord tracks one remote folder across scans.
type StabilityRecord struct {
	FolderID      string `json:"folder_id"`
	Signature     string `json:"signature"`
	FileCount     int    `json:"file_count"`
	TotalSize     int64  `json:"total_size"`
	FirstSeenAt   string `json:"first_seen_at"`
	LastChangedAt string `json:"last_changed_at"`
}

// StabilityState is the persisted detector state file.
type StabilityState struct {
	SchemaVersion int                        `json:"schema_version"`
	LastScanAt    string                     `json:"last_scan_at,omitempty"`
	Folders       map[string]StabilityRecord `json:"folders"`
}

// Batch is one contiguous partition of a WorkItem's episodes. Parts are
// 1-based; PartCount is 1 when the item fits in a single batch.
type Batch struct {
	ParentIdentity string   `json:"parent_identity"`
	PartIndex      int      `json:"part_index"`
	PartCount      int      `json:"part_count"`
	Episodes       []string `json:"episodes"`
}

// Checkpoint is the durable per-item progress marker. Episodes is pinned
// on the first run so batch planning stays identical across resumes.
// PartsDone counts batch parts that finished the whole stage sequence;
// CompletedStage and LocalPaths describe the part currently in flight.
type Checkpoint struct {
	Identity       string              `json:"identity"`
	PartsDone      int                 `json:"parts_done,omitempty"`
	CompletedStage string              `json:"completed_stage"`
	ArchivesPacked int                 `json:"archives_packed,omitempty"`
	Episodes       []string            `json:"episodes,omitempty"`
	LocalPaths     map[string][]string `json:"local_paths,omitempty"`
	UpdatedAt      string              `json:"updated_at,omitempty"`
}
