package domain

import "time"

// Storage provider names as persisted on asset rows.
const (
	StorageProviderFS = "fs"
	StorageProviderS3 = "s3"
)

// Asset is a deduplicated, content-addressed blob record. The asset ID is the
// SHA-256 hex digest of the bytes, so identical content always maps to one row.
type Asset struct {
	AssetID         string
	Kind            string
	Filename        string
	ContentHash     string
	ByteSize        int64
	MimeType        string
	StorageProvider string
	StorageKey      string
	Meta            map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// Deleted reports whether the asset has been soft-deleted.
func (a *Asset) Deleted() bool {
	return a.DeletedAt != nil
}

// MetadataEntry is one element of the append-only meta.metadata list kept on
// an asset. Field names are part of the persisted JSON shape.
type MetadataEntry struct {
	Source     string `json:"Source"`
	Type       string `json:"Type"`
	Name       string `json:"Name"`
	NameHashes any    `json:"NameHashes"`
	Data       any    `json:"Data"`
}

// NewSidecarEntry builds the metadata entry recorded for a user-provided
// sidecar JSON file.
func NewSidecarEntry(name string, data any) MetadataEntry {
	if name == "" {
		name = "_meta.json"
	}
	return MetadataEntry{
		Source: "UserSidecar",
		Type:   "JsonMetadata",
		Name:   name,
		Data:   data,
	}
}
