// Package models holds the manifest and delta types shared across the service.
package models

import "time"

// ImageRecord is one entry in a manifest.
type ImageRecord struct {
	ID       string    `json:"id"`
	Filename string    `json:"filename"`
	Path     string    `json:"path"`
	Src      string    `json:"src"`
	Title    string    `json:"title"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Hash     string    `json:"hash"`
}

// Manifest is the authoritative, versioned list of images.
type Manifest struct {
	Generated time.Time     `json:"generated"`
	Count     int           `json:"count"`
	Version   int64         `json:"version"`
	Images    []ImageRecord `json:"images"`
}

// Summary returns the metadata block attached to sync_complete events.
func (m *Manifest) Summary() ManifestSummary {
	return ManifestSummary{TotalImages: m.Count, LastModified: m.Generated}
}

// ByID returns the image with the given id.
func (m *Manifest) ByID(id string) (ImageRecord, bool) {
	for _, img := range m.Images {
		if img.ID == id {
			return img, true
		}
	}
	return ImageRecord{}, false
}

// ManifestSummary is the short description of a manifest.
type ManifestSummary struct {
	TotalImages  int       `json:"totalImages"`
	LastModified time.Time `json:"lastModified"`
}

// CountChange records a change in manifest cardinality.
type CountChange struct {
	Old int `json:"old"`
	New int `json:"new"`
}

// DeltaMetadata holds informational manifest-level changes.
type DeltaMetadata struct {
	Count *CountChange `json:"count,omitempty"`
}

// SyncDelta is the structured difference between two manifests.
type SyncDelta struct {
	Added    []ImageRecord `json:"added"`
	Updated  []ImageRecord `json:"updated"`
	Deleted  []ImageRecord `json:"deleted"`
	Metadata DeltaMetadata `json:"metadata"`
}

// Empty reports whether the delta carries no record changes.
func (d SyncDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}
