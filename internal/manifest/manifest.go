// Package manifest builds, encodes and validates gallery manifests.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/models"
)

// Decode parses a manifest document and checks its invariants.
// Any violation is reported as apperr.ErrMalformed.
func Decode(data []byte) (*models.Manifest, error) {
	var m models.Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w: %v", apperr.ErrMalformed, err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	if m.Images == nil {
		m.Images = []models.ImageRecord{}
	}
	return &m, nil
}

// Validate checks count and id uniqueness.
func Validate(m *models.Manifest) error {
	if m.Count != len(m.Images) {
		return fmt.Errorf("manifest: count %d != %d images: %w", m.Count, len(m.Images), apperr.ErrMalformed)
	}
	seen := make(map[string]struct{}, len(m.Images))
	for _, img := range m.Images {
		if img.ID == "" {
			return fmt.Errorf("manifest: image %q without id: %w", img.Path, apperr.ErrMalformed)
		}
		if _, dup := seen[img.ID]; dup {
			return fmt.Errorf("manifest: duplicate id %s: %w", img.ID, apperr.ErrMalformed)
		}
		seen[img.ID] = struct{}{}
	}
	return nil
}

// Encode renders the manifest as indented JSON.
func Encode(m *models.Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	return append(data, '\n'), nil
}

// Sort orders images newest first; equal capture times fall back to id.
func Sort(images []models.ImageRecord) {
	sort.SliceStable(images, func(i, j int) bool {
		a, b := images[i], images[j]
		if !a.Created.Equal(b.Created) {
			return a.Created.After(b.Created)
		}
		return a.ID < b.ID
	})
}
