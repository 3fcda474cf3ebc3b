// Package checksum derives content fingerprints and the image ids seeded by them.
package checksum

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/hex"
	"io"
)

// IDPrefix is prepended to the short fingerprint to form an image id.
const IDPrefix = "img_"

// Sum returns the hex-encoded MD5 digest of data.
func Sum(data []byte) string {
	h := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(h[:])
}

// SumReader hashes everything readable from r.
func SumReader(r io.Reader) (string, error) {
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ImageID returns the stable image id for a content hash.
// Ids follow content, so a renamed file keeps its id.
func ImageID(hash string) string {
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return IDPrefix + hash
}
