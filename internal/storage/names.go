package storage

import (
	"fmt"
	"math/rand/v2"
	"path"
	"strings"
	"time"
)

const alnum = "abcdefghijklmnopqrstuvwxyz0123456789"

// localName builds an upload name of the form img-<millis>-<random><ext>.
func localName(original string, now time.Time) string {
	ext := strings.ToLower(path.Ext(original))
	return fmt.Sprintf("img-%d-%09d%s", now.UnixMilli(), rand.IntN(1_000_000_000), ext)
}

// remoteName keeps the sanitized original base so commits stay readable:
// <base>_<millis>_<rand6><ext>.
func remoteName(original string, now time.Time) string {
	ext := strings.ToLower(path.Ext(original))
	base := sanitize(strings.TrimSuffix(path.Base(original), path.Ext(original)))
	if base == "" {
		base = "image"
	}
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = alnum[rand.IntN(len(alnum))]
	}
	return fmt.Sprintf("%s_%d_%s%s", base, now.UnixMilli(), suffix, ext)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
