package manifest

import (
	"bytes"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// captureTime returns the EXIF original capture time when the image carries
// one, falling back to the DateTime tag. EXIF timestamps have no offset, so
// they are read as UTC unless the maker notes name a zone. The result does
// not depend on the host timezone.
func captureTime(data []byte) (time.Time, bool) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return time.Time{}, false
	}
	tag, err := x.Get(exif.DateTimeOriginal)
	if err != nil {
		if tag, err = x.Get(exif.DateTime); err != nil {
			return time.Time{}, false
		}
	}
	raw, err := tag.StringVal()
	if err != nil {
		return time.Time{}, false
	}
	loc := time.UTC
	if tz, _ := x.TimeZone(); tz != nil {
		loc = tz
	}
	t, err := time.ParseInLocation(exifTimeLayout, strings.TrimRight(raw, "\x00 "), loc)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}
