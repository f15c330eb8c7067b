// utils/media.go
package utils

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2bTwist/chally/models"
)

var ErrUnsupportedMedia = errors.New("unsupported media type")

var extForMime = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
}

// SniffImageMime detects the content type of uploaded bytes and restricts
// proofs to the formats the verification pipeline understands.
func SniffImageMime(data []byte) (string, error) {
	mime := http.DetectContentType(data)
	if _, ok := extForMime[mime]; !ok {
		return "", ErrUnsupportedMedia
	}
	return mime, nil
}

func ExtForMime(mime string) string {
	if ext, ok := extForMime[mime]; ok {
		return ext
	}
	return "bin"
}

// CaptureTimeExtractor turns proof metadata into the wall-clock instant the
// media was captured, when one is present. Keeping format-specific parsing
// behind this interface isolates it from the verification logic.
type CaptureTimeExtractor interface {
	CaptureTime(meta models.SubmissionMeta) (time.Time, bool)
}

// ExifDateTimeParser reads the EXIF DateTimeOriginal convention
// ("2006:01:02 15:04:05"). Cameras record local wall clock with no zone;
// callers interpret the result in the governing timezone.
type ExifDateTimeParser struct{}

func (ExifDateTimeParser) CaptureTime(meta models.SubmissionMeta) (time.Time, bool) {
	raw := strings.TrimSpace(strings.ReplaceAll(meta.CaptureTime, "\x00", ""))
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006:01:02 15:04:05", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
