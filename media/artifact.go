// clipforge/media/artifact.go
package media

import (
	"os"
	"path"
	"regexp"
	"strings"
)

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindImage Kind = "image"
	KindGIF   Kind = "gif"
)

// Artifact is a media file produced by one pipeline stage and owned by the
// next. The final owner is responsible for deleting it.
type Artifact struct {
	Path string
	Size int64
	Kind Kind
}

// FromFile stats path and returns an artifact of the given kind.
func FromFile(p string, kind Kind) (Artifact, error) {
	info, err := os.Stat(p)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: p, Size: info.Size(), Kind: kind}, nil
}

func (a Artifact) SizeMB() float64 {
	return float64(a.Size) / (1024 * 1024)
}

var (
	unsafeChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// SanitizeFilename strips directory components and query/fragment suffixes
// and replaces filesystem-unsafe characters and whitespace with underscores.
func SanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	if i := strings.IndexByte(base, '#'); i >= 0 {
		base = base[:i]
	}
	base = unsafeChars.ReplaceAllString(base, "_")
	base = whitespace.ReplaceAllString(base, "_")
	return base
}

// IsVideoFile reports whether name has a recognized video extension.
func IsVideoFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".mp4", ".mov", ".avi", ".mkv", ".webm"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
