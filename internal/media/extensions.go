// Package media holds the file-extension rules that decide which downloads
// count as video and which can be played without transcoding.
package media

import (
	"path/filepath"
	"strings"
)

// Extensions is an immutable pair of extension sets. The direct-play set is
// always a subset of the video set.
type Extensions struct {
	video      map[string]bool
	directPlay map[string]bool
}

func NewExtensions(video, directPlay []string) *Extensions {
	e := &Extensions{
		video:      make(map[string]bool, len(video)),
		directPlay: make(map[string]bool, len(directPlay)),
	}
	for _, ext := range video {
		e.video[normalize(ext)] = true
	}
	for _, ext := range directPlay {
		if ext = normalize(ext); e.video[ext] {
			e.directPlay[ext] = true
		}
	}
	return e
}

func normalize(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// IsVideo reports whether the path ends in a supported video extension.
func (e *Extensions) IsVideo(path string) bool {
	return e.video[strings.ToLower(filepath.Ext(path))]
}

// NeedsTranscode is true for videos outside the direct-play set.
func (e *Extensions) NeedsTranscode(path string) bool {
	return !e.directPlay[strings.ToLower(filepath.Ext(path))]
}
