package transcode

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/grafov/m3u8"
)

// ValidatePlaylist checks that path is a media playlist with at least one
// segment and that every segment it lists exists next to it.
func ValidatePlaylist(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open playlist: %w", err)
	}
	defer f.Close()

	p, listType, err := m3u8.DecodeFrom(f, true)
	if err != nil {
		return fmt.Errorf("failed to decode playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return fmt.Errorf("playlist %s is not a media playlist", path)
	}

	media := p.(*m3u8.MediaPlaylist)
	dir := filepath.Dir(path)
	count := 0
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		count++
		if _, err := os.Stat(filepath.Join(dir, seg.URI)); err != nil {
			return fmt.Errorf("segment %s missing: %w", seg.URI, err)
		}
	}
	if count == 0 {
		return fmt.Errorf("playlist %s has no segments", path)
	}
	return nil
}
