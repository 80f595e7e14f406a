package torrent

import (
	"context"
	"errors"
	"fmt"
)

// TorrentClient is the subset of a BitTorrent client the pipeline drives.
// Hashes are always 40 lowercase hex characters.
type TorrentClient interface {
	ComputeHash(ctx context.Context, uri string) (string, error)
	AddDownload(ctx context.Context, uri string) (string, error)
	// GetInfo returns nil without an error when the client does not know the hash.
	GetInfo(ctx context.Context, hash string) (*TorrentInfo, error)
	ListFiles(ctx context.Context, hash string) ([]FileEntry, error)
	SetFilePriority(ctx context.Context, hash string, indices []int, priority int) error
	PauseDownload(ctx context.Context, hash string) error
	ResumeDownload(ctx context.Context, hash string) error
	DeleteDownload(ctx context.Context, hash string, deleteFiles bool) error
	TestConnection(ctx context.Context) error
}

type TorrentInfo struct {
	Hash        string  `json:"hash"`
	Name        string  `json:"name"`
	Progress    float64 `json:"progress"`
	State       string  `json:"state"`
	SavePath    string  `json:"save_path"`
	ContentPath string  `json:"content_path"`
	Size        int64   `json:"size"`
	Tags        string  `json:"tags"`
}

type FileEntry struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
}

// qBittorrent file priorities.
const (
	PrioritySkip   = 0
	PriorityNormal = 1
)

// StateMetadata is reported while a magnet is still fetching its metadata.
const StateMetadata = "metaDL"

var seedingStates = map[string]bool{
	"uploading": true,
	"stalledUP": true,
	"pausedUP":  true,
	"stoppedUP": true,
	"queuedUP":  true,
	"forcedUP":  true,
}

// IsComplete reports a finished download that the client is seeding or holding.
func (t *TorrentInfo) IsComplete() bool {
	return t.Progress >= 1 && seedingStates[t.State]
}

var (
	ErrUnauthorized  = errors.New("torrent client rejected credentials")
	ErrTorrentExists = errors.New("torrent already exists in client")
	ErrInvalidLink   = errors.New("invalid torrent link")
)

// APIError is a non-success response from the client's Web API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("qbittorrent %s failed with status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("qbittorrent %s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}
