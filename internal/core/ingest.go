package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"anisphere/internal/clients/torrent"
	"anisphere/internal/database/models"
	"anisphere/internal/media"
	"anisphere/internal/utils"
)

var ErrInvalidHash = errors.New("invalid torrent hash")

var hashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// IngestStore is what the completion webhook needs from the task store.
type IngestStore interface {
	FindByTorrentHash(ctx context.Context, hash string) ([]models.Task, error)
	CreateMany(ctx context.Context, tasks []*models.Task) error
}

type IngestOutcome string

const (
	OutcomeIgnored   IngestOutcome = "ignored"
	OutcomeDuplicate IngestOutcome = "already_processed"
	OutcomeNoVideo   IngestOutcome = "no_video_files"
	OutcomeCreated   IngestOutcome = "created"
)

type IngestResult struct {
	Outcome IngestOutcome  `json:"outcome"`
	Tasks   []*models.Task `json:"tasks,omitempty"`
}

// Ingestor turns a completion callback from the torrent client into one
// pending task per video file in the torrent.
type Ingestor struct {
	store      IngestStore
	client     torrent.TorrentClient
	extensions *media.Extensions
	tag        string
	logger     *utils.Logger
}

func NewIngestor(store IngestStore, client torrent.TorrentClient, extensions *media.Extensions, tag string, logger *utils.Logger) *Ingestor {
	return &Ingestor{
		store:      store,
		client:     client,
		extensions: extensions,
		tag:        tag,
		logger:     logger,
	}
}

// Handle processes one completion event. Events for other tags, and repeat
// events for a hash that already has tasks, succeed without doing anything.
func (i *Ingestor) Handle(ctx context.Context, hash, tags string) (*IngestResult, error) {
	if !hasTag(tags, i.tag) {
		i.logger.Debug("Ignoring completion for", hash, "with tags", tags)
		return &IngestResult{Outcome: OutcomeIgnored}, nil
	}

	hash = strings.ToLower(strings.TrimSpace(hash))
	if !hashPattern.MatchString(hash) {
		return nil, ErrInvalidHash
	}

	existing, err := i.store.FindByTorrentHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("look up tasks for %s: %w", hash, err)
	}
	if len(existing) > 0 {
		i.logger.Info("Torrent", hash, "already processed")
		return &IngestResult{Outcome: OutcomeDuplicate}, nil
	}

	info, err := i.client.GetInfo(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get torrent info: %w", err)
	}
	if info == nil {
		return nil, fmt.Errorf("torrent %s not found in client", hash)
	}

	files, err := i.client.ListFiles(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("list torrent files: %w", err)
	}

	var tasks []*models.Task
	for _, f := range files {
		if !i.extensions.IsVideo(f.Name) {
			continue
		}
		index := f.Index
		h := hash
		tasks = append(tasks, &models.Task{
			TorrentHash:    &h,
			FileIndex:      &index,
			Filename:       utils.SanitizeFilename(lastSegment(f.Name)),
			FilePath:       joinClientPath(info.SavePath, f.Name),
			FileSize:       f.Size,
			NeedsTranscode: i.extensions.NeedsTranscode(f.Name),
			Status:         models.StatusPending,
		})
	}
	if len(tasks) == 0 {
		i.logger.Info("Torrent", hash, "has no video files")
		return &IngestResult{Outcome: OutcomeNoVideo}, nil
	}

	if err := i.store.CreateMany(ctx, tasks); err != nil {
		if errors.Is(err, models.ErrDuplicateTask) {
			i.logger.Info("Torrent", hash, "was processed by a concurrent delivery")
			return &IngestResult{Outcome: OutcomeDuplicate}, nil
		}
		return nil, fmt.Errorf("create tasks: %w", err)
	}
	i.logger.Info("Created", len(tasks), "tasks for torrent", info.Name)
	return &IngestResult{Outcome: OutcomeCreated, Tasks: tasks}, nil
}

// hasTag reports whether want is one of the comma separated tags.
func hasTag(tags, want string) bool {
	for _, t := range strings.Split(tags, ",") {
		if strings.TrimSpace(t) == want {
			return true
		}
	}
	return false
}

func lastSegment(name string) string {
	name = strings.TrimRight(name, `/\`)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}
