package core

import (
	"context"
	"fmt"
	"math"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"anisphere/internal/clients/torrent"
	"anisphere/internal/database/models"
	"anisphere/internal/media"
	"anisphere/internal/utils"
)

// MonitorStore is what the download monitor reads and writes.
type MonitorStore interface {
	ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	FindByID(ctx context.Context, id int64) (*models.Task, error)
	UpdateDownloadProgress(ctx context.Context, id int64, progress int) error
	MarkDownloaded(ctx context.Context, id int64, filePath, filename string, size int64, needsTranscode bool) error
	MarkFailed(ctx context.Context, id int64, message string, failedAt *models.TaskStatus) error
}

// Monitor polls the torrent client for every downloading task and moves
// finished ones on. A failure on one task never stops the rest of the cycle.
type Monitor struct {
	store      MonitorStore
	client     torrent.TorrentClient
	extensions *media.Extensions
	logger     *utils.Logger

	mu           sync.Mutex
	prioritized  map[int64]bool
	onDownloaded func(models.Task)
}

func NewMonitor(store MonitorStore, client torrent.TorrentClient, extensions *media.Extensions, logger *utils.Logger) *Monitor {
	return &Monitor{
		store:       store,
		client:      client,
		extensions:  extensions,
		logger:      logger,
		prioritized: make(map[int64]bool),
	}
}

// OnDownloaded sets the hook called after a task reaches downloaded.
func (m *Monitor) OnDownloaded(fn func(models.Task)) {
	m.mu.Lock()
	m.onDownloaded = fn
	m.mu.Unlock()
}

// Run performs one polling cycle.
func (m *Monitor) Run(ctx context.Context) {
	tasks, err := m.store.ListByStatus(ctx, models.StatusDownloading)
	if err != nil {
		m.logger.Error("Failed to get downloading tasks:", err)
		return
	}
	m.prune(tasks)
	if len(tasks) == 0 {
		return
	}
	m.logger.Debug("Checking", len(tasks), "downloading tasks")

	for _, task := range tasks {
		if err := m.checkTask(ctx, task); err != nil {
			m.logger.Error("Failed to check task", task.ID, ":", err)
		}
	}
}

func (m *Monitor) checkTask(ctx context.Context, task models.Task) error {
	if task.TorrentHash == nil || *task.TorrentHash == "" {
		m.logger.Warn("Task", task.ID, "is downloading without a torrent hash")
		m.forget(task.ID)
		return m.store.MarkFailed(ctx, task.ID, "missing torrent hash", models.StatusPtr(models.StatusDownloading))
	}
	hash := *task.TorrentHash

	info, err := m.client.GetInfo(ctx, hash)
	if err != nil {
		return fmt.Errorf("get torrent info %s: %w", hash, err)
	}
	if info == nil {
		m.logger.Warn("Torrent", hash, "for task", task.ID, "not found in client")
		return nil
	}
	if info.State == torrent.StateMetadata {
		return nil
	}

	if !info.IsComplete() {
		m.skipNonVideoFiles(ctx, task.ID, hash)
		progress := int(math.Round(info.Progress * 100))
		if progress > 100 {
			progress = 100
		}
		if progress != task.DownloadProgress {
			return m.store.UpdateDownloadProgress(ctx, task.ID, progress)
		}
		return nil
	}

	contentPath := info.ContentPath
	if contentPath == "" {
		contentPath = joinClientPath(info.SavePath, info.Name)
	}
	if !m.extensions.IsVideo(contentPath) {
		ext := strings.ToLower(filepath.Ext(contentPath))
		if ext == "" {
			ext = "none"
		}
		m.logger.Warn("Task", task.ID, "downloaded unsupported content", contentPath)
		m.forget(task.ID)
		return m.store.MarkFailed(ctx, task.ID, fmt.Sprintf("unsupported file format: %s", ext), nil)
	}

	filename := utils.SanitizeFilename(filepath.Base(contentPath))
	if err := m.store.MarkDownloaded(ctx, task.ID, contentPath, filename, info.Size, m.extensions.NeedsTranscode(contentPath)); err != nil {
		return err
	}
	m.forget(task.ID)
	m.logger.Info("Download complete for task", task.ID, ":", contentPath)

	m.mu.Lock()
	hook := m.onDownloaded
	m.mu.Unlock()
	if hook != nil {
		updated, err := m.store.FindByID(ctx, task.ID)
		if err != nil || updated == nil {
			return fmt.Errorf("reload downloaded task: %v", err)
		}
		hook(*updated)
	}
	return nil
}

// skipNonVideoFiles sets priority 0 on the non-video files of a multi-file
// torrent. A task is only remembered once that succeeded, so client errors
// are retried on the next cycle.
func (m *Monitor) skipNonVideoFiles(ctx context.Context, id int64, hash string) {
	m.mu.Lock()
	done := m.prioritized[id]
	m.mu.Unlock()
	if done {
		return
	}

	files, err := m.client.ListFiles(ctx, hash)
	if err != nil {
		m.logger.Warn("Could not list files for", hash, ":", err)
		return
	}
	if len(files) == 0 {
		return
	}
	var skip []int
	for _, f := range files {
		if !m.extensions.IsVideo(f.Name) && f.Priority != torrent.PrioritySkip {
			skip = append(skip, f.Index)
		}
	}
	if len(skip) > 0 && len(skip) < len(files) {
		if err := m.client.SetFilePriority(ctx, hash, skip, torrent.PrioritySkip); err != nil {
			m.logger.Warn("Could not skip non-video files for", hash, ":", err)
			return
		}
		m.logger.Info("Skipping", len(skip), "non-video files in", hash)
	}

	m.mu.Lock()
	m.prioritized[id] = true
	m.mu.Unlock()
}

// prune drops remembered tasks that are no longer downloading.
func (m *Monitor) prune(downloading []models.Task) {
	keep := make(map[int64]bool, len(downloading))
	for _, t := range downloading {
		keep[t.ID] = true
	}
	m.mu.Lock()
	for id := range m.prioritized {
		if !keep[id] {
			delete(m.prioritized, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) forget(id int64) {
	m.mu.Lock()
	delete(m.prioritized, id)
	m.mu.Unlock()
}

// joinClientPath joins paths reported by the torrent client, which may run
// on another OS, keeping its separator style.
func joinClientPath(dir, name string) string {
	if dir == "" {
		return name
	}
	if strings.Contains(dir, `\`) && !strings.Contains(dir, "/") {
		return strings.TrimRight(dir, `\`) + `\` + name
	}
	return path.Join(dir, name)
}
