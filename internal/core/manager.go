package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"

	"anisphere/internal/clients/notifications"
	"anisphere/internal/clients/torrent"
	"anisphere/internal/config"
	"anisphere/internal/database/models"
	"anisphere/internal/media"
	"anisphere/internal/transcode"
	"anisphere/internal/utils"
)

var (
	ErrConflict       = errors.New("task is busy")
	ErrInvalidState   = errors.New("task is not in a valid state for this operation")
	ErrNotEnoughSpace = errors.New("not enough disk space")
)

// Transcoder is the part of the transcoding engine the manager drives.
type Transcoder interface {
	Initialize(ctx context.Context)
	Start()
	Stop()
	Submit(job transcode.Job) (int, error)
	Cancel(ctx context.Context, id int64) error
	IsActive(id int64) bool
	IsRunning(id int64) bool
	QueueLength() int
	ActiveCount() int
	Encoder() transcode.EncoderProfile
	OnProgress(fn func(transcode.Progress)) func()
}

type Manager struct {
	config        *config.Config
	tasks         *models.TaskRepository
	torrentClient torrent.TorrentClient
	engine        Transcoder
	monitor       *Monitor
	ingestor      *Ingestor
	notifier      notifications.Notifier
	extensions    *media.Extensions
	logger        *utils.Logger
	scheduler     *cron.Cron

	freeSpace func(path string) (uint64, error)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(cfg *config.Config, db *sql.DB, logger *utils.Logger) *Manager {
	repo := models.NewTaskRepository(db)
	extensions := media.NewExtensions(cfg.Media.VideoExtensions, cfg.Media.DirectPlayExtensions)

	client := torrent.NewQBittorrentClient(torrent.QBittorrentOptions{
		Host:         cfg.TorrentClient.Host,
		Username:     cfg.TorrentClient.Username,
		Password:     cfg.TorrentClient.Password,
		DownloadPath: cfg.TorrentClient.DownloadPath,
		Tag:          cfg.TorrentClient.Tag,
		SessionTTL:   config.Duration(cfg.TorrentClient.SessionTTL),
		Timeout:      config.Duration(cfg.TorrentClient.Timeout),
	})

	engine := transcode.NewEngine(transcode.Options{
		FFmpegPath:  cfg.Transcode.FFmpegPath,
		FFprobePath: cfg.Transcode.FFprobePath,
		OutputPath:  cfg.Transcode.OutputPath,
		Threads:     cfg.Transcode.Threads,
		SegmentTime: cfg.Transcode.HLSSegmentTime,
		MaxHeight:   cfg.Transcode.MaxHeight,
		Concurrency: cfg.Transcode.Concurrency,
		CancelGrace: config.Duration(cfg.Transcode.CancelGrace),
		Extensions:  extensions,
	}, repo, logger)

	var notifier notifications.Notifier = notifications.Nop{}
	if cfg.Notifications.Pushbullet.APIKey != "" {
		notifier = notifications.NewPushbulletClient(cfg.Notifications.Pushbullet.APIKey, logger)
	}

	return newManager(cfg, repo, client, engine, notifier, extensions, logger)
}

func newManager(cfg *config.Config, repo *models.TaskRepository, client torrent.TorrentClient, engine Transcoder, notifier notifications.Notifier, extensions *media.Extensions, logger *utils.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:        cfg,
		tasks:         repo,
		torrentClient: client,
		engine:        engine,
		notifier:      notifier,
		extensions:    extensions,
		logger:        logger,
		scheduler:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		freeSpace:     diskFree,
		ctx:           ctx,
		cancel:        cancel,
	}
	m.monitor = NewMonitor(repo, client, extensions, logger)
	m.monitor.OnDownloaded(m.handleDownloaded)
	m.ingestor = NewIngestor(repo, client, extensions, cfg.TorrentClient.Tag, logger)
	engine.OnProgress(m.handleProgress)
	return m
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// SubmitTask records a new torrent link as a pending task. Each link can be
// submitted once.
func (m *Manager) SubmitTask(ctx context.Context, torrentURL string) (*models.Task, error) {
	torrentURL = strings.TrimSpace(torrentURL)
	if err := validateLink(torrentURL); err != nil {
		return nil, err
	}
	exists, err := m.tasks.ExistsByTorrentURL(ctx, torrentURL)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("torrent %s already submitted: %w", torrentURL, ErrConflict)
	}

	url := torrentURL
	task := &models.Task{
		TorrentURL: &url,
		Filename:   utils.SanitizeFilename(torrent.DisplayName(torrentURL)),
		Status:     models.StatusPending,
	}
	if err := m.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	m.logger.Info("Added new task", task.ID, "for", torrentURL)
	return task, nil
}

// validateLink accepts magnets with a readable info hash and http(s) links.
// Links to .torrent files are only fetched when the download starts.
func validateLink(uri string) error {
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "magnet:"):
		_, err := torrent.MagnetInfoHash(uri)
		return err
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return nil
	}
	return fmt.Errorf("%w: unsupported link %q", torrent.ErrInvalidLink, uri)
}

// StartDownload sends a pending task's link to the torrent client.
func (m *Manager) StartDownload(ctx context.Context, id int64) error {
	task, err := m.getTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != models.StatusPending || task.TorrentURL == nil {
		return fmt.Errorf("task %d is %s: %w", id, task.Status, ErrInvalidState)
	}

	m.logger.Info("🚀 Sending task", id, "to the torrent client")
	hash, err := m.torrentClient.AddDownload(ctx, *task.TorrentURL)
	if err != nil {
		m.logger.Error("Failed to add torrent to client:", err)
		if ferr := m.tasks.MarkFailed(ctx, id, err.Error(), models.StatusPtr(models.StatusPending)); ferr != nil {
			m.logger.Error("Failed to mark task", id, "failed:", ferr)
		}
		go m.notifier.NotifyDownloadError(task, err.Error())
		return err
	}

	if err := m.tasks.StartDownload(ctx, id, hash); err != nil {
		m.logger.Error("Failed to update task after adding torrent:", err)
		return err
	}
	m.logger.Info("✅ Torrent sent to download client, hash:", hash)
	go m.notifier.NotifyDownloadStart(task)
	return nil
}

// StartTranscode enqueues a task for transcoding and returns its queue position.
func (m *Manager) StartTranscode(ctx context.Context, id int64) (int, error) {
	task, err := m.getTask(ctx, id)
	if err != nil {
		return 0, err
	}
	if m.engine.IsActive(id) {
		return 0, fmt.Errorf("task %d is already transcoding: %w", id, ErrConflict)
	}
	switch task.Status {
	case models.StatusDownloading:
		return 0, fmt.Errorf("task %d is still downloading: %w", id, ErrConflict)
	case models.StatusTranscoded, models.StatusCompleted:
		return 0, fmt.Errorf("task %d is already transcoded: %w", id, ErrInvalidState)
	case models.StatusFailed:
		return 0, fmt.Errorf("task %d failed, reset it first: %w", id, ErrInvalidState)
	}
	if task.FilePath == "" {
		return 0, fmt.Errorf("task %d has no downloaded file: %w", id, ErrInvalidState)
	}
	if !m.extensions.IsVideo(task.FilePath) {
		return 0, fmt.Errorf("%s: %w", task.Filename, transcode.ErrUnsupportedFormat)
	}
	if err := m.checkSpace(ctx, task); err != nil {
		return 0, err
	}
	return m.engine.Submit(transcode.Job{TaskID: id, InputPath: task.FilePath})
}

// checkSpace fails the task when the output volume cannot hold a copy of the
// source file. Errors reading disk usage are logged and ignored.
func (m *Manager) checkSpace(ctx context.Context, task *models.Task) error {
	if task.FileSize <= 0 {
		return nil
	}
	if err := os.MkdirAll(m.config.Transcode.OutputPath, 0755); err != nil {
		m.logger.Warn("Could not create output directory:", err)
		return nil
	}
	free, err := m.freeSpace(m.config.Transcode.OutputPath)
	if err != nil {
		m.logger.Warn("Could not read free disk space:", err)
		return nil
	}
	if free >= uint64(task.FileSize) {
		return nil
	}

	m.logger.Error("Not enough space to transcode task", task.ID, ": need", task.FileSize, "have", free)
	if err := m.tasks.MarkFailed(ctx, task.ID, ErrNotEnoughSpace.Error(), nil); err != nil {
		m.logger.Error("Failed to mark task", task.ID, "failed:", err)
	}
	go m.notifier.NotifyNotEnoughSpace(task)
	return fmt.Errorf("task %d: %w", task.ID, ErrNotEnoughSpace)
}

func (m *Manager) CancelTranscode(ctx context.Context, id int64) error {
	if err := m.engine.Cancel(ctx, id); err != nil {
		if errors.Is(err, transcode.ErrJobNotFound) {
			if _, gerr := m.getTask(ctx, id); gerr != nil {
				return gerr
			}
		}
		return err
	}
	return nil
}

// TranscodeStatus reports where a task stands in the engine.
func (m *Manager) TranscodeStatus(ctx context.Context, id int64) (map[string]interface{}, error) {
	task, err := m.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":       task.ID,
		"status":   task.Status,
		"progress": task.TranscodeProgress,
		"queued":   m.engine.IsActive(id) && !m.engine.IsRunning(id),
		"running":  m.engine.IsRunning(id),
		"output":   task.TranscodeOutputPath,
		"error":    task.ErrorMessage,
	}, nil
}

// ResetTask returns a failed task to transcoding and enqueues it again.
func (m *Manager) ResetTask(ctx context.Context, id int64) (int, error) {
	task, err := m.getTask(ctx, id)
	if err != nil {
		return 0, err
	}
	if task.Status != models.StatusFailed {
		return 0, fmt.Errorf("task %d is %s: %w", id, task.Status, ErrInvalidState)
	}
	if task.FilePath == "" {
		return 0, fmt.Errorf("task %d has no downloaded file: %w", id, ErrInvalidState)
	}
	if err := m.tasks.ResetByID(ctx, id); err != nil {
		return 0, err
	}
	m.logger.Info("Reset task", id)
	return m.engine.Submit(transcode.Job{TaskID: id, InputPath: task.FilePath})
}

func (m *Manager) CompleteTask(ctx context.Context, id int64) error {
	if err := m.tasks.MarkCompleted(ctx, id); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return fmt.Errorf("task %d: %w", id, ErrInvalidState)
		}
		return err
	}
	return nil
}

func (m *Manager) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	return m.getTask(ctx, id)
}

func (m *Manager) getTask(ctx context.Context, id int64) (*models.Task, error) {
	task, err := m.tasks.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %d: %w", id, models.ErrTaskNotFound)
	}
	return task, nil
}

// GetAllTasks lists tasks, optionally only those in one status.
func (m *Manager) GetAllTasks(ctx context.Context, status string) ([]models.Task, error) {
	if status == "" {
		return m.tasks.ListAll(ctx)
	}
	return m.tasks.ListByStatus(ctx, models.TaskStatus(status))
}

// HandleCompletion processes a torrent-finished webhook.
func (m *Manager) HandleCompletion(ctx context.Context, hash, tags string) (*IngestResult, error) {
	result, err := m.ingestor.Handle(ctx, hash, tags)
	if err != nil || result.Outcome != OutcomeCreated || !m.config.Monitor.AutoTranscode {
		return result, err
	}
	for _, task := range result.Tasks {
		if _, err := m.StartTranscode(ctx, task.ID); err != nil {
			m.logger.Warn("Could not enqueue task", task.ID, ":", err)
		}
	}
	return result, nil
}

func (m *Manager) PauseTorrent(ctx context.Context, hash string) error {
	return m.torrentClient.PauseDownload(ctx, hash)
}

func (m *Manager) ResumeTorrent(ctx context.Context, hash string) error {
	return m.torrentClient.ResumeDownload(ctx, hash)
}

func (m *Manager) DeleteTorrent(ctx context.Context, hash string, deleteFiles bool) error {
	return m.torrentClient.DeleteDownload(ctx, hash, deleteFiles)
}

// OnProgress forwards engine progress to fn and returns an unsubscribe func.
func (m *Manager) OnProgress(fn func(transcode.Progress)) func() {
	return m.engine.OnProgress(fn)
}

func (m *Manager) TestTorrentConnection(ctx context.Context) bool {
	if err := m.torrentClient.TestConnection(ctx); err != nil {
		m.logger.Error("Torrent client health check failed:", err)
		return false
	}
	return true
}

func (m *Manager) TestNotifications() error {
	return m.notifier.Test()
}

func (m *Manager) GetSystemStatus(ctx context.Context) map[string]interface{} {
	encoder := m.engine.Encoder()
	status := map[string]interface{}{
		"encoder":      encoder.Name,
		"codec":        encoder.Codec,
		"queue_length": m.engine.QueueLength(),
		"active":       m.engine.ActiveCount(),
		"concurrency":  m.config.Transcode.Concurrency,
		"goroutines":   runtime.NumGoroutine(),
	}

	if tasks, err := m.tasks.ListAll(ctx); err == nil {
		counts := make(map[models.TaskStatus]int)
		for _, t := range tasks {
			counts[t.Status]++
		}
		status["tasks"] = counts
	}
	if usage, err := disk.Usage(m.config.Transcode.OutputPath); err == nil {
		status["disk"] = map[string]interface{}{
			"path":         usage.Path,
			"free":         usage.Free,
			"total":        usage.Total,
			"used_percent": usage.UsedPercent,
		}
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory_percent"] = vm.UsedPercent
	}
	return status
}

// handleDownloaded runs when the monitor sees a download finish.
func (m *Manager) handleDownloaded(task models.Task) {
	go m.notifier.NotifyDownloadComplete(&task)
	if !m.config.Monitor.AutoTranscode {
		return
	}
	if _, err := m.StartTranscode(m.ctx, task.ID); err != nil {
		m.logger.Warn("Could not enqueue task", task.ID, ":", err)
	}
}

// handleProgress is an engine observer. It must not block the worker.
func (m *Manager) handleProgress(p transcode.Progress) {
	if p.State != transcode.StateTranscoded && p.State != transcode.StateFailed {
		return
	}
	go func() {
		task, err := m.tasks.FindByID(m.ctx, p.TaskID)
		if err != nil || task == nil {
			return
		}
		if p.State == transcode.StateTranscoded {
			m.notifier.NotifyTranscodeComplete(task)
		} else {
			m.notifier.NotifyTranscodeError(task, p.Error)
		}
	}()
}

// resumeInterrupted re-enqueues work a previous run left behind.
func (m *Manager) resumeInterrupted() {
	statuses := []models.TaskStatus{models.StatusTranscoding}
	if m.config.Monitor.AutoTranscode {
		statuses = append(statuses, models.StatusDownloaded)
	}
	for _, status := range statuses {
		tasks, err := m.tasks.ListByStatus(m.ctx, status)
		if err != nil {
			m.logger.Error("Failed to list", status, "tasks:", err)
			continue
		}
		for _, task := range tasks {
			if _, err := m.StartTranscode(m.ctx, task.ID); err != nil {
				m.logger.Warn("Could not resume task", task.ID, ":", err)
				continue
			}
			m.logger.Info("Resumed", status, "task", task.ID)
		}
	}
}

func (m *Manager) updateDownloadStatus() {
	interval := config.Duration(m.config.Monitor.Interval)
	ctx, cancel := context.WithTimeout(m.ctx, interval+config.Duration(m.config.TorrentClient.Timeout))
	defer cancel()
	m.monitor.Run(ctx)
}

// StartScheduler detects the encoder, starts the transcoding workers and the
// download monitor, and resumes unfinished tasks.
func (m *Manager) StartScheduler() {
	m.engine.Initialize(m.ctx)
	m.engine.Start()

	interval := config.Duration(m.config.Monitor.Interval)
	if _, err := m.scheduler.AddFunc(fmt.Sprintf("@every %s", interval), m.updateDownloadStatus); err != nil {
		m.logger.Fatal("Failed to schedule download monitor:", err)
	}
	m.scheduler.Start()
	m.logger.Info("Scheduler started, checking downloads every", interval)

	m.resumeInterrupted()
}

func (m *Manager) Stop() {
	if m.scheduler != nil {
		<-m.scheduler.Stop().Done()
	}
	m.engine.Stop()
	m.cancel()
}
