// Package ingest feeds torrent links dropped into a folder into the pipeline.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"anisphere/internal/clients/torrent"
	"anisphere/internal/database/models"
	"anisphere/internal/utils"
)

const (
	doneSuffix   = ".done"
	failedSuffix = ".failed"
)

// Submitter creates a task for a link and starts its download.
type Submitter interface {
	SubmitTask(ctx context.Context, torrentURL string) (*models.Task, error)
	StartDownload(ctx context.Context, id int64) error
}

// Watcher picks up .magnet files (one link per file) and .torrent files.
// Each file is renamed with a .done or .failed suffix once handled.
type Watcher struct {
	dir       string
	submitter Submitter
	logger    *utils.Logger
	settle    time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	fsw     *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewWatcher(dir string, submitter Submitter, logger *utils.Logger) *Watcher {
	return &Watcher{
		dir:       dir,
		submitter: submitter,
		logger:    logger,
		settle:    500 * time.Millisecond,
		pending:   make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
}

// Start begins watching and handles files already in the folder.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create watch dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop(ctx)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
	w.logger.Info("Watching", w.dir, "for torrent files")
	return nil
}

func (w *Watcher) Stop() {
	if w.fsw == nil {
		return
	}
	close(w.done)
	w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watch error:", err)
		}
	}
}

// schedule handles path once it has stopped changing for the settle delay.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !accepted(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.handle(ctx, path)
	})
}

func accepted(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".magnet", ".torrent":
		return true
	}
	return false
}

func (w *Watcher) handle(ctx context.Context, path string) {
	link, err := readLink(path)
	if err == nil {
		err = w.submit(ctx, link)
	}
	suffix := doneSuffix
	if err != nil {
		suffix = failedSuffix
		w.logger.Error("Failed to ingest", filepath.Base(path), ":", err)
	} else {
		w.logger.Info("Ingested", filepath.Base(path))
	}
	if rerr := os.Rename(path, path+suffix); rerr != nil && !os.IsNotExist(rerr) {
		w.logger.Warn("Could not rename", path, ":", rerr)
	}
}

func (w *Watcher) submit(ctx context.Context, link string) error {
	task, err := w.submitter.SubmitTask(ctx, link)
	if err != nil {
		return err
	}
	return w.submitter.StartDownload(ctx, task.ID)
}

func readLink(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(filepath.Ext(path), ".torrent") {
		return torrent.MagnetFromTorrentFile(data)
	}
	link := strings.TrimSpace(string(data))
	if i := strings.IndexAny(link, "\r\n"); i >= 0 {
		link = strings.TrimSpace(link[:i])
	}
	if link == "" {
		return "", fmt.Errorf("%s is empty", filepath.Base(path))
	}
	return link, nil
}
