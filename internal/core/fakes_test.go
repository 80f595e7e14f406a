package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"anisphere/internal/clients/torrent"
	"anisphere/internal/database"
	"anisphere/internal/database/models"
	"anisphere/internal/media"
	"anisphere/internal/transcode"
	"anisphere/internal/utils"
)

const (
	hashA = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"
	hashB = "0123456789abcdef0123456789abcdef01234567"
)

var testLogger = utils.NewLogger(false, nil)

func testExtensions() *media.Extensions {
	return media.NewExtensions([]string{".mp4", ".mkv"}, []string{".mp4"})
}

func newTestRepo(t *testing.T) *models.TaskRepository {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.RunMigrations(db, testLogger); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return models.NewTaskRepository(db)
}

func mustTask(t *testing.T, repo *models.TaskRepository, id int64) *models.Task {
	t.Helper()
	task, err := repo.FindByID(context.Background(), id)
	if err != nil || task == nil {
		t.Fatalf("FindByID(%d) = %v, %v", id, task, err)
	}
	return task
}

// downloadingTask creates a task that was sent to the client under hash.
func downloadingTask(t *testing.T, repo *models.TaskRepository, hash string) *models.Task {
	t.Helper()
	ctx := context.Background()
	url := "magnet:?xt=urn:btih:" + hash
	task := &models.Task{TorrentURL: &url, Status: models.StatusPending}
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.StartDownload(ctx, task.ID, hash); err != nil {
		t.Fatalf("StartDownload() error = %v", err)
	}
	return mustTask(t, repo, task.ID)
}

type fakeClient struct {
	mu         sync.Mutex
	infos      map[string]*torrent.TorrentInfo
	infoErrs   map[string]error
	files      map[string][]torrent.FileEntry
	addHash    string
	addErr     error
	added      []string
	priorities map[string][]int
	prioErr    error
	listCalls  int
	paused     []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		infos:      make(map[string]*torrent.TorrentInfo),
		infoErrs:   make(map[string]error),
		files:      make(map[string][]torrent.FileEntry),
		priorities: make(map[string][]int),
	}
}

func (f *fakeClient) ComputeHash(ctx context.Context, uri string) (string, error) {
	return torrent.MagnetInfoHash(uri)
}

func (f *fakeClient) AddDownload(ctx context.Context, uri string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, uri)
	return f.addHash, f.addErr
}

func (f *fakeClient) GetInfo(ctx context.Context, hash string) (*torrent.TorrentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.infoErrs[hash]; err != nil {
		return nil, err
	}
	return f.infos[hash], nil
}

func (f *fakeClient) ListFiles(ctx context.Context, hash string) ([]torrent.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	files, ok := f.files[hash]
	if !ok {
		return nil, errors.New("unknown torrent")
	}
	return files, nil
}

func (f *fakeClient) SetFilePriority(ctx context.Context, hash string, indices []int, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prioErr != nil {
		return f.prioErr
	}
	f.priorities[hash] = append(f.priorities[hash], indices...)
	return nil
}

func (f *fakeClient) PauseDownload(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, hash)
	return nil
}

func (f *fakeClient) ResumeDownload(ctx context.Context, hash string) error { return nil }

func (f *fakeClient) DeleteDownload(ctx context.Context, hash string, deleteFiles bool) error {
	return nil
}

func (f *fakeClient) TestConnection(ctx context.Context) error { return nil }

type fakeTranscoder struct {
	mu        sync.Mutex
	jobs      []transcode.Job
	running   map[int64]bool
	observers []func(transcode.Progress)
	cancelled []int64
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{running: make(map[int64]bool)}
}

func (f *fakeTranscoder) Initialize(ctx context.Context) {}
func (f *fakeTranscoder) Start()                         {}
func (f *fakeTranscoder) Stop()                          {}

func (f *fakeTranscoder) Submit(job transcode.Job) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queued(job.TaskID) || f.running[job.TaskID] {
		return 0, transcode.ErrAlreadyQueued
	}
	f.jobs = append(f.jobs, job)
	return len(f.jobs), nil
}

func (f *fakeTranscoder) queued(id int64) bool {
	for _, j := range f.jobs {
		if j.TaskID == id {
			return true
		}
	}
	return false
}

func (f *fakeTranscoder) Cancel(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.queued(id) && !f.running[id] {
		return transcode.ErrJobNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeTranscoder) IsActive(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued(id) || f.running[id]
}

func (f *fakeTranscoder) IsRunning(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

func (f *fakeTranscoder) QueueLength() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeTranscoder) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

func (f *fakeTranscoder) Encoder() transcode.EncoderProfile { return transcode.ProfileSoftware }

func (f *fakeTranscoder) OnProgress(fn func(transcode.Progress)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
	return func() {}
}

func (f *fakeTranscoder) submitted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, j := range f.jobs {
		ids = append(ids, j.TaskID)
	}
	return ids
}
