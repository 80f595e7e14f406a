package models_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"anisphere/internal/database"
	"anisphere/internal/database/models"
	"anisphere/internal/utils"
)

func newRepo(t *testing.T) *models.TaskRepository {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.RunMigrations(db, utils.NewLogger(false, nil)); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return models.NewTaskRepository(db)
}

func createTask(t *testing.T, repo *models.TaskRepository, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{Filename: "ep01.mkv", FilePath: "/d/ep01.mkv", Status: status, NeedsTranscode: true}
	if err := repo.Create(context.Background(), task); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return task
}

func mustFind(t *testing.T, repo *models.TaskRepository, id int64) *models.Task {
	t.Helper()
	task, err := repo.FindByID(context.Background(), id)
	if err != nil || task == nil {
		t.Fatalf("FindByID(%d) = %v, %v", id, task, err)
	}
	return task
}

func TestFindByIDMissing(t *testing.T) {
	repo := newRepo(t)
	task, err := repo.FindByID(context.Background(), 42)
	if err != nil || task != nil {
		t.Fatalf("FindByID() = %v, %v; want nil, nil", task, err)
	}
}

func TestCreateManyAndFindByHash(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	hash := "ABCDEF0123456789ABCDEF0123456789ABCDEF01"
	lower := "abcdef0123456789abcdef0123456789abcdef01"
	idx0, idx2 := 0, 2

	tasks := []*models.Task{
		{TorrentHash: &lower, FileIndex: &idx0, Filename: "a.mp4", FilePath: "/s/a.mp4", FileSize: 10},
		{TorrentHash: &lower, FileIndex: &idx2, Filename: "b.mkv", FilePath: "/s/b.mkv", FileSize: 20, NeedsTranscode: true},
	}
	if err := repo.CreateMany(ctx, tasks); err != nil {
		t.Fatalf("CreateMany() error = %v", err)
	}
	if tasks[0].ID == 0 || tasks[1].ID == 0 {
		t.Fatalf("CreateMany() did not assign ids: %d %d", tasks[0].ID, tasks[1].ID)
	}

	found, err := repo.FindByTorrentHash(ctx, hash)
	if err != nil {
		t.Fatalf("FindByTorrentHash() error = %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("FindByTorrentHash() returned %d tasks, want 2", len(found))
	}
	if found[1].FileIndex == nil || *found[1].FileIndex != 2 {
		t.Errorf("FileIndex = %v, want 2", found[1].FileIndex)
	}
	if found[0].Status != models.StatusPending {
		t.Errorf("Status = %s, want pending", found[0].Status)
	}
	if !found[1].NeedsTranscode || found[0].NeedsTranscode {
		t.Errorf("NeedsTranscode = %v/%v", found[0].NeedsTranscode, found[1].NeedsTranscode)
	}
}

func TestCreateManyIsAllOrNothing(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	hash := "abcdef0123456789abcdef0123456789abcdef01"
	idx := 1

	tasks := []*models.Task{
		{TorrentHash: &hash, FileIndex: &idx, Filename: "a.mp4"},
		{TorrentHash: &hash, FileIndex: &idx, Filename: "dup.mp4"},
	}
	if err := repo.CreateMany(ctx, tasks); !errors.Is(err, models.ErrDuplicateTask) {
		t.Fatalf("CreateMany() with duplicate file index error = %v, want ErrDuplicateTask", err)
	}
	found, err := repo.FindByTorrentHash(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("found %d tasks after failed CreateMany, want 0", len(found))
	}
}

func TestCreateManyRejectsExistingFile(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	hash := "abcdef0123456789abcdef0123456789abcdef01"
	idx := 0

	first := []*models.Task{{TorrentHash: &hash, FileIndex: &idx, Filename: "a.mp4"}}
	if err := repo.CreateMany(ctx, first); err != nil {
		t.Fatalf("CreateMany() error = %v", err)
	}
	again := []*models.Task{{TorrentHash: &hash, FileIndex: &idx, Filename: "a.mp4"}}
	if err := repo.CreateMany(ctx, again); !errors.Is(err, models.ErrDuplicateTask) {
		t.Errorf("second CreateMany() error = %v, want ErrDuplicateTask", err)
	}
}

func TestDownloadLifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	task := createTask(t, repo, models.StatusPending)

	if err := repo.UpdateDownloadProgress(ctx, task.ID, 10); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("UpdateDownloadProgress on pending = %v, want ErrInvalidTransition", err)
	}
	if err := repo.StartDownload(ctx, task.ID, "0123456789ABCDEF0123456789ABCDEF01234567"); err != nil {
		t.Fatalf("StartDownload() error = %v", err)
	}
	if err := repo.StartDownload(ctx, task.ID, "0123456789abcdef0123456789abcdef01234567"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("second StartDownload() = %v, want ErrInvalidTransition", err)
	}
	if err := repo.UpdateDownloadProgress(ctx, task.ID, 55); err != nil {
		t.Fatalf("UpdateDownloadProgress() error = %v", err)
	}
	got := mustFind(t, repo, task.ID)
	if got.Status != models.StatusDownloading || got.DownloadProgress != 55 {
		t.Fatalf("task = %s %d%%", got.Status, got.DownloadProgress)
	}
	if got.TorrentHash == nil || *got.TorrentHash != "0123456789abcdef0123456789abcdef01234567" {
		t.Errorf("TorrentHash = %v, want lowercase hash", got.TorrentHash)
	}

	if err := repo.MarkDownloaded(ctx, task.ID, "/dl/show.mp4", "show.mp4", 1234, false); err != nil {
		t.Fatalf("MarkDownloaded() error = %v", err)
	}
	got = mustFind(t, repo, task.ID)
	if got.Status != models.StatusDownloaded || got.DownloadProgress != 100 || got.FilePath != "/dl/show.mp4" || got.FileSize != 1234 {
		t.Errorf("after MarkDownloaded task = %+v", got)
	}
}

func TestTranscodeLifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	task := createTask(t, repo, models.StatusDownloaded)

	if err := repo.MarkTranscoding(ctx, task.ID); err != nil {
		t.Fatalf("MarkTranscoding() error = %v", err)
	}
	for _, p := range []int{10, 40, 20, 41} {
		if err := repo.UpdateTranscodeProgress(ctx, task.ID, p); err != nil {
			t.Fatalf("UpdateTranscodeProgress(%d) error = %v", p, err)
		}
	}
	if got := mustFind(t, repo, task.ID); got.TranscodeProgress != 41 {
		t.Errorf("TranscodeProgress = %d, want 41 (never decreasing)", got.TranscodeProgress)
	}

	if err := repo.MarkCompleted(ctx, task.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("MarkCompleted before transcoded = %v, want ErrInvalidTransition", err)
	}
	if err := repo.MarkTranscoded(ctx, task.ID, "/hls/task_1/index.m3u8"); err != nil {
		t.Fatalf("MarkTranscoded() error = %v", err)
	}
	got := mustFind(t, repo, task.ID)
	if got.Status != models.StatusTranscoded || got.TranscodeOutputPath == nil || got.TranscodeProgress != 100 {
		t.Fatalf("after MarkTranscoded task = %+v", got)
	}
	if err := repo.UpdateTranscodeProgress(ctx, task.ID, 50); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("UpdateTranscodeProgress after transcoded = %v, want ErrInvalidTransition", err)
	}
	if err := repo.MarkCompleted(ctx, task.ID); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if err := repo.MarkFailed(ctx, task.ID, "late", nil); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("MarkFailed on completed = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkFailedOutputPath(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	transcoding := createTask(t, repo, models.StatusDownloaded)
	if err := repo.MarkTranscoding(ctx, transcoding.ID); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkFailed(ctx, transcoding.ID, "exit status 1", models.StatusPtr(models.StatusTranscoding)); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	got := mustFind(t, repo, transcoding.ID)
	if got.Status != models.StatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != "exit status 1" {
		t.Errorf("failed task = %+v", got)
	}
	if got.FailedAtStatus == nil || *got.FailedAtStatus != models.StatusTranscoding {
		t.Errorf("FailedAtStatus = %v, want transcoding", got.FailedAtStatus)
	}
	if got.TranscodeOutputPath != nil {
		t.Errorf("TranscodeOutputPath = %v, want nil", *got.TranscodeOutputPath)
	}

	transcoded := createTask(t, repo, models.StatusDownloaded)
	repo.MarkTranscoding(ctx, transcoded.ID)
	repo.MarkTranscoded(ctx, transcoded.ID, "/hls/index.m3u8")
	if err := repo.MarkFailed(ctx, transcoded.ID, "rejected", models.StatusPtr(models.StatusTranscoded)); err != nil {
		t.Fatal(err)
	}
	got = mustFind(t, repo, transcoded.ID)
	if got.TranscodeOutputPath == nil || *got.TranscodeOutputPath != "/hls/index.m3u8" {
		t.Errorf("TranscodeOutputPath = %v, want kept when failing from transcoded", got.TranscodeOutputPath)
	}

	unset := createTask(t, repo, models.StatusDownloading)
	if err := repo.MarkFailed(ctx, unset.ID, "unsupported", nil); err != nil {
		t.Fatal(err)
	}
	if got := mustFind(t, repo, unset.ID); got.FailedAtStatus != nil {
		t.Errorf("FailedAtStatus = %v, want nil", *got.FailedAtStatus)
	}
}

func TestResetByID(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	task := createTask(t, repo, models.StatusDownloaded)

	if err := repo.ResetByID(ctx, task.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("ResetByID on downloaded = %v, want ErrInvalidTransition", err)
	}
	repo.MarkTranscoding(ctx, task.ID)
	repo.UpdateTranscodeProgress(ctx, task.ID, 70)
	repo.MarkFailed(ctx, task.ID, "boom", models.StatusPtr(models.StatusTranscoding))

	if err := repo.ResetByID(ctx, task.ID); err != nil {
		t.Fatalf("ResetByID() error = %v", err)
	}
	got := mustFind(t, repo, task.ID)
	if got.Status != models.StatusTranscoding || got.TranscodeProgress != 0 || got.ErrorMessage != nil || got.FailedAtStatus != nil {
		t.Errorf("after reset task = %+v", got)
	}
	if err := repo.MarkTranscoding(ctx, task.ID); err != nil {
		t.Errorf("MarkTranscoding after reset error = %v", err)
	}
}

func TestUpdateMissingTask(t *testing.T) {
	repo := newRepo(t)
	err := repo.MarkCompleted(context.Background(), 999)
	if !errors.Is(err, models.ErrTaskNotFound) {
		t.Fatalf("MarkCompleted(999) = %v, want ErrTaskNotFound", err)
	}
}

func TestExistsByTorrentURL(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	url := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"
	task := &models.Task{TorrentURL: &url, Filename: "x"}
	if err := repo.Create(ctx, task); err != nil {
		t.Fatal(err)
	}
	if ok, err := repo.ExistsByTorrentURL(ctx, url); err != nil || !ok {
		t.Errorf("ExistsByTorrentURL() = %v, %v; want true", ok, err)
	}
	if ok, _ := repo.ExistsByTorrentURL(ctx, "magnet:?other"); ok {
		t.Error("ExistsByTorrentURL(other) = true")
	}
	all, err := repo.ListAll(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("ListAll() = %d tasks, %v", len(all), err)
	}
}

func TestTaskStatusValid(t *testing.T) {
	for _, s := range []models.TaskStatus{models.StatusPending, models.StatusTranscoded, models.StatusFailed} {
		if !s.Valid() {
			t.Errorf("%s.Valid() = false", s)
		}
	}
	for _, s := range []models.TaskStatus{"", "seeding", "PENDING"} {
		if s.Valid() {
			t.Errorf("%q.Valid() = true", s)
		}
	}
}
