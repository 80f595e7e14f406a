package core

import (
	"context"
	"errors"
	"testing"

	"anisphere/internal/clients/torrent"
	"anisphere/internal/database/models"
)

func newIngestFixture(t *testing.T) (*Ingestor, *models.TaskRepository, *fakeClient) {
	t.Helper()
	repo := newTestRepo(t)
	client := newFakeClient()
	client.infos[hashA] = &torrent.TorrentInfo{Hash: hashA, Name: "Show S01", SavePath: "/downloads", Progress: 1, State: "uploading"}
	client.files[hashA] = []torrent.FileEntry{
		{Index: 0, Name: "Show S01/Show - 01.mkv", Size: 100},
		{Index: 1, Name: "Show S01/Show - 01.ass", Size: 1},
		{Index: 2, Name: "Show S01/Show - 02.MP4", Size: 200},
	}
	return NewIngestor(repo, client, testExtensions(), "anisphere", testLogger), repo, client
}

func TestIngestCreatesTaskPerVideoFile(t *testing.T) {
	ingestor, repo, _ := newIngestFixture(t)
	ctx := context.Background()

	result, err := ingestor.Handle(ctx, "C12FE1C06BBA254A9DC9F519B335AA7C1367A88A", "anisphere")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Outcome != OutcomeCreated || len(result.Tasks) != 2 {
		t.Fatalf("Handle() = %s with %d tasks", result.Outcome, len(result.Tasks))
	}

	stored, err := repo.FindByTorrentHash(ctx, hashA)
	if err != nil || len(stored) != 2 {
		t.Fatalf("FindByTorrentHash() = %d tasks, %v", len(stored), err)
	}
	want := map[int]struct {
		filename, path string
		size           int64
		transcode      bool
	}{
		0: {"Show - 01.mkv", "/downloads/Show S01/Show - 01.mkv", 100, true},
		2: {"Show - 02.MP4", "/downloads/Show S01/Show - 02.MP4", 200, false},
	}
	for _, task := range stored {
		if task.FileIndex == nil {
			t.Fatalf("task %d has no file index", task.ID)
		}
		w, ok := want[*task.FileIndex]
		if !ok {
			t.Errorf("unexpected task for file %d", *task.FileIndex)
			continue
		}
		if task.Filename != w.filename || task.FilePath != w.path || task.FileSize != w.size || task.NeedsTranscode != w.transcode {
			t.Errorf("file %d task = %q %q %d %v", *task.FileIndex, task.Filename, task.FilePath, task.FileSize, task.NeedsTranscode)
		}
		if task.Status != models.StatusPending || *task.TorrentHash != hashA {
			t.Errorf("file %d task = %s %s", *task.FileIndex, task.Status, *task.TorrentHash)
		}
	}
}

// staleLookupStore answers FindByTorrentHash as if another delivery had not
// committed yet.
type staleLookupStore struct {
	*models.TaskRepository
}

func (s staleLookupStore) FindByTorrentHash(ctx context.Context, hash string) ([]models.Task, error) {
	return nil, nil
}

func TestIngestConcurrentDeliveryIsDuplicate(t *testing.T) {
	ingestor, repo, client := newIngestFixture(t)
	ctx := context.Background()

	if _, err := ingestor.Handle(ctx, hashA, "anisphere"); err != nil {
		t.Fatal(err)
	}
	racing := NewIngestor(staleLookupStore{repo}, client, testExtensions(), "anisphere", testLogger)
	result, err := racing.Handle(ctx, hashA, "anisphere")
	if err != nil {
		t.Fatalf("Handle() error = %v, want duplicate outcome", err)
	}
	if result.Outcome != OutcomeDuplicate {
		t.Errorf("Outcome = %s, want %s", result.Outcome, OutcomeDuplicate)
	}
	if all, _ := repo.ListAll(ctx); len(all) != 2 {
		t.Errorf("tasks = %d, want 2", len(all))
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	ingestor, repo, _ := newIngestFixture(t)
	ctx := context.Background()

	if _, err := ingestor.Handle(ctx, hashA, "anisphere"); err != nil {
		t.Fatal(err)
	}
	result, err := ingestor.Handle(ctx, hashA, "anisphere")
	if err != nil || result.Outcome != OutcomeDuplicate {
		t.Fatalf("second Handle() = %v, %v", result, err)
	}
	if all, _ := repo.ListAll(ctx); len(all) != 2 {
		t.Errorf("tasks = %d, want 2", len(all))
	}
}

func TestIngestTagFilter(t *testing.T) {
	tests := []struct {
		tags string
		want IngestOutcome
	}{
		{"other", OutcomeIgnored},
		{"", OutcomeIgnored},
		{"anisphere-old", OutcomeIgnored},
		{"tv, anisphere", OutcomeCreated},
	}
	for _, tt := range tests {
		ingestor, _, _ := newIngestFixture(t)
		result, err := ingestor.Handle(context.Background(), hashA, tt.tags)
		if err != nil || result.Outcome != tt.want {
			t.Errorf("Handle(tags %q) = %v, %v; want %s", tt.tags, result, err, tt.want)
		}
	}
}

func TestIngestErrors(t *testing.T) {
	ingestor, _, client := newIngestFixture(t)
	ctx := context.Background()

	if _, err := ingestor.Handle(ctx, "not-a-hash", "anisphere"); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("Handle(bad hash) error = %v, want ErrInvalidHash", err)
	}
	if _, err := ingestor.Handle(ctx, hashB, "anisphere"); err == nil {
		t.Error("Handle(unknown torrent) succeeded")
	}

	client.infos[hashB] = &torrent.TorrentInfo{Hash: hashB, SavePath: "/d"}
	client.files[hashB] = []torrent.FileEntry{{Index: 0, Name: "notes.txt"}}
	result, err := ingestor.Handle(ctx, hashB, "anisphere")
	if err != nil || result.Outcome != OutcomeNoVideo {
		t.Errorf("Handle(no video) = %v, %v", result, err)
	}
}
