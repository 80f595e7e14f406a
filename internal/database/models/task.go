package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusDownloaded  TaskStatus = "downloaded"
	StatusTranscoding TaskStatus = "transcoding"
	StatusTranscoded  TaskStatus = "transcoded"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusDownloaded, StatusTranscoding,
		StatusTranscoded, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no pipeline stage will move the task on by itself.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrDuplicateTask     = errors.New("task already exists")
)

type Task struct {
	ID                  int64       `json:"id"`
	TorrentURL          *string     `json:"torrent_url,omitempty"`
	TorrentHash         *string     `json:"torrent_hash,omitempty"`
	FileIndex           *int        `json:"file_index,omitempty"`
	Filename            string      `json:"filename"`
	FilePath            string      `json:"file_path"`
	FileSize            int64       `json:"file_size"`
	NeedsTranscode      bool        `json:"needs_transcode"`
	Status              TaskStatus  `json:"status"`
	DownloadProgress    int         `json:"download_progress"`
	TranscodeProgress   int         `json:"transcode_progress"`
	TranscodeOutputPath *string     `json:"transcode_output_path,omitempty"`
	ErrorMessage        *string     `json:"error_message,omitempty"`
	FailedAtStatus      *TaskStatus `json:"failed_at_status,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// TaskRepository is the SQLite-backed task store. Every status change is a
// single guarded UPDATE so concurrent writers cannot move a task backwards.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, torrent_url, torrent_hash, file_index, filename, file_path, file_size,
       needs_transcode, status, download_progress, transcode_progress, transcode_output_path,
       error_message, failed_at_status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var fileIndex sql.NullInt64
	var failedAt sql.NullString
	err := row.Scan(&t.ID, &t.TorrentURL, &t.TorrentHash, &fileIndex, &t.Filename, &t.FilePath,
		&t.FileSize, &t.NeedsTranscode, &t.Status, &t.DownloadProgress, &t.TranscodeProgress,
		&t.TranscodeOutputPath, &t.ErrorMessage, &failedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if fileIndex.Valid {
		idx := int(fileIndex.Int64)
		t.FileIndex = &idx
	}
	if failedAt.Valid {
		s := TaskStatus(failedAt.String)
		t.FailedAtStatus = &s
	}
	return &t, nil
}

func (r *TaskRepository) query(ctx context.Context, query string, args ...interface{}) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

const insertTask = `
        INSERT INTO tasks (torrent_url, torrent_hash, file_index, filename, file_path, file_size,
                           needs_transcode, status)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `

func insertArgs(t *Task) []interface{} {
	if t.Status == "" {
		t.Status = StatusPending
	}
	return []interface{}{t.TorrentURL, t.TorrentHash, t.FileIndex, t.Filename, t.FilePath,
		t.FileSize, t.NeedsTranscode, t.Status}
}

func (r *TaskRepository) Create(ctx context.Context, task *Task) error {
	result, err := r.db.ExecContext(ctx, insertTask, insertArgs(task)...)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	task.ID = id
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	return nil
}

// CreateMany inserts all tasks in one transaction; either every row is
// written or none is.
func (r *TaskRepository) CreateMany(ctx context.Context, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, task := range tasks {
		result, err := tx.ExecContext(ctx, insertTask, insertArgs(task)...)
		if isUniqueViolation(err) {
			return fmt.Errorf("task %q: %w", task.Filename, ErrDuplicateTask)
		}
		if err != nil {
			return fmt.Errorf("failed to create task %q: %w", task.Filename, err)
		}
		if task.ID, err = result.LastInsertId(); err != nil {
			return err
		}
		task.CreatedAt = now
		task.UpdatedAt = now
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// FindByID returns nil without an error when no task has the id.
func (r *TaskRepository) FindByID(ctx context.Context, id int64) (*Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (r *TaskRepository) FindByTorrentHash(ctx context.Context, hash string) ([]Task, error) {
	return r.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE torrent_hash = ? ORDER BY id`,
		strings.ToLower(hash))
}

func (r *TaskRepository) ExistsByTorrentURL(ctx context.Context, url string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE torrent_url = ?`, url).Scan(&n)
	return n > 0, err
}

func (r *TaskRepository) ListByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	return r.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`, status)
}

func (r *TaskRepository) ListAll(ctx context.Context) ([]Task, error) {
	return r.query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC`)
}

// update runs a guarded UPDATE. When nothing matched it tells a missing task
// apart from one whose current status forbids the change.
func (r *TaskRepository) update(ctx context.Context, id int64, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status TaskStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("task %d is %s: %w", id, status, ErrInvalidTransition)
}

// StartDownload records the torrent hash and moves a pending task to downloading.
func (r *TaskRepository) StartDownload(ctx context.Context, id int64, hash string) error {
	return r.update(ctx, id, `
        UPDATE tasks SET status = ?, torrent_hash = ?, download_progress = 0,
                         updated_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status = ?`,
		StatusDownloading, strings.ToLower(hash), id, StatusPending)
}

func (r *TaskRepository) UpdateDownloadProgress(ctx context.Context, id int64, progress int) error {
	return r.update(ctx, id, `
        UPDATE tasks SET download_progress = ?, updated_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status = ?`,
		clampPercent(progress), id, StatusDownloading)
}

// MarkDownloaded stores the final on-disk location of a finished download.
func (r *TaskRepository) MarkDownloaded(ctx context.Context, id int64, filePath, filename string, size int64, needsTranscode bool) error {
	return r.update(ctx, id, `
        UPDATE tasks SET status = ?, download_progress = 100, file_path = ?, filename = ?,
                         file_size = ?, needs_transcode = ?, updated_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status = ?`,
		StatusDownloaded, filePath, filename, size, needsTranscode, id, StatusDownloading)
}

// MarkTranscoding is allowed from pending (webhook-created rows), downloaded,
// and transcoding (after a reset).
func (r *TaskRepository) MarkTranscoding(ctx context.Context, id int64) error {
	return r.update(ctx, id, `
        UPDATE tasks SET status = ?, transcode_progress = 0, transcode_output_path = NULL,
                         error_message = NULL, failed_at_status = NULL, updated_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status IN (?, ?, ?)`,
		StatusTranscoding, id, StatusPending, StatusDownloaded, StatusTranscoding)
}

// UpdateTranscodeProgress never lowers the stored progress. A lower value is
// ignored rather than reported as an error.
func (r *TaskRepository) UpdateTranscodeProgress(ctx context.Context, id int64, progress int) error {
	progress = clampPercent(progress)
	err := r.update(ctx, id, `
        UPDATE tasks SET transcode_progress = ?, updated_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status = ? AND transcode_progress <= ?`,
		progress, id, StatusTranscoding, progress)
	if errors.Is(err, ErrInvalidTransition) {
		task, ferr := r.FindByID(ctx, id)
		if ferr == nil && task != nil && task.Status == StatusTranscoding {
			return nil
		}
	}
	return err
}

func (r *TaskRepository) MarkTranscoded(ctx context.Context, id int64, outputPath string) error {
	return r.update(ctx, id, `
        UPDATE tasks SET status = ?, transcode_progress = 100, transcode_output_path = ?,
                         updated_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status = ?`,
		StatusTranscoded, outputPath, id, StatusTranscoding)
}

// MarkFailed moves any non-terminal task to failed. failedAt may be nil when
// the failing stage is not worth recording. The output path survives only when
// the task fails from transcoded.
func (r *TaskRepository) MarkFailed(ctx context.Context, id int64, message string, failedAt *TaskStatus) error {
	return r.update(ctx, id, `
        UPDATE tasks SET status = ?, error_message = ?, failed_at_status = ?,
                         transcode_output_path = CASE WHEN status = ? THEN transcode_output_path ELSE NULL END,
                         updated_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status NOT IN (?, ?)`,
		StatusFailed, message, failedAt, StatusTranscoded, id, StatusFailed, StatusCompleted)
}

func (r *TaskRepository) MarkCompleted(ctx context.Context, id int64) error {
	return r.update(ctx, id, `
        UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status = ?`,
		StatusCompleted, id, StatusTranscoded)
}

// ResetByID returns a failed task to transcoding with a clean slate so it can
// be submitted again.
func (r *TaskRepository) ResetByID(ctx context.Context, id int64) error {
	return r.update(ctx, id, `
        UPDATE tasks SET status = ?, transcode_progress = 0, transcode_output_path = NULL,
                         error_message = NULL, failed_at_status = NULL, updated_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status = ?`,
		StatusTranscoding, id, StatusFailed)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// StatusPtr is a convenience for the optional failed-at argument.
func StatusPtr(s TaskStatus) *TaskStatus {
	return &s
}
