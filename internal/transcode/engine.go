package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"anisphere/internal/database/models"
	"anisphere/internal/media"
	"anisphere/internal/utils"
)

const (
	stderrTailSize = 500
	cancelMessage  = "user cancelled"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrAlreadyQueued     = errors.New("task is already queued or transcoding")
	ErrJobNotFound       = errors.New("task is not queued or transcoding")
	ErrEngineStopped     = errors.New("transcoding engine is stopped")
)

// Store is the part of the task store the engine writes to.
type Store interface {
	MarkTranscoding(ctx context.Context, id int64) error
	UpdateTranscodeProgress(ctx context.Context, id int64, progress int) error
	MarkTranscoded(ctx context.Context, id int64, outputPath string) error
	MarkFailed(ctx context.Context, id int64, message string, failedAt *models.TaskStatus) error
}

type Job struct {
	TaskID    int64
	InputPath string
}

type Options struct {
	FFmpegPath  string
	FFprobePath string
	OutputPath  string
	Threads     int
	SegmentTime int
	MaxHeight   int
	Concurrency int
	CancelGrace time.Duration
	Extensions  *media.Extensions
}

type activeJob struct {
	job       Job
	outputDir string
	cmd       *exec.Cmd
	cancelled bool
	done      chan struct{}
}

// Engine runs ffmpeg jobs on a fixed pool of workers fed by a FIFO queue.
// The queue and active table share one mutex and are the only record of
// which tasks are being worked on.
type Engine struct {
	opts   Options
	store  Store
	logger *utils.Logger

	encoderOnce sync.Once
	encoder     EncoderProfile

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Job
	active    map[int64]*activeJob
	stopped   bool
	observers map[int]func(Progress)
	nextObsID int

	wg sync.WaitGroup
}

func NewEngine(opts Options, store Store, logger *utils.Logger) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 200 * time.Millisecond
	}
	if opts.SegmentTime <= 0 {
		opts.SegmentTime = 6
	}
	e := &Engine{
		opts:      opts,
		store:     store,
		logger:    logger,
		encoder:   ProfileSoftware,
		active:    make(map[int64]*activeJob),
		observers: make(map[int]func(Progress)),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Initialize detects the hardware encoder once. Later calls are no-ops.
func (e *Engine) Initialize(ctx context.Context) {
	e.encoderOnce.Do(func() {
		profile, err := DetectEncoder(ctx, e.opts.FFmpegPath)
		if err != nil {
			e.logger.Warn("Encoder detection failed, using software encoding:", err)
		}
		e.mu.Lock()
		e.encoder = profile
		e.mu.Unlock()
		e.logger.Info("Transcoder using encoder:", profile.Name, "("+profile.Codec+")")
	})
}

func (e *Engine) Encoder() EncoderProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoder
}

// Start launches the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.opts.Concurrency; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("Transcode workers started:", e.opts.Concurrency)
}

// Stop terminates running jobs and waits for the workers. Queued and running
// tasks keep their stored status so they can be resubmitted on the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.queue = nil
	var running []*activeJob
	for id, a := range e.active {
		a.cancelled = true
		delete(e.active, id)
		running = append(running, a)
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, a := range running {
		e.terminate(a)
	}
	e.wg.Wait()
}

// Submit enqueues a job and returns its 1-based queue position.
func (e *Engine) Submit(job Job) (int, error) {
	if e.opts.Extensions != nil && !e.opts.Extensions.IsVideo(job.InputPath) {
		return 0, fmt.Errorf("%s: %w", filepath.Base(job.InputPath), ErrUnsupportedFormat)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return 0, ErrEngineStopped
	}
	if _, ok := e.active[job.TaskID]; ok || e.queuedIndex(job.TaskID) >= 0 {
		return 0, fmt.Errorf("task %d: %w", job.TaskID, ErrAlreadyQueued)
	}
	e.queue = append(e.queue, job)
	e.cond.Signal()
	e.logger.Info("Transcode queued for task", job.TaskID, "position", len(e.queue))
	return len(e.queue), nil
}

func (e *Engine) queuedIndex(id int64) int {
	for i, j := range e.queue {
		if j.TaskID == id {
			return i
		}
	}
	return -1
}

// IsActive reports whether the task is queued or running.
func (e *Engine) IsActive(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, running := e.active[id]
	return running || e.queuedIndex(id) >= 0
}

// IsRunning reports whether the task has left the queue and is being worked on.
func (e *Engine) IsRunning(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, running := e.active[id]
	return running
}

func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// OnProgress registers an observer and returns a function that removes it.
// Observers are called from worker goroutines and must not block.
func (e *Engine) OnProgress(fn func(Progress)) func() {
	e.mu.Lock()
	id := e.nextObsID
	e.nextObsID++
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) emit(p Progress) {
	e.mu.Lock()
	fns := make([]func(Progress), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

// Cancel removes a queued job, or terminates a running one and deletes its
// output directory. Either way the task ends up failed.
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	e.mu.Lock()
	if i := e.queuedIndex(id); i >= 0 {
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		e.mu.Unlock()
		e.logger.Info("Removed queued transcode for task", id)
		e.failTask(ctx, id, cancelMessage, nil)
		e.emit(Progress{TaskID: id, State: StateCancelled})
		return nil
	}

	a, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("task %d: %w", id, ErrJobNotFound)
	}
	a.cancelled = true
	delete(e.active, id)
	e.mu.Unlock()

	e.terminate(a)
	e.logger.Info("Cancelled transcode for task", id)
	e.failTask(ctx, id, cancelMessage, models.StatusPtr(models.StatusTranscoding))
	e.emit(Progress{TaskID: id, State: StateCancelled})
	return nil
}

// terminate sends SIGTERM to a job's ffmpeg, waits up to CancelGrace for it
// to exit, then kills it and removes the output directory. The job must
// already be marked cancelled.
func (e *Engine) terminate(a *activeJob) {
	e.mu.Lock()
	cmd := a.cmd
	e.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			cmd.Process.Kill()
		}
		select {
		case <-a.done:
		case <-time.After(e.opts.CancelGrace):
			e.logger.Warn("ffmpeg for task", a.job.TaskID, "did not exit within", e.opts.CancelGrace, "- killing")
			cmd.Process.Kill()
		}
	}

	if err := os.RemoveAll(a.outputDir); err != nil {
		e.logger.Error("Failed to clean output for task", a.job.TaskID, ":", err)
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped {
			e.mu.Unlock()
			return
		}
		job := e.queue[0]
		e.queue = e.queue[1:]
		a := &activeJob{
			job:       job,
			outputDir: filepath.Join(e.opts.OutputPath, fmt.Sprintf("task_%d", job.TaskID)),
			done:      make(chan struct{}),
		}
		e.active[job.TaskID] = a
		e.mu.Unlock()

		e.run(a)
		close(a.done)
	}
}

// release drops the job from the active table. It reports false when a
// cancel got there first, in which case the cancel owns the task's outcome.
func (e *Engine) release(a *activeJob) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a.cancelled {
		return false
	}
	delete(e.active, a.job.TaskID)
	return true
}

func (e *Engine) isCancelled(a *activeJob) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return a.cancelled
}

func (e *Engine) run(a *activeJob) {
	ctx := context.Background()
	id := a.job.TaskID

	fail := func(failedAt *models.TaskStatus, format string, args ...interface{}) {
		if !e.release(a) {
			return
		}
		msg := fmt.Sprintf(format, args...)
		e.logger.Error("Transcode failed for task", id, ":", msg)
		e.failTask(ctx, id, msg, failedAt)
		e.emit(Progress{TaskID: id, State: StateFailed, Error: msg})
	}

	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		fail(nil, "failed to create output directory: %v", err)
		return
	}

	info, err := Probe(ctx, e.opts.FFprobePath, a.job.InputPath)
	if err != nil {
		fail(nil, "%v", err)
		return
	}
	if e.isCancelled(a) {
		return
	}

	if err := e.store.MarkTranscoding(ctx, id); err != nil {
		fail(nil, "failed to mark task transcoding: %v", err)
		return
	}

	encoder := e.Encoder()
	playlist := filepath.Join(a.outputDir, PlaylistName)
	args := BuildArgs(ArgsInput{
		Input:          a.job.InputPath,
		Playlist:       playlist,
		SegmentPattern: filepath.Join(a.outputDir, SegmentPattern),
		Info:           *info,
		Encoder:        encoder,
		Threads:        e.opts.Threads,
		SegmentTime:    e.opts.SegmentTime,
		MaxHeight:      e.opts.MaxHeight,
	})
	copyMode := "encode:" + encoder.Name
	if info.IsH264 {
		copyMode = "copy"
	}
	e.logger.Info("Transcoding task", id, "video", info.VideoCodec, info.Width, "x", info.Height, "mode", copyMode)
	e.logger.Debug("ffmpeg", args)

	cmd := exec.Command(e.opts.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fail(models.StatusPtr(models.StatusTranscoding), "failed to open ffmpeg stdout: %v", err)
		return
	}
	tail := newTailBuffer(stderrTailSize)
	cmd.Stderr = tail

	e.mu.Lock()
	if a.cancelled {
		e.mu.Unlock()
		return
	}
	startErr := cmd.Start()
	if startErr == nil {
		a.cmd = cmd
	}
	e.mu.Unlock()
	if startErr != nil {
		fail(models.StatusPtr(models.StatusTranscoding), "failed to start ffmpeg: %v", startErr)
		return
	}

	e.readProgress(ctx, id, stdout, info.Duration)
	waitErr := cmd.Wait()

	if !e.release(a) {
		return
	}

	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		msg := fmt.Sprintf("ffmpeg exited with code %d", code)
		if t := tail.String(); t != "" {
			msg += ": " + t
		}
		e.logger.Error("Transcode failed for task", id, ":", msg)
		e.failTask(ctx, id, msg, models.StatusPtr(models.StatusTranscoding))
		e.emit(Progress{TaskID: id, State: StateFailed, Error: msg})
		return
	}

	if err := ValidatePlaylist(playlist); err != nil {
		msg := fmt.Sprintf("invalid HLS output: %v", err)
		e.logger.Error("Transcode failed for task", id, ":", msg)
		e.failTask(ctx, id, msg, models.StatusPtr(models.StatusTranscoding))
		e.emit(Progress{TaskID: id, State: StateFailed, Error: msg})
		return
	}

	if err := e.store.MarkTranscoded(ctx, id, playlist); err != nil {
		e.logger.Error("Failed to mark task", id, "transcoded:", err)
		return
	}
	e.logger.Info("Transcode finished for task", id, "->", playlist)
	e.emit(Progress{TaskID: id, State: StateTranscoded, Percent: 100, OutTime: info.Duration})
}

// readProgress applies progress in the order ffmpeg reports it.
func (e *Engine) readProgress(ctx context.Context, id int64, r io.Reader, duration time.Duration) {
	parser := NewProgressParser(duration)
	last := -1
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, p := range parser.Feed(buf[:n]) {
				p.TaskID = id
				if p.Percent > last {
					last = p.Percent
					if uerr := e.store.UpdateTranscodeProgress(ctx, id, p.Percent); uerr != nil {
						e.logger.Debug("Progress update for task", id, "rejected:", uerr)
					}
				}
				e.emit(p)
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) failTask(ctx context.Context, id int64, msg string, failedAt *models.TaskStatus) {
	if err := e.store.MarkFailed(ctx, id, msg, failedAt); err != nil {
		e.logger.Error("Failed to mark task", id, "failed:", err)
	}
}
