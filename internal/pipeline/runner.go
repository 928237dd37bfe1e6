// Package pipeline implements the video processing job pipeline: the state
// machine that takes a registered job through download, transcode, and
// resumable upload to a persisted terminal state. Each job runs as an
// independent unit of concurrency inside a bounded worker pool; failures
// abort only the owning job and are reflected in the status store and the
// durable record, never re-raised to the caller.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/logging"
	"clipforge/internal/storage"
)

// SourceResolver turns a stored source reference into a fetchable URL. The
// direct flag reports whether the reference was already a URL: presigned URLs
// carry their own query-string auth, and forwarding a caller credential
// alongside it would both break the request and leak the token.
type SourceResolver interface {
	ResolveSource(ctx context.Context, ref string) (url string, direct bool, err error)
}

// SourceFetcher downloads a remote source to local disk within a budget.
type SourceFetcher interface {
	Fetch(ctx context.Context, url, credential, dest string, budget time.Duration) (int64, error)
}

// MediaTranscoder converts a downloaded input into the normalised output.
type MediaTranscoder interface {
	Transcode(ctx context.Context, input, output string) error
}

// Uploader pushes a finished artifact to durable object storage.
type Uploader interface {
	Upload(ctx context.Context, bucket, localPath, key, contentType string, overwrite bool, progress objectstore.ProgressFunc) (objectstore.UploadResult, error)
}

type RunnerConfig struct {
	Store           storage.VideoStore
	Status          *StatusStore
	Workspaces      *WorkspaceManager
	Sources         SourceResolver
	Fetcher         SourceFetcher
	Transcoder      MediaTranscoder
	Uploader        Uploader
	Bucket          string
	Workers         int
	QueueSize       int
	DownloadTimeout time.Duration
	Logger          *slog.Logger
}

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
	// Download budget. Deliberately generous compared to per-part upload
	// retries since large-file downloads dominate wall-clock time.
	defaultDownloadTimeout = 10 * time.Minute
	// Budget for landing terminal record writes, independent of job context.
	persistTimeout = 10 * time.Second

	outputContentType = "video/mp4"
)

// Runner owns the end-to-end execution of registered jobs. A fixed number of
// workers drain a bounded queue; one job identifier maps to at most one
// running execution at a time.
type Runner struct {
	store           storage.VideoStore
	status          *StatusStore
	workspaces      *WorkspaceManager
	sources         SourceResolver
	fetcher         SourceFetcher
	transcoder      MediaTranscoder
	uploader        Uploader
	bucket          string
	workers         int
	downloadTimeout time.Duration
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan models.Job
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

func NewRunner(cfg RunnerConfig) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = defaultDownloadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workspaces := cfg.Workspaces
	if workspaces == nil {
		workspaces = &WorkspaceManager{}
	}
	status := cfg.Status
	if status == nil {
		status = NewStatusStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:           cfg.Store,
		status:          status,
		workspaces:      workspaces,
		sources:         cfg.Sources,
		fetcher:         cfg.Fetcher,
		transcoder:      cfg.Transcoder,
		uploader:        cfg.Uploader,
		bucket:          cfg.Bucket,
		workers:         workers,
		downloadTimeout: downloadTimeout,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		queue:           make(chan models.Job, queueSize),
		inFlight:        make(map[string]struct{}),
	}
}

// Status exposes the process-local status store the runner writes to.
func (r *Runner) Status() *StatusStore { return r.status }

func (r *Runner) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	go r.recoverPending()
}

// recoverPending re-enqueues records left in the processing state by an
// earlier process: jobs accepted but interrupted before reaching a terminal
// state would otherwise read as "processing" forever with no owner.
func (r *Runner) recoverPending() {
	if r.store == nil {
		return
	}
	records, err := r.store.ListProcessing(r.ctx)
	if err != nil {
		r.logger.Error("failed to list interrupted records", "error", err)
		return
	}
	for _, record := range records {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		r.Enqueue(models.Job{
			ID:        models.JobIDFor(record.ID),
			VideoID:   record.ID,
			Source:    record.StoragePath,
			OwnerID:   record.OwnerID,
			CreatedAt: record.CreatedAt,
		})
	}
	if len(records) > 0 {
		r.logger.Info("requeued interrupted jobs", "count", len(records))
	}
}

func (r *Runner) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits a job for background processing. It blocks while the queue
// is full, until space frees up or the runner shuts down; after shutdown it
// returns without enqueueing.
func (r *Runner) Enqueue(job models.Job) {
	if r == nil || strings.TrimSpace(job.ID) == "" {
		return
	}
	select {
	case <-r.ctx.Done():
		return
	default:
	}
	select {
	case r.queue <- job:
	case <-r.ctx.Done():
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case job := <-r.queue:
			if !r.beginWork(job.ID) {
				continue
			}
			r.process(job)
			r.finishWork(job.ID)
		}
	}
}

func (r *Runner) beginWork(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inFlight[id]; exists {
		return false
	}
	r.inFlight[id] = struct{}{}
	return true
}

func (r *Runner) finishWork(id string) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

// process runs the full pipeline for one job. Any stage failure
// short-circuits to the failure branch; the workspace is released on every
// exit path.
func (r *Runner) process(job models.Job) {
	logger := r.logger.With("job_id", job.ID, "video_id", job.VideoID)
	ctx := logging.ContextWithJobID(r.ctx, job.ID)
	r.status.Set(models.JobStatus{JobID: job.ID, State: models.JobStateDownloading, Progress: 0})

	workspace, err := r.workspaces.Acquire()
	if err != nil {
		r.fail(logger, job, fmt.Errorf("acquire workspace: %w", err))
		return
	}
	defer func() {
		if err := workspace.Release(); err != nil {
			logger.Error("workspace release failed", "dir", workspace.Dir(), "error", err)
		}
	}()

	input := workspace.Path("input.mp4")
	output := workspace.Path("output.mp4")

	sourceURL, direct, err := r.sources.ResolveSource(ctx, job.Source)
	if err != nil {
		r.fail(logger, job, err)
		return
	}
	credential := job.Credential
	if !direct {
		// Presigned URLs authenticate via the query string; the caller's
		// bearer token must not travel to the object store.
		credential = ""
	}
	written, err := r.fetcher.Fetch(ctx, sourceURL, credential, input, r.downloadTimeout)
	if err != nil {
		r.fail(logger, job, err)
		return
	}
	logger.Info("source downloaded", "bytes", written)

	r.status.Set(models.JobStatus{JobID: job.ID, State: models.JobStateTranscoding, Progress: 30})
	if err := r.transcoder.Transcode(ctx, input, output); err != nil {
		r.fail(logger, job, err)
		return
	}

	r.status.Set(models.JobStatus{JobID: job.ID, State: models.JobStateUploading, Progress: 70})
	key := DestinationKey(job.Source)
	result, err := r.uploader.Upload(ctx, r.bucket, output, key, outputContentType, true, func(transferred, total int64) {
		logger.Debug("upload progress", "transferred", transferred, "total", total)
	})
	if err != nil {
		r.fail(logger, job, err)
		return
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := r.store.MarkVideoCompleted(persistCtx, job.VideoID, result.URL, result.Size); err != nil {
		r.fail(logger, job, fmt.Errorf("persist completion: %w", err))
		return
	}

	r.status.Set(models.JobStatus{
		JobID:     job.ID,
		State:     models.JobStateCompleted,
		Progress:  100,
		ResultURL: result.URL,
	})
	logger.Info("job completed", "url", result.URL, "size", result.Size)
}

// fail records the terminal failure. The durable write is best-effort: its
// own failure is logged and must not mask the pipeline failure, so the
// in-memory status transitions to failed regardless.
func (r *Runner) fail(logger *slog.Logger, job models.Job, cause error) {
	logger.Error("job failed", "error", cause)
	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := r.store.MarkVideoFailed(persistCtx, job.VideoID, cause.Error()); err != nil {
		logger.Error("failure record persist failed", "error", err)
	}
	r.status.Set(models.JobStatus{JobID: job.ID, State: models.JobStateFailed, Error: cause.Error()})
}

// RunOnce executes the full pipeline synchronously for the legacy one-shot
// endpoint: no status tracking, no durable record, destination overwrites
// rejected since each invocation produces a unique scratch artifact.
func (r *Runner) RunOnce(ctx context.Context, sourceURL, credential, bucket, key string) (objectstore.UploadResult, error) {
	workspace, err := r.workspaces.Acquire()
	if err != nil {
		return objectstore.UploadResult{}, fmt.Errorf("acquire workspace: %w", err)
	}
	defer func() {
		if err := workspace.Release(); err != nil {
			r.logger.Error("workspace release failed", "dir", workspace.Dir(), "error", err)
		}
	}()

	input := workspace.Path("input.mp4")
	output := workspace.Path("output.mp4")

	if _, err := r.fetcher.Fetch(ctx, sourceURL, credential, input, r.downloadTimeout); err != nil {
		return objectstore.UploadResult{}, err
	}
	if err := r.transcoder.Transcode(ctx, input, output); err != nil {
		return objectstore.UploadResult{}, err
	}
	return r.uploader.Upload(ctx, bucket, output, key, outputContentType, false, nil)
}

// DestinationKey derives the deterministic artifact key for a source
// reference. Keys live under a dedicated prefix and retain the source's path
// so distinct videos never collide.
func DestinationKey(source string) string {
	ref := strings.TrimSpace(source)
	if strings.Contains(ref, "://") {
		if parsed, err := url.Parse(ref); err == nil && parsed.Path != "" {
			ref = parsed.Path
		}
	}
	ref = strings.TrimLeft(ref, "/")
	if ext := path.Ext(ref); ext != "" {
		ref = strings.TrimSuffix(ref, ext)
	}
	if ref == "" {
		ref = "artifact"
	}
	return "transcoded/" + ref + ".mp4"
}
