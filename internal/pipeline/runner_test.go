package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/storage"
)

type fakeRecordStore struct {
	mu        sync.Mutex
	completed chan completedCall
	failed    chan failedCall

	completeErr error
	failErr     error

	processing []models.VideoRecord
}

type completedCall struct {
	videoID string
	url     string
	size    int64
}

type failedCall struct {
	videoID string
	message string
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		completed: make(chan completedCall, 8),
		failed:    make(chan failedCall, 8),
	}
}

func (f *fakeRecordStore) Ping(ctx context.Context) error { return nil }

func (f *fakeRecordStore) CreateVideo(ctx context.Context, params storage.CreateVideoParams) (models.VideoRecord, error) {
	return models.VideoRecord{}, errors.New("not used")
}

func (f *fakeRecordStore) GetVideo(ctx context.Context, id string) (models.VideoRecord, bool, error) {
	return models.VideoRecord{}, false, nil
}

func (f *fakeRecordStore) ListProcessing(ctx context.Context) ([]models.VideoRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.VideoRecord(nil), f.processing...), nil
}

func (f *fakeRecordStore) MarkVideoCompleted(ctx context.Context, id, url string, size int64) (models.VideoRecord, error) {
	f.mu.Lock()
	err := f.completeErr
	f.mu.Unlock()
	if err != nil {
		return models.VideoRecord{}, err
	}
	f.completed <- completedCall{videoID: id, url: url, size: size}
	return models.VideoRecord{ID: id}, nil
}

func (f *fakeRecordStore) MarkVideoFailed(ctx context.Context, id, message string) (models.VideoRecord, error) {
	f.mu.Lock()
	err := f.failErr
	f.mu.Unlock()
	if err != nil {
		return models.VideoRecord{}, err
	}
	f.failed <- failedCall{videoID: id, message: message}
	return models.VideoRecord{ID: id}, nil
}

type fakeResolver struct {
	err    error
	direct bool
}

func (f *fakeResolver) ResolveSource(ctx context.Context, ref string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	return "https://source.example.com/" + ref, f.direct, nil
}

type fakeFetcher struct {
	err         error
	started     chan string
	release     chan struct{}
	credentials chan string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, credential, dest string, budget time.Duration) (int64, error) {
	if f.started != nil {
		f.started <- dest
	}
	if f.credentials != nil {
		f.credentials <- credential
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	if err := os.WriteFile(dest, []byte("source bytes"), 0o644); err != nil {
		return 0, err
	}
	return int64(len("source bytes")), nil
}

type fakeTranscoder struct {
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeTranscoder) Transcode(ctx context.Context, input, output string) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

type uploadCall struct {
	bucket    string
	key       string
	overwrite bool
}

type fakeUploader struct {
	err     error
	url     string
	calls   chan uploadCall
	started chan struct{}
	release chan struct{}
}

func (f *fakeUploader) Upload(ctx context.Context, bucket, localPath, key, contentType string, overwrite bool, progress objectstore.ProgressFunc) (objectstore.UploadResult, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return objectstore.UploadResult{}, ctx.Err()
		}
	}
	if f.calls != nil {
		f.calls <- uploadCall{bucket: bucket, key: key, overwrite: overwrite}
	}
	if f.err != nil {
		return objectstore.UploadResult{}, f.err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return objectstore.UploadResult{}, err
	}
	return objectstore.UploadResult{Bucket: bucket, Key: key, URL: f.url, Size: info.Size()}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, cfg RunnerConfig) *Runner {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Workspaces == nil {
		cfg.Workspaces = &WorkspaceManager{Root: t.TempDir()}
	}
	runner := NewRunner(cfg)
	runner.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := runner.Shutdown(ctx); err != nil {
			t.Errorf("shutdown error: %v", err)
		}
	})
	return runner
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestRunnerProcessesJobToCompletion(t *testing.T) {
	store := newFakeRecordStore()
	uploads := &fakeUploader{url: "https://cdn.example.com/videos/transcoded/user/clip.mp4", calls: make(chan uploadCall, 1)}
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Sources:    &fakeResolver{},
		Fetcher:    &fakeFetcher{},
		Transcoder: &fakeTranscoder{},
		Uploader:   uploads,
		Bucket:     "videos",
		Workers:    1,
	})

	runner.Enqueue(models.Job{ID: "job-vid-1", VideoID: "vid-1", Source: "user/clip.mov"})

	call := waitFor(t, uploads.calls, "upload call")
	if call.bucket != "videos" {
		t.Fatalf("bucket = %q, want videos", call.bucket)
	}
	if call.key != "transcoded/user/clip.mp4" {
		t.Fatalf("key = %q, want transcoded/user/clip.mp4", call.key)
	}
	if !call.overwrite {
		t.Fatal("registered jobs must upload with overwrite enabled")
	}

	done := waitFor(t, store.completed, "completion record")
	if done.videoID != "vid-1" {
		t.Fatalf("completed video = %q, want vid-1", done.videoID)
	}
	if done.url != uploads.url {
		t.Fatalf("completed url = %q, want %q", done.url, uploads.url)
	}
	if done.size != int64(len("source bytes")) {
		t.Fatalf("completed size = %d, want %d", done.size, len("source bytes"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok := runner.Status().Get("job-vid-1")
		if ok && status.State == models.JobStateCompleted {
			if status.Progress != 100 {
				t.Fatalf("progress = %d, want 100", status.Progress)
			}
			if status.ResultURL != uploads.url {
				t.Fatalf("result url = %q, want %q", status.ResultURL, uploads.url)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never reached completed, got %+v", status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerStageFailureMarksRecordFailed(t *testing.T) {
	store := newFakeRecordStore()
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Sources:    &fakeResolver{},
		Fetcher:    &fakeFetcher{},
		Transcoder: &fakeTranscoder{err: errors.New("encoder exploded")},
		Uploader:   &fakeUploader{},
		Bucket:     "videos",
		Workers:    1,
	})

	runner.Enqueue(models.Job{ID: "job-vid-2", VideoID: "vid-2", Source: "broken.mov"})

	failure := waitFor(t, store.failed, "failure record")
	if failure.videoID != "vid-2" {
		t.Fatalf("failed video = %q, want vid-2", failure.videoID)
	}
	if failure.message != "encoder exploded" {
		t.Fatalf("failure message = %q", failure.message)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok := runner.Status().Get("job-vid-2")
		if ok && status.State == models.JobStateFailed {
			if status.Error != "encoder exploded" {
				t.Fatalf("status error = %q", status.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("status never reached failed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-store.completed:
		t.Fatal("failed job must not write a completion record")
	default:
	}
}

func TestRunnerFailedPersistDoesNotBlockStatus(t *testing.T) {
	store := newFakeRecordStore()
	store.failErr = errors.New("database down")
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Sources:    &fakeResolver{err: errors.New("presign failed")},
		Fetcher:    &fakeFetcher{},
		Transcoder: &fakeTranscoder{},
		Uploader:   &fakeUploader{},
		Bucket:     "videos",
		Workers:    1,
	})

	runner.Enqueue(models.Job{ID: "job-vid-3", VideoID: "vid-3", Source: "clip.mov"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok := runner.Status().Get("job-vid-3")
		if ok && status.State == models.JobStateFailed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("status never reached failed despite persist error")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerReleasesWorkspaceAfterTerminalState(t *testing.T) {
	root := t.TempDir()
	store := newFakeRecordStore()
	fetcher := &fakeFetcher{started: make(chan string, 1)}
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Workspaces: &WorkspaceManager{Root: root},
		Sources:    &fakeResolver{},
		Fetcher:    fetcher,
		Transcoder: &fakeTranscoder{},
		Uploader:   &fakeUploader{url: "https://cdn.example.com/x.mp4"},
		Bucket:     "videos",
		Workers:    1,
	})

	runner.Enqueue(models.Job{ID: "job-vid-4", VideoID: "vid-4", Source: "clip.mov"})

	dest := waitFor(t, fetcher.started, "fetch start")
	workspaceDir := filepath.Dir(dest)
	waitFor(t, store.completed, "completion record")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(workspaceDir); os.IsNotExist(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("workspace %s still present after terminal state", workspaceDir)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerDeduplicatesInFlightJobs(t *testing.T) {
	store := newFakeRecordStore()
	fetcher := &fakeFetcher{
		started: make(chan string, 4),
		release: make(chan struct{}),
	}
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Sources:    &fakeResolver{},
		Fetcher:    fetcher,
		Transcoder: &fakeTranscoder{},
		Uploader:   &fakeUploader{url: "https://cdn.example.com/x.mp4"},
		Bucket:     "videos",
		Workers:    2,
	})

	job := models.Job{ID: "job-vid-5", VideoID: "vid-5", Source: "clip.mov"}
	runner.Enqueue(job)
	runner.Enqueue(job)

	waitFor(t, fetcher.started, "first fetch")
	select {
	case <-fetcher.started:
		t.Fatal("duplicate job id started a second concurrent execution")
	case <-time.After(200 * time.Millisecond):
	}
	close(fetcher.release)

	waitFor(t, store.completed, "completion record")
}

func TestRunnerRecoversProcessingRecordsOnStart(t *testing.T) {
	store := newFakeRecordStore()
	store.processing = []models.VideoRecord{{
		ID:           "vid-7",
		OwnerID:      "user-1",
		StoragePath:  "user-1/interrupted.mov",
		UploadStatus: models.UploadStatusProcessing,
	}}
	uploads := &fakeUploader{url: "https://cdn.example.com/videos/transcoded/user-1/interrupted.mp4", calls: make(chan uploadCall, 1)}
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Sources:    &fakeResolver{},
		Fetcher:    &fakeFetcher{},
		Transcoder: &fakeTranscoder{},
		Uploader:   uploads,
		Bucket:     "videos",
		Workers:    1,
	})

	call := waitFor(t, uploads.calls, "upload call")
	if call.key != "transcoded/user-1/interrupted.mp4" {
		t.Fatalf("key = %q", call.key)
	}
	done := waitFor(t, store.completed, "completion record")
	if done.videoID != "vid-7" {
		t.Fatalf("completed video = %q, want vid-7", done.videoID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok := runner.Status().Get("job-vid-7")
		if ok && status.State == models.JobStateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("requeued job never reached completed status")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerDropsCredentialForPresignedSource(t *testing.T) {
	store := newFakeRecordStore()
	fetcher := &fakeFetcher{credentials: make(chan string, 1)}
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Sources:    &fakeResolver{direct: false},
		Fetcher:    fetcher,
		Transcoder: &fakeTranscoder{},
		Uploader:   &fakeUploader{url: "https://cdn.example.com/x.mp4"},
		Bucket:     "videos",
		Workers:    1,
	})

	runner.Enqueue(models.Job{ID: "job-vid-10", VideoID: "vid-10", Source: "user/clip.mov", Credential: "Bearer caller-token"})

	if credential := waitFor(t, fetcher.credentials, "fetch credential"); credential != "" {
		t.Fatalf("credential forwarded to presigned source: %q", credential)
	}
	waitFor(t, store.completed, "completion record")
}

func TestRunnerForwardsCredentialForDirectSource(t *testing.T) {
	store := newFakeRecordStore()
	fetcher := &fakeFetcher{credentials: make(chan string, 1)}
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Sources:    &fakeResolver{direct: true},
		Fetcher:    fetcher,
		Transcoder: &fakeTranscoder{},
		Uploader:   &fakeUploader{url: "https://cdn.example.com/x.mp4"},
		Bucket:     "videos",
		Workers:    1,
	})

	runner.Enqueue(models.Job{ID: "job-vid-11", VideoID: "vid-11", Source: "https://remote.example.com/in.mp4", Credential: "Bearer caller-token"})

	if credential := waitFor(t, fetcher.credentials, "fetch credential"); credential != "Bearer caller-token" {
		t.Fatalf("credential = %q, want the caller token", credential)
	}
	waitFor(t, store.completed, "completion record")
}

func assertStatus(t *testing.T, runner *Runner, jobID string, state models.JobState, progress int) {
	t.Helper()
	status, ok := runner.Status().Get(jobID)
	if !ok {
		t.Fatalf("no status recorded for %s", jobID)
	}
	if status.State != state || status.Progress != progress {
		t.Fatalf("status = %s/%d, want %s/%d", status.State, status.Progress, state, progress)
	}
}

func TestRunnerStatusProgressesThroughStages(t *testing.T) {
	store := newFakeRecordStore()
	fetcher := &fakeFetcher{started: make(chan string, 1), release: make(chan struct{})}
	transcoder := &fakeTranscoder{started: make(chan struct{}, 1), release: make(chan struct{})}
	uploader := &fakeUploader{
		url:     "https://cdn.example.com/videos/transcoded/user/staged.mp4",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Sources:    &fakeResolver{},
		Fetcher:    fetcher,
		Transcoder: transcoder,
		Uploader:   uploader,
		Bucket:     "videos",
		Workers:    1,
	})

	runner.Enqueue(models.Job{ID: "job-vid-12", VideoID: "vid-12", Source: "user/staged.mov"})

	waitFor(t, fetcher.started, "fetch start")
	assertStatus(t, runner, "job-vid-12", models.JobStateDownloading, 0)
	close(fetcher.release)

	waitFor(t, transcoder.started, "transcode start")
	assertStatus(t, runner, "job-vid-12", models.JobStateTranscoding, 30)
	close(transcoder.release)

	waitFor(t, uploader.started, "upload start")
	assertStatus(t, runner, "job-vid-12", models.JobStateUploading, 70)
	close(uploader.release)

	waitFor(t, store.completed, "completion record")
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok := runner.Status().Get("job-vid-12")
		if ok && status.State == models.JobStateCompleted {
			if status.Progress != 100 {
				t.Fatalf("progress = %d, want 100", status.Progress)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("status never reached completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunOnceUploadsToScratchWithoutOverwrite(t *testing.T) {
	store := newFakeRecordStore()
	uploads := &fakeUploader{url: "https://cdn.example.com/social-media-temp/out.mp4", calls: make(chan uploadCall, 1)}
	runner := newTestRunner(t, RunnerConfig{
		Store:      store,
		Sources:    &fakeResolver{},
		Fetcher:    &fakeFetcher{},
		Transcoder: &fakeTranscoder{},
		Uploader:   uploads,
		Bucket:     "videos",
		Workers:    1,
	})

	result, err := runner.RunOnce(context.Background(), "https://remote.example.com/in.mp4", "Bearer t", "social-media-temp", "transcoded-1-ab.mp4")
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if result.URL != uploads.url {
		t.Fatalf("result url = %q", result.URL)
	}

	call := waitFor(t, uploads.calls, "upload call")
	if call.bucket != "social-media-temp" || call.key != "transcoded-1-ab.mp4" {
		t.Fatalf("upload call = %+v", call)
	}
	if call.overwrite {
		t.Fatal("one-shot artifacts must not overwrite existing objects")
	}

	select {
	case <-store.completed:
		t.Fatal("RunOnce must not touch the record store")
	case <-store.failed:
		t.Fatal("RunOnce must not touch the record store")
	default:
	}
}

func TestDestinationKey(t *testing.T) {
	cases := []struct {
		source string
		want   string
	}{
		{"user-1/clip.mov", "transcoded/user-1/clip.mp4"},
		{"/user-1/clip.webm", "transcoded/user-1/clip.mp4"},
		{"plain", "transcoded/plain.mp4"},
		{"https://host.example.com/bucket/video.mp4?sig=abc", "transcoded/bucket/video.mp4"},
		{"", "transcoded/artifact.mp4"},
	}
	for _, tc := range cases {
		if got := DestinationKey(tc.source); got != tc.want {
			t.Errorf("DestinationKey(%q) = %q, want %q", tc.source, got, tc.want)
		}
	}
}
