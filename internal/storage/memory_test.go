package storage

import (
	"context"
	"errors"
	"testing"

	"clipforge/internal/models"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record, err := store.CreateVideo(ctx, CreateVideoParams{
		OwnerID:     "user-1",
		Title:       "Demo clip",
		StoragePath: "user-1/demo.mov",
		ProductID:   "prod-9",
		ASIN:        "B000TEST",
	})
	if err != nil {
		t.Fatalf("CreateVideo error: %v", err)
	}
	if record.ID == "" {
		t.Fatal("record id not assigned")
	}
	if record.UploadStatus != models.UploadStatusProcessing {
		t.Fatalf("new record status = %q, want processing", record.UploadStatus)
	}
	if record.TranscodedURL != nil || record.ErrorMessage != nil {
		t.Fatal("new record must have no terminal fields")
	}

	got, found, err := store.GetVideo(ctx, record.ID)
	if err != nil || !found {
		t.Fatalf("GetVideo = %v, found=%v", err, found)
	}
	if got.StoragePath != "user-1/demo.mov" {
		t.Fatalf("storage path = %q", got.StoragePath)
	}

	if _, found, _ := store.GetVideo(ctx, "missing"); found {
		t.Fatal("missing id reported as found")
	}
}

func TestMemoryStoreRejectsInvalidParams(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.CreateVideo(context.Background(), CreateVideoParams{OwnerID: "user-1"}); err == nil {
		t.Fatal("CreateVideo accepted empty storage path")
	}
	if _, err := store.CreateVideo(context.Background(), CreateVideoParams{StoragePath: "a.mov"}); err == nil {
		t.Fatal("CreateVideo accepted empty owner")
	}
}

func TestMemoryStoreTerminalTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	record, err := store.CreateVideo(ctx, CreateVideoParams{OwnerID: "user-1", StoragePath: "a.mov"})
	if err != nil {
		t.Fatalf("CreateVideo error: %v", err)
	}

	failed, err := store.MarkVideoFailed(ctx, record.ID, "download timed out")
	if err != nil {
		t.Fatalf("MarkVideoFailed error: %v", err)
	}
	if failed.UploadStatus != models.UploadStatusFailed || failed.ErrorMessage == nil || *failed.ErrorMessage != "download timed out" {
		t.Fatalf("failed record = %+v", failed)
	}
	if failed.TranscodedURL != nil {
		t.Fatal("failed record kept a transcoded URL")
	}

	completed, err := store.MarkVideoCompleted(ctx, record.ID, "https://cdn.example.com/a.mp4", 1234)
	if err != nil {
		t.Fatalf("MarkVideoCompleted error: %v", err)
	}
	if !completed.Completed() {
		t.Fatalf("completed record fails invariant: %+v", completed)
	}
	if completed.ErrorMessage != nil {
		t.Fatal("completion left a stale error message")
	}
	if completed.FileSize != 1234 {
		t.Fatalf("file size = %d", completed.FileSize)
	}
}

func TestMemoryStoreListProcessing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pending, err := store.CreateVideo(ctx, CreateVideoParams{OwnerID: "user-1", StoragePath: "pending.mov"})
	if err != nil {
		t.Fatalf("CreateVideo error: %v", err)
	}
	finished, err := store.CreateVideo(ctx, CreateVideoParams{OwnerID: "user-1", StoragePath: "finished.mov"})
	if err != nil {
		t.Fatalf("CreateVideo error: %v", err)
	}
	if _, err := store.MarkVideoCompleted(ctx, finished.ID, "https://cdn.example.com/f.mp4", 10); err != nil {
		t.Fatalf("MarkVideoCompleted error: %v", err)
	}

	records, err := store.ListProcessing(ctx)
	if err != nil {
		t.Fatalf("ListProcessing error: %v", err)
	}
	if len(records) != 1 || records[0].ID != pending.ID {
		t.Fatalf("processing records = %+v, want only %s", records, pending.ID)
	}
}

func TestMemoryStoreUnknownVideo(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.MarkVideoCompleted(context.Background(), "nope", "u", 1); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("error = %v, want ErrVideoNotFound", err)
	}
	if _, err := store.MarkVideoFailed(context.Background(), "nope", "m"); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("error = %v, want ErrVideoNotFound", err)
	}
}
