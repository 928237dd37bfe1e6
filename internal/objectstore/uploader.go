package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

var (
	// ErrUpload indicates the transfer could not complete within the retry budget.
	ErrUpload = errors.New("upload failed")
	// ErrObjectExists is returned when overwriting is disallowed and the
	// destination key is already occupied.
	ErrObjectExists = errors.New("object already exists")
)

// uploadPartSize is the chunk size of the multipart transfer. Each part is
// acknowledged independently, which is what makes interrupted transfers
// resumable from the last acknowledged offset.
const uploadPartSize = 16 << 20

// partRetryDelays is the backoff schedule applied per part before the
// transfer is abandoned: one immediate retry, then increasingly long waits.
var partRetryDelays = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// ProgressFunc observes monotonically increasing transfer progress.
type ProgressFunc func(transferred, total int64)

// UploadResult describes a fully present remote object.
type UploadResult struct {
	Bucket string
	Key    string
	URL    string
	Size   int64
}

// multipartAPI is the slice of the S3 multipart protocol the uploader
// consumes. minio.Core satisfies it; tests substitute a fake.
type multipartAPI interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	ListMultipartUploads(ctx context.Context, bucket, prefix, keyMarker, uploadIDMarker, delimiter string, maxUploads int) (minio.ListMultipartUploadsResult, error)
	ListObjectParts(ctx context.Context, bucket, object, uploadID string, partNumberMarker, maxParts int) (minio.ListObjectPartsResult, error)
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
}

// Upload pushes a local file to bucket/key using a resumable multipart
// transfer. When overwrite is false the call fails with ErrObjectExists if
// the destination key is occupied. An incomplete earlier transfer of the same
// content is resumed after its last acknowledged part rather than restarted.
func (s *Store) Upload(ctx context.Context, bucket, localPath, key, contentType string, overwrite bool, progress ProgressFunc) (UploadResult, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: open %s: %v", ErrUpload, localPath, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: stat %s: %v", ErrUpload, localPath, err)
	}
	total := info.Size()

	if !overwrite {
		if _, err := s.mp.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err == nil {
			return UploadResult{}, fmt.Errorf("%w: %s/%s", ErrObjectExists, bucket, key)
		} else if resp := minio.ToErrorResponse(err); resp.Code != "NoSuchKey" && resp.StatusCode != 404 {
			return UploadResult{}, fmt.Errorf("%w: probe %s/%s: %v", ErrUpload, bucket, key, err)
		}
	}

	partCount := int(total / uploadPartSize)
	if total%uploadPartSize != 0 || partCount == 0 {
		partCount++
	}

	uploadID, completed, err := s.resumeOrBegin(ctx, bucket, key, contentType, file, total)
	if err != nil {
		return UploadResult{}, err
	}

	transferred := int64(0)
	for _, part := range completed {
		transferred += part.size
	}
	if progress != nil && transferred > 0 {
		progress(transferred, total)
	}

	parts := make([]minio.CompletePart, 0, partCount)
	for _, part := range completed {
		parts = append(parts, minio.CompletePart{PartNumber: part.number, ETag: part.etag})
	}

	buf := make([]byte, uploadPartSize)
	for number := len(completed) + 1; number <= partCount; number++ {
		offset := int64(number-1) * uploadPartSize
		size := min64(uploadPartSize, total-offset)
		if _, err := io.ReadFull(io.NewSectionReader(file, offset, size), buf[:size]); err != nil {
			return UploadResult{}, fmt.Errorf("%w: read part %d: %v", ErrUpload, number, err)
		}
		etag, err := s.putPartWithRetry(ctx, bucket, key, uploadID, number, buf[:size])
		if err != nil {
			return UploadResult{}, err
		}
		parts = append(parts, minio.CompletePart{PartNumber: number, ETag: etag})
		transferred += size
		if progress != nil {
			progress(transferred, total)
		}
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	if _, err := s.mp.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return UploadResult{}, fmt.Errorf("%w: complete %s/%s: %v", ErrUpload, bucket, key, err)
	}

	return UploadResult{
		Bucket: bucket,
		Key:    key,
		URL:    s.PublicURL(bucket, key),
		Size:   total,
	}, nil
}

type acknowledgedPart struct {
	number int
	etag   string
	size   int64
}

// resumeOrBegin looks for an incomplete multipart transfer targeting the same
// key whose acknowledged parts fingerprint-match the local file, and resumes
// it. A stale transfer with mismatching content is aborted and replaced.
func (s *Store) resumeOrBegin(ctx context.Context, bucket, key, contentType string, file *os.File, total int64) (string, []acknowledgedPart, error) {
	uploadID, err := s.findIncompleteUpload(ctx, bucket, key)
	if err != nil {
		s.logger.Warn("listing incomplete uploads failed, starting fresh", "bucket", bucket, "key", key, "error", err)
		uploadID = ""
	}
	if uploadID != "" {
		completed, match, err := s.verifyAcknowledgedParts(ctx, bucket, key, uploadID, file, total)
		if err != nil {
			return "", nil, err
		}
		if match {
			if len(completed) > 0 {
				s.logger.Info("resuming interrupted upload",
					"bucket", bucket, "key", key, "acknowledged_parts", len(completed))
			}
			return uploadID, completed, nil
		}
		if err := s.mp.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
			s.logger.Warn("aborting stale upload failed", "bucket", bucket, "key", key, "error", err)
		}
	}
	fresh, err := s.mp.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", nil, fmt.Errorf("%w: begin %s/%s: %v", ErrUpload, bucket, key, err)
	}
	return fresh, nil, nil
}

func (s *Store) findIncompleteUpload(ctx context.Context, bucket, key string) (string, error) {
	result, err := s.mp.ListMultipartUploads(ctx, bucket, key, "", "", "", 1000)
	if err != nil {
		return "", err
	}
	var (
		uploadID  string
		initiated time.Time
	)
	for _, upload := range result.Uploads {
		if upload.Key != key {
			continue
		}
		if uploadID == "" || upload.Initiated.After(initiated) {
			uploadID = upload.UploadID
			initiated = upload.Initiated
		}
	}
	return uploadID, nil
}

// verifyAcknowledgedParts returns the consecutive prefix of acknowledged
// parts whose ETags match the MD5 of the corresponding local chunk. match is
// false when any acknowledged part disagrees with the local content.
func (s *Store) verifyAcknowledgedParts(ctx context.Context, bucket, key, uploadID string, file *os.File, total int64) ([]acknowledgedPart, bool, error) {
	byNumber := make(map[int]minio.ObjectPart)
	marker := 0
	for {
		result, err := s.mp.ListObjectParts(ctx, bucket, key, uploadID, marker, 1000)
		if err != nil {
			return nil, false, fmt.Errorf("%w: list parts %s/%s: %v", ErrUpload, bucket, key, err)
		}
		for _, part := range result.ObjectParts {
			byNumber[part.PartNumber] = part
		}
		if !result.IsTruncated {
			break
		}
		marker = result.NextPartNumberMarker
	}

	var completed []acknowledgedPart
	buf := make([]byte, uploadPartSize)
	for number := 1; ; number++ {
		part, ok := byNumber[number]
		if !ok {
			break
		}
		offset := int64(number-1) * uploadPartSize
		if offset >= total {
			return nil, false, nil
		}
		size := min64(uploadPartSize, total-offset)
		if part.Size != size {
			return nil, false, nil
		}
		if _, err := io.ReadFull(io.NewSectionReader(file, offset, size), buf[:size]); err != nil {
			return nil, false, fmt.Errorf("%w: read part %d: %v", ErrUpload, number, err)
		}
		sum := md5.Sum(buf[:size])
		if !strings.EqualFold(strings.Trim(part.ETag, `"`), hex.EncodeToString(sum[:])) {
			return nil, false, nil
		}
		completed = append(completed, acknowledgedPart{number: number, etag: part.ETag, size: size})
	}
	return completed, true, nil
}

func (s *Store) putPartWithRetry(ctx context.Context, bucket, key, uploadID string, number int, chunk []byte) (string, error) {
	sum := md5.Sum(chunk)
	opts := minio.PutObjectPartOptions{Md5Base64: base64.StdEncoding.EncodeToString(sum[:])}
	var lastErr error
	for attempt, delay := range partRetryDelays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: part %d: %v", ErrUpload, number, ctx.Err())
			case <-time.After(delay):
			}
		}
		part, err := s.mp.PutObjectPart(ctx, bucket, key, uploadID, number, newChunkReader(chunk), int64(len(chunk)), opts)
		if err == nil {
			return part.ETag, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("part upload failed, retrying",
			"bucket", bucket, "key", key, "part", number, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("%w: part %d after %d attempts: %v", ErrUpload, number, len(partRetryDelays), lastErr)
}

// chunkReader wraps an in-memory chunk so each retry re-reads from the start.
type chunkReader struct {
	data []byte
	off  int
}

func newChunkReader(data []byte) *chunkReader {
	return &chunkReader{data: data}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
