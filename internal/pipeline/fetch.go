package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Fetcher streams remote video sources to local disk. The response body is
// copied directly to the destination file so memory use stays bounded
// regardless of source size.
type Fetcher struct {
	Client *http.Client
}

func (f *Fetcher) httpClient() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// Fetch downloads url into dest within the given budget, forwarding
// credential as the Authorization header when non-empty. It returns the
// number of bytes written once they are durably on disk. On failure the
// destination may hold a partial file; callers discard it with the
// workspace.
func (f *Fetcher) Fetch(ctx context.Context, url, credential, dest string, budget time.Duration) (int64, error) {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if credential != "" {
		req.Header.Set("Authorization", credential)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return 0, classifyFetchErr(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: unexpected status %d from source", ErrFetch, resp.StatusCode)
	}

	file, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %v", ErrFetch, dest, err)
	}
	written, copyErr := io.Copy(file, resp.Body)
	if copyErr != nil {
		file.Close()
		return written, classifyFetchErr(ctx, copyErr)
	}
	// The write must be complete on disk before the transcoder reads it.
	if err := file.Sync(); err != nil {
		file.Close()
		return written, fmt.Errorf("%w: sync %s: %v", ErrFetch, dest, err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("%w: close %s: %v", ErrFetch, dest, err)
	}
	return written, nil
}

func classifyFetchErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFetch, err)
}
