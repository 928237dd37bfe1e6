package pipeline

import "errors"

var (
	// ErrFetchTimeout indicates the download budget elapsed before the
	// source stream completed.
	ErrFetchTimeout = errors.New("source fetch timed out")
	// ErrFetch covers transport and HTTP failures while downloading the source.
	ErrFetch = errors.New("source fetch failed")
	// ErrTranscode indicates the encoder subprocess failed or produced no output.
	ErrTranscode = errors.New("transcode failed")
)
