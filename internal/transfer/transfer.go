// Package transfer runs upload and download transactions for one title
// container against the sync API.
//
// A transaction claims its container for its whole duration so the hash
// worker leaves it alone, but takes the container lock only to snapshot the
// file list and to commit the final one.
package transfer

import (
	"context"
	"io"
	"time"

	"github.com/fruitsalade/savesync/internal/protocol"
	"github.com/fruitsalade/savesync/internal/title"
)

// API is the server side of a transaction. *client.Client implements it.
type API interface {
	UploadBegin(ctx context.Context, req protocol.UploadBeginRequest) (*protocol.UploadBeginResponse, error)
	UploadFile(ctx context.Context, ticket, path string, r io.Reader, size int64, progress func(int64)) error
	UploadEnd(ctx context.Context, ticket string) error
	UploadCancel(ctx context.Context, ticket string) error

	DownloadBegin(ctx context.Context, req protocol.DownloadBeginRequest) (*protocol.DownloadBeginResponse, error)
	DownloadFile(ctx context.Context, ticket, path string, progress func(int64)) (io.ReadCloser, int64, error)
	DownloadEnd(ctx context.Context, ticket string) error
	DownloadCancel(ctx context.Context, ticket string) error
}

// ProgressFunc receives cumulative transferred bytes and the expected
// total for the transaction.
type ProgressFunc func(done, total int64)

// Result describes a finished transaction.
type Result struct {
	// Files is the container list after the transaction, matching what
	// the server now holds.
	Files []title.FileInfo
	Bytes int64
}

// Engine runs transactions.
type Engine struct {
	api           API
	cancelTimeout time.Duration
}

// New returns an engine. cancelTimeout bounds the cancel call issued when
// a transaction fails; zero means 10 seconds.
func New(api API, cancelTimeout time.Duration) *Engine {
	if cancelTimeout <= 0 {
		cancelTimeout = 10 * time.Second
	}
	return &Engine{api: api, cancelTimeout: cancelTimeout}
}

func toEntries(files []title.FileInfo) []protocol.FileEntry {
	out := make([]protocol.FileEntry, len(files))
	for i, f := range files {
		out[i] = protocol.FileEntry{Path: f.Path, Size: f.Size, Hash: protocol.HashPtr(f.Hash)}
	}
	return out
}

type counter struct {
	done, total int64
	fn          ProgressFunc
}

func (c *counter) add(n int64) {
	c.done += n
	if c.fn != nil {
		c.fn(c.done, c.total)
	}
}
