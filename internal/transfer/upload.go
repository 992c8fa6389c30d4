package transfer

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/client"
	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/hasher"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/metrics"
	"github.com/fruitsalade/savesync/internal/protocol"
	"github.com/fruitsalade/savesync/internal/title"
)

// claim takes the container for a transaction and brings its hashes up
// to date. The returned release must be called when done.
func claim(ctx context.Context, t *title.Title, c device.Container) ([]title.FileInfo, func(), error) {
	if !t.Accessible(c) {
		return nil, nil, &LocalIOError{Op: "open " + c.String(), Err: device.ErrNotAccessible}
	}
	if !t.Claim(c) {
		return nil, nil, &LocalIOError{Op: "claim " + c.String(), Err: title.ErrBusy}
	}
	release := func() { t.Release(c) }

	files, err := t.PrepareForSync(ctx, c)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &LocalIOError{Op: "hash " + c.String(), Err: err}
	}
	return files, release, nil
}

// Upload sends c's changed files to the server.
func (e *Engine) Upload(ctx context.Context, t *title.Title, c device.Container, progress ProgressFunc) (Result, error) {
	log := logging.Named("upload").With(logging.Title(t.ID()), logging.Container(c))

	files, release, err := claim(ctx, t, c)
	if err != nil {
		return Result{}, err
	}
	defer release()

	resp, err := e.api.UploadBegin(ctx, protocol.UploadBeginRequest{
		ID:        t.ID(),
		Container: c.String(),
		Files:     toEntries(files),
	})
	if errors.Is(err, client.ErrNoChanges) {
		return Result{Files: files}, ErrNothingToUpload
	}
	if err != nil {
		return Result{}, err
	}

	txn := newTxn(ctx, "upload", e.api.UploadCancel, e.cancelTimeout, log)
	txn.begin(resp.Ticket)
	defer txn.guard()

	byPath := make(map[string]title.FileInfo, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}
	prog := &counter{fn: progress}
	wanted := make([]title.FileInfo, 0, len(resp.Files))
	for _, p := range resp.Files {
		local, err := title.CleanPath(p)
		if err != nil {
			return Result{}, &client.ProtocolError{Op: "upload begin", Status: 200, Message: err.Error()}
		}
		f, ok := byPath[local]
		if !ok {
			return Result{}, &client.ProtocolError{Op: "upload begin", Status: 200, Message: "server requested unknown path " + p}
		}
		wanted = append(wanted, f)
		prog.total += f.Size
	}
	log.Info("upload begun", zap.Int("files", len(wanted)), zap.Int64("bytes", prog.total))

	if len(wanted) > 0 {
		arc, err := t.OpenContainer(c)
		if err != nil {
			return Result{}, &LocalIOError{Op: "open " + c.String(), Err: err}
		}
		defer arc.Close()

		for _, f := range wanted {
			txn.transferring()
			if err := e.uploadFile(ctx, txn.Ticket(), arc, f, prog); err != nil {
				return Result{}, err
			}
		}
	}

	if err := txn.end(ctx, e.api.UploadEnd); err != nil {
		if client.IsTransport(err) {
			return Result{}, err
		}
		return Result{}, &FinalizeError{Step: "upload end", Err: err}
	}
	log.Info("upload complete", zap.Int64("bytes", prog.done))
	return Result{Files: files, Bytes: prog.done}, nil
}

func (e *Engine) uploadFile(ctx context.Context, ticket string, arc device.Archive, f title.FileInfo, prog *counter) error {
	fh, err := arc.Open(f.Path)
	if err != nil {
		return &LocalIOError{Op: "open", Path: f.Path, Err: err}
	}
	defer fh.Close()

	body := io.LimitReader(hasher.NewZeroFillReader(fh, f.Size), f.Size)
	err = e.api.UploadFile(ctx, ticket, f.Path, body, f.Size, func(n int64) {
		metrics.AddUploaded(n)
		prog.add(n)
	})
	var se *client.SourceError
	if errors.As(err, &se) {
		return &LocalIOError{Op: "read", Path: f.Path, Err: se.Err}
	}
	return err
}
