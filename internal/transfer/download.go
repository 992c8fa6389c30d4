package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/client"
	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/hasher"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/metrics"
	"github.com/fruitsalade/savesync/internal/protocol"
	"github.com/fruitsalade/savesync/internal/title"
)

// Download applies the server's actions for c to the device.
func (e *Engine) Download(ctx context.Context, t *title.Title, c device.Container, progress ProgressFunc) (res Result, err error) {
	log := logging.Named("download").With(logging.Title(t.ID()), logging.Container(c))

	files, release, err := claim(ctx, t, c)
	if err != nil {
		return Result{}, err
	}
	defer release()

	resp, err := e.api.DownloadBegin(ctx, protocol.DownloadBeginRequest{
		ID:            t.ID(),
		Container:     c.String(),
		ExistingFiles: toEntries(files),
	})
	if errors.Is(err, client.ErrNoChanges) {
		return Result{Files: files}, ErrNothingToDownload
	}
	if err != nil {
		return Result{}, err
	}

	txn := newTxn(ctx, "download", e.api.DownloadCancel, e.cancelTimeout, log)
	txn.begin(resp.Ticket)
	defer txn.guard()

	prog := &counter{fn: progress}
	actions := make([]action, 0, len(resp.Files))
	for _, a := range resp.Files {
		local, err := title.CleanPath(a.Path)
		if err != nil {
			return Result{}, &client.ProtocolError{Op: "download begin", Status: 200, Message: err.Error()}
		}
		if a.Action == protocol.ActionCreate || a.Action == protocol.ActionReplace {
			if a.Size == nil || *a.Size < 0 {
				return Result{}, &client.ProtocolError{Op: "download begin", Status: 200, Message: "missing size for " + a.Path}
			}
			prog.total += *a.Size
		}
		actions = append(actions, action{DownloadFile: a, local: local})
	}
	log.Info("download begun", zap.Int("actions", len(actions)), zap.Int64("bytes", prog.total))

	arc, err := t.OpenContainer(c)
	if err != nil {
		return Result{}, &LocalIOError{Op: "open " + c.String(), Err: err}
	}
	defer arc.Close()

	state := newApplyState(files)
	defer func() {
		if err != nil && state.touched {
			e.resync(ctx, t, c, state.list(), log)
		}
	}()

	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if a.Action != protocol.ActionKeep {
			txn.transferring()
		}
		if err := e.apply(ctx, txn.Ticket(), arc, a, state, prog); err != nil {
			return Result{}, err
		}
	}

	final := state.list()
	if err := e.finalize(ctx, t, c, arc, txn); err != nil {
		// Applied files stay; memory and cache must describe them.
		if serr := t.SetContainerFiles(c, final, true); serr != nil {
			log.Warn("save cache after finalize failure", zap.Error(serr))
		}
		state.touched = false
		return Result{}, err
	}
	if err := t.SetContainerFiles(c, final, true); err != nil {
		log.Warn("save cache after download", zap.Error(err))
	}
	log.Info("download complete", zap.Int64("bytes", prog.done))
	return Result{Files: final, Bytes: prog.done}, nil
}

func (e *Engine) finalize(ctx context.Context, t *title.Title, c device.Container, arc device.Archive, txn *Txn) error {
	if c == device.Save {
		if err := arc.Commit(); err != nil {
			return &FinalizeError{Step: "commit", Err: err}
		}
		if err := t.ClearSecureValue(); err != nil {
			return &FinalizeError{Step: "clear secure value", Err: err}
		}
	}
	if err := txn.end(ctx, e.api.DownloadEnd); err != nil {
		if client.IsTransport(err) {
			return err
		}
		return &FinalizeError{Step: "download end", Err: err}
	}
	return nil
}

// resync records a partially applied download so the next sync starts from
// what is actually on the device.
func (e *Engine) resync(ctx context.Context, t *title.Title, c device.Container, files []title.FileInfo, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := t.SetContainerFiles(c, files, false); err != nil {
		log.Warn("record partial download", zap.Error(err))
	}
	if err := t.ReloadContainerFiles(ctx, c); err != nil {
		log.Warn("reload after partial download", zap.Error(err))
	}
}

// action is a server action with its path rooted for the archive. The
// server's own spelling of the path is kept for fetching.
type action struct {
	protocol.DownloadFile
	local string
}

// applyState is the container list as actions are applied.
type applyState struct {
	files   map[string]title.FileInfo
	touched bool
}

func newApplyState(files []title.FileInfo) *applyState {
	s := &applyState{files: make(map[string]title.FileInfo, len(files))}
	for _, f := range files {
		s.files[f.Path] = f
	}
	return s
}

func (s *applyState) list() []title.FileInfo {
	out := make([]title.FileInfo, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	title.SortFiles(out)
	return out
}

func (e *Engine) apply(ctx context.Context, ticket string, arc device.Archive, a action, s *applyState, prog *counter) error {
	switch a.Action {
	case protocol.ActionKeep:
		return nil

	case protocol.ActionRemove:
		s.touched = true
		if err := arc.Remove(a.local); err != nil && !os.IsNotExist(err) {
			return &LocalIOError{Op: "remove", Path: a.local, Err: err}
		}
		delete(s.files, a.local)
		return nil

	case protocol.ActionCreate, protocol.ActionReplace:
		return e.write(ctx, ticket, arc, a, s, prog)
	}
	return &client.ProtocolError{Op: "download begin", Status: 200, Message: fmt.Sprintf("unknown action %q", a.Action)}
}

func (e *Engine) write(ctx context.Context, ticket string, arc device.Archive, a action, s *applyState, prog *counter) error {
	size := *a.Size
	body, _, err := e.api.DownloadFile(ctx, ticket, a.Path, func(n int64) {
		metrics.AddDownloaded(n)
		prog.add(n)
	})
	if err != nil {
		return err
	}
	defer body.Close()

	s.touched = true
	f, err := openTarget(arc, a)
	if err != nil {
		delete(s.files, a.local)
		return err
	}
	defer f.Close()
	// Unknown content until the digest below is recorded.
	s.files[a.local] = title.FileInfo{Path: a.local, Size: size}

	h := hasher.NewWriter()
	buf := make([]byte, hasher.ChunkSize)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if written+int64(n) > size {
				return &client.ProtocolError{Op: "download file", Status: 200, Message: "body longer than declared size for " + a.Path}
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return &LocalIOError{Op: "write", Path: a.local, Err: werr}
			}
			h.Write(buf[:n])
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if written != size {
		return &client.ProtocolError{Op: "download file", Status: 200,
			Message: fmt.Sprintf("short body for %s: %d of %d bytes", a.Path, written, size)}
	}

	digest := h.Digest()
	s.files[a.local] = title.FileInfo{Path: a.local, Size: size, Hash: digest}
	if want := a.Hash; want != nil && *want != "" && *want != digest {
		return fmt.Errorf("%w: %s", ErrHashMismatch, a.Path)
	}
	return nil
}

// openTarget prepares a file for writing at its declared size. CREATE
// makes parent directories; REPLACE resizes in place or deletes and
// recreates when the archive cannot resize.
func openTarget(arc device.Archive, a action) (afero.File, error) {
	size := *a.Size
	if a.Action == protocol.ActionReplace && !arc.ResizeInPlace() {
		if err := arc.Remove(a.local); err != nil && !os.IsNotExist(err) {
			return nil, &LocalIOError{Op: "delete for resize", Path: a.local, Err: err}
		}
	}
	if dir := path.Dir(a.local); dir != "/" {
		if err := arc.MkdirAll(dir, 0755); err != nil {
			return nil, &LocalIOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	f, err := arc.OpenFile(a.local, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, &LocalIOError{Op: "create", Path: a.local, Err: err}
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, &LocalIOError{Op: "resize", Path: a.local, Err: err}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, &LocalIOError{Op: "seek", Path: a.local, Err: err}
	}
	return f, nil
}
