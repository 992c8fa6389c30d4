package title

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/hasher"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/metrics"
)

// HashContainer re-walks c and hashes every file without a trusted hash.
// It returns ErrBusy while a network transaction has c claimed. Hashes
// computed before a cancellation are kept and persisted.
func (t *Title) HashContainer(ctx context.Context, c device.Container) error {
	if t.containers[c].busy.Load() {
		return ErrBusy
	}
	_, err := t.hash(ctx, c, false)
	return err
}

// RevalidateContainer is HashContainer that also re-hashes files whose hash
// is already trusted.
func (t *Title) RevalidateContainer(ctx context.Context, c device.Container) error {
	if t.containers[c].busy.Load() {
		return ErrBusy
	}
	_, err := t.hash(ctx, c, true)
	return err
}

// PrepareForSync brings c fully up to date for a transaction and returns the
// resulting list. Callers hold the claim on c.
func (t *Title) PrepareForSync(ctx context.Context, c device.Container) ([]FileInfo, error) {
	return t.hash(ctx, c, false)
}

func (t *Title) hash(ctx context.Context, c device.Container, all bool) ([]FileInfo, error) {
	start := time.Now()
	files, updated, hashErr := t.hashLocked(ctx, c, all)
	if !updated {
		return nil, hashErr
	}
	metrics.RecordHashContainer(time.Since(start))

	if err := t.SaveCache(); err != nil {
		t.log.Warn("save cache after hashing", logging.Container(c), zap.Error(err))
		if hashErr == nil {
			hashErr = err
		}
	}
	return files, hashErr
}

// hashLocked holds c's lock for the whole pass. updated is false when the
// list was left untouched.
func (t *Title) hashLocked(ctx context.Context, c device.Container, all bool) (files []FileInfo, updated bool, err error) {
	arc, err := t.OpenContainer(c)
	if err != nil {
		return nil, false, err
	}
	defer arc.Close()

	cs := &t.containers[c]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	walked, err := walk(ctx, arc)
	if err != nil {
		return nil, false, err
	}
	files = merge(cs.files, walked)
	cs.hashInvalid.Store(false)

	kept := files[:0]
	var cancelled error
	for _, f := range files {
		if cancelled == nil && (all || !f.Hashed()) {
			if err := ctx.Err(); err != nil {
				cancelled = err
			} else {
				var ok bool
				f, ok, cancelled = t.hashFile(ctx, arc, cs, f)
				if !ok {
					continue
				}
			}
		}
		kept = append(kept, f)
	}

	cs.files = kept
	cs.size = totalSize(kept)
	return copyFiles(kept), true, cancelled
}

// hashFile returns ok=false when the file can no longer be opened and must
// be dropped from the list. A non-nil error is only ever a cancellation.
func (t *Title) hashFile(ctx context.Context, arc device.Archive, cs *containerState, f FileInfo) (FileInfo, bool, error) {
	fh, err := arc.Open(f.Path)
	if err != nil {
		t.log.Debug("dropping unopenable file", logging.Path(f.Path), zap.Error(err))
		return f, false, nil
	}
	defer fh.Close()

	res, err := hasher.Hash(ctx, fh, f.Size)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return f, true, err
		}
		t.log.Warn("hash failed", logging.Path(f.Path), zap.Error(err))
		cs.hashInvalid.Store(true)
		f.Hash = ""
		f.NeedsRefresh = false
		return f, true, nil
	}
	f.Hash = res.Digest
	f.NeedsRefresh = false
	return f, true, nil
}
