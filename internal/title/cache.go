package title

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/titlecache"
)

// SaveCache writes the title's record: display names, icon and the file
// lines of both containers.
func (t *Title) SaveCache() error {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	rec := titlecache.Record{
		ShortName: t.ShortName(),
		LongName:  t.LongName(),
		Icon:      t.Icon(),
	}
	for _, c := range device.Containers {
		for _, f := range t.ContainerFiles(c) {
			rec.Files = append(rec.Files, titlecache.Entry{
				Container: c,
				Path:      f.Path,
				Size:      f.Size,
				Hash:      f.Hash,
			})
		}
	}
	return t.store.Write(t.entry.ID, rec)
}

// LoadCache restores state from the title's record, then walks every
// accessible container to pick up changes made since it was written. Every
// restored hash is marked NeedsRefresh. If the record is missing, from
// another version or malformed, the title is fully re-enumerated and the
// record rewritten.
func (t *Title) LoadCache(ctx context.Context) error {
	t.cacheMu.Lock()
	rec, err := t.store.Read(t.entry.ID)
	t.cacheMu.Unlock()

	if err != nil {
		switch {
		case os.IsNotExist(err):
			t.log.Debug("no cache record, enumerating")
		case errors.Is(err, titlecache.ErrVersion):
			t.log.Info("cache record version changed, enumerating")
		default:
			t.log.Warn("unreadable cache record, enumerating", zap.Error(err))
		}
		return t.rebuild(ctx)
	}

	t.setMetadata(rec.ShortName, rec.LongName, rec.Icon)

	var lists [2][]FileInfo
	for _, e := range rec.Files {
		lists[e.Container] = append(lists[e.Container], FileInfo{
			Path:         e.Path,
			Size:         e.Size,
			Hash:         e.Hash,
			NeedsRefresh: e.Hash != "",
		})
	}
	for _, c := range device.Containers {
		if !t.Accessible(c) {
			continue
		}
		t.SetContainerFiles(c, lists[c], false)
		if err := t.reload(ctx, c); err != nil {
			t.log.Warn("reload after cache load failed, enumerating",
				logging.Container(c), zap.Error(err))
			return t.rebuild(ctx)
		}
	}
	return t.SaveCache()
}

// rebuild discards every cached list and enumerates from the device.
func (t *Title) rebuild(ctx context.Context) error {
	md, err := t.storage.Metadata(t.entry)
	if err != nil {
		t.log.Warn("title metadata unavailable", zap.Error(err))
	}
	t.setMetadata(md.ShortName, md.LongName, md.Icon)

	for _, c := range device.Containers {
		t.SetContainerFiles(c, nil, false)
		if !t.Accessible(c) {
			continue
		}
		if err := t.reload(ctx, c); err != nil {
			return err
		}
	}
	return t.SaveCache()
}
