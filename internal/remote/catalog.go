// Package remote caches the server's last-known file lists per title so
// titles can be flagged as out of sync without a transaction.
package remote

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/events"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/metrics"
	"github.com/fruitsalade/savesync/internal/protocol"
	"github.com/fruitsalade/savesync/internal/title"
)

// Fetcher loads the catalog. *client.Client implements it.
type Fetcher interface {
	Titles(ctx context.Context) (map[uint64]protocol.TitleInfo, error)
}

// Entry is the server's state of one title, each list sorted by path.
type Entry [2][]title.FileInfo

// Files returns the list for c.
func (e Entry) Files(c device.Container) []title.FileInfo {
	return e[c]
}

// Catalog is safe for concurrent use.
type Catalog struct {
	api    Fetcher
	events *events.Broadcaster
	log    *zap.Logger

	mu      sync.RWMutex
	entries map[uint64]Entry
	loaded  bool
}

// New returns an empty, unloaded catalog. ev may be nil.
func New(api Fetcher, ev *events.Broadcaster) *Catalog {
	return &Catalog{
		api:     api,
		events:  ev,
		log:     logging.Named("remote"),
		entries: make(map[uint64]Entry),
	}
}

func convert(in []protocol.FileEntry) []title.FileInfo {
	if len(in) == 0 {
		return nil
	}
	out := make([]title.FileInfo, len(in))
	for i, f := range in {
		out[i] = title.FileInfo{Path: f.Path, Size: f.Size, Hash: f.HashValue()}
	}
	title.SortFiles(out)
	return out
}

func equalEntries(a, b Entry) bool {
	return title.EqualLists(a[device.Save], b[device.Save]) &&
		title.EqualLists(a[device.Extdata], b[device.Extdata])
}

// Refresh replaces the catalog with the server's. CatalogChanged is
// published when any entry was added, removed or changed.
func (c *Catalog) Refresh(ctx context.Context) error {
	resp, err := c.api.Titles(ctx)
	metrics.RecordCatalogRefresh(err == nil)
	if err != nil {
		return err
	}

	next := make(map[uint64]Entry, len(resp))
	for id, info := range resp {
		var e Entry
		e[device.Save] = convert(info.Save)
		e[device.Extdata] = convert(info.Extdata)
		next[id] = e
	}

	c.mu.Lock()
	changed := !c.loaded || len(next) != len(c.entries)
	if !changed {
		for id, e := range next {
			old, ok := c.entries[id]
			if !ok || !equalEntries(old, e) {
				changed = true
				break
			}
		}
	}
	c.entries = next
	c.loaded = true
	c.mu.Unlock()

	c.log.Debug("catalog refreshed", zap.Int("titles", len(next)), zap.Bool("changed", changed))
	if changed {
		c.events.Publish(events.Event{Type: events.CatalogChanged})
	}
	return nil
}

// Clear forgets everything, e.g. when the link drops.
func (c *Catalog) Clear() {
	c.mu.Lock()
	wasLoaded := c.loaded
	c.entries = make(map[uint64]Entry)
	c.loaded = false
	c.mu.Unlock()
	if wasLoaded {
		c.events.Publish(events.Event{Type: events.CatalogChanged})
	}
}

// Loaded reports whether a refresh has succeeded since the last Clear.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Len returns the number of titles known to the server.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Get returns the entry for a title.
func (c *Catalog) Get(id uint64) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Set records files as the server's list for one container after a
// successful transaction.
func (c *Catalog) Set(id uint64, ct device.Container, files []title.FileInfo) {
	list := make([]title.FileInfo, len(files))
	for i, f := range files {
		list[i] = title.FileInfo{Path: f.Path, Size: f.Size, Hash: f.Hash}
	}
	title.SortFiles(list)

	c.mu.Lock()
	e := c.entries[id]
	e[ct] = list
	c.entries[id] = e
	c.mu.Unlock()
}

// OutOfSync returns the mask of t's accessible containers whose local list
// differs from the server's. It is zero while the catalog is not loaded.
func (c *Catalog) OutOfSync(t *title.Title) uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return 0
	}
	e := c.entries[t.ID()]
	var mask uint8
	for _, ct := range device.Containers {
		if !t.Accessible(ct) {
			continue
		}
		if !title.EqualLists(t.ContainerFiles(ct), e[ct]) {
			mask |= ct.Bit()
		}
	}
	return mask
}

// Mark recomputes t's out-of-sync mask and reports whether it changed.
func (c *Catalog) Mark(t *title.Title) bool {
	return t.SetOutOfSync(c.OutOfSync(t))
}
