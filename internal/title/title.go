// Package title owns the per-title file state: container file lists, their
// hashes, and the on-disk cache record that makes syncs incremental.
//
// Each container has its own lock. Enumeration and hashing hold it for the
// whole walk; network transactions hold it only to snapshot the list and to
// commit the final one. The cache file has a separate lock and always takes
// the container locks after it, never the other way around.
package title

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/titlecache"
)

// ErrBusy is returned when a container is claimed by a network transaction.
var ErrBusy = errors.New("container busy")

type containerState struct {
	mu          sync.Mutex
	accessible  bool
	files       []FileInfo
	size        int64
	busy        atomic.Bool
	// hashInvalid is set when the last hash pass failed to read a file.
	hashInvalid atomic.Bool
}

// Title is one synchronizable application.
type Title struct {
	entry   device.Entry
	storage device.Storage
	store   *titlecache.Store
	log     *zap.Logger

	metaMu    sync.RWMutex
	shortName string
	longName  string
	icon      []byte

	containers [2]containerState

	cacheMu sync.Mutex

	outOfSync atomic.Uint32
}

// New returns a title with no file state and probes which containers are
// accessible. It does not read or write the cache.
func New(entry device.Entry, storage device.Storage, store *titlecache.Store) *Title {
	t := &Title{
		entry:   entry,
		storage: storage,
		store:   store,
		log:     logging.Named("title").With(logging.Title(entry.ID)),
	}
	for _, c := range device.Containers {
		arc, err := storage.OpenContainer(entry, c)
		if err != nil {
			continue
		}
		arc.Close()
		t.containers[c].accessible = true
	}
	return t
}

// Load constructs a title and brings its file state up to date, from the
// cache when it is usable and by full enumeration otherwise.
func Load(ctx context.Context, entry device.Entry, storage device.Storage, store *titlecache.Store) (*Title, error) {
	t := New(entry, storage, store)
	if !t.AnyAccessible() {
		return t, nil
	}
	if err := t.LoadCache(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Title) ID() uint64 { return t.entry.ID }

func (t *Title) Media() device.MediaType { return t.entry.Media }

func (t *Title) Entry() device.Entry { return t.entry }

func (t *Title) ShortName() string {
	t.metaMu.RLock()
	defer t.metaMu.RUnlock()
	return t.shortName
}

func (t *Title) LongName() string {
	t.metaMu.RLock()
	defer t.metaMu.RUnlock()
	return t.longName
}

func (t *Title) Icon() []byte {
	t.metaMu.RLock()
	defer t.metaMu.RUnlock()
	return t.icon
}

func (t *Title) setMetadata(short, long string, icon []byte) {
	t.metaMu.Lock()
	t.shortName, t.longName, t.icon = short, long, icon
	t.metaMu.Unlock()
}

// String is used in user-facing messages.
func (t *Title) String() string {
	if name := t.ShortName(); name != "" {
		return fmt.Sprintf("%s (%016X)", name, t.entry.ID)
	}
	return fmt.Sprintf("%016X", t.entry.ID)
}

// Accessible reports whether the title exposes container c.
func (t *Title) Accessible(c device.Container) bool {
	return t.containers[c].accessible
}

// AnyAccessible reports whether at least one container is accessible.
func (t *Title) AnyAccessible() bool {
	return t.Accessible(device.Save) || t.Accessible(device.Extdata)
}

// OpenContainer opens a storage context for c. It returns a nil archive and
// device.ErrNotAccessible if the container is not accessible.
func (t *Title) OpenContainer(c device.Container) (device.Archive, error) {
	if !t.Accessible(c) {
		return nil, device.ErrNotAccessible
	}
	return t.storage.OpenContainer(t.entry, c)
}

// ContainerFiles returns a copy of c's sorted file list.
func (t *Title) ContainerFiles(c device.Container) []FileInfo {
	cs := &t.containers[c]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return copyFiles(cs.files)
}

// SetContainerFiles replaces c's file list, sorting it by path, and
// rewrites the cache when persist is set.
func (t *Title) SetContainerFiles(c device.Container, files []FileInfo, persist bool) error {
	files = copyFiles(files)
	SortFiles(files)

	cs := &t.containers[c]
	cs.mu.Lock()
	cs.files = files
	cs.size = totalSize(files)
	cs.mu.Unlock()

	if persist {
		return t.SaveCache()
	}
	return nil
}

// ClearSecureValue resets the device's anti-rollback counter for the title.
func (t *Title) ClearSecureValue() error {
	return t.storage.ClearSecureValue(t.entry)
}

// Size returns the cumulative byte size of c's files.
func (t *Title) Size(c device.Container) int64 {
	cs := &t.containers[c]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.size
}

// OutOfSync returns the mask of containers that differ from the server's
// last known state.
func (t *Title) OutOfSync() uint8 {
	return uint8(t.outOfSync.Load())
}

// SetOutOfSync stores a new mask and reports whether it changed.
func (t *Title) SetOutOfSync(mask uint8) bool {
	return t.outOfSync.Swap(uint32(mask)) != uint32(mask)
}

// LastHashValid reports whether the last hash pass over c read every file
// it attempted.
func (t *Title) LastHashValid(c device.Container) bool {
	return !t.containers[c].hashInvalid.Load()
}

// Claim marks c as held by a network transaction. It returns false if the
// container is already claimed.
func (t *Title) Claim(c device.Container) bool {
	return t.containers[c].busy.CompareAndSwap(false, true)
}

// Release ends a claim taken with Claim.
func (t *Title) Release(c device.Container) {
	t.containers[c].busy.Store(false)
}

// HashState summarizes how much of c is hashed.
type HashState int

const (
	HashComplete HashState = iota
	HashStale
	HashMissing
)

// HashState classifies c: HashMissing if some file has no hash at all,
// HashStale if some hash needs refresh, HashComplete otherwise.
func (t *Title) HashState(c device.Container) HashState {
	cs := &t.containers[c]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	state := HashComplete
	for _, f := range cs.files {
		if f.Hash == "" {
			return HashMissing
		}
		if f.NeedsRefresh {
			state = HashStale
		}
	}
	return state
}

// ReloadContainerFiles re-walks c and diffs the result against the current
// list, then rewrites the cache.
func (t *Title) ReloadContainerFiles(ctx context.Context, c device.Container) error {
	if err := t.reload(ctx, c); err != nil {
		return err
	}
	return t.SaveCache()
}

func (t *Title) reload(ctx context.Context, c device.Container) error {
	arc, err := t.OpenContainer(c)
	if err != nil {
		return err
	}
	defer arc.Close()

	cs := &t.containers[c]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	walked, err := walk(ctx, arc)
	if err != nil {
		return fmt.Errorf("walk %s: %w", c, err)
	}
	cs.files = merge(cs.files, walked)
	cs.size = totalSize(cs.files)
	return nil
}
