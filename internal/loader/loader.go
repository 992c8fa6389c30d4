// Package loader runs the two background workers that keep the title
// collection current: enumeration of installed titles and prioritized
// hashing of their containers.
package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/events"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/metrics"
	"github.com/fruitsalade/savesync/internal/title"
	"github.com/fruitsalade/savesync/internal/titlecache"
)

// Priority orders hash work.
type Priority int

const (
	High Priority = iota
	Medium
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

// Options configures a Loader.
type Options struct {
	// RehashLow re-validates fully hashed containers after the high and
	// medium buckets are drained.
	RehashLow bool
	// IdleInterval is how long the hash worker waits between passes when
	// nothing wakes it.
	IdleInterval time.Duration
	Clock        clockwork.Clock
	Events       *events.Broadcaster
	// OnContainerHashed runs after every successful hash of a container.
	OnContainerHashed func(t *title.Title, c device.Container)
}

// Loader owns the title list.
type Loader struct {
	storage device.Storage
	store   *titlecache.Store
	opts    Options
	log     *zap.Logger

	mu     sync.RWMutex
	titles []*title.Title
	byID   map[uint64]*title.Title

	loaded atomic.Int64
	total  atomic.Int64

	skipMu sync.Mutex
	skip   context.CancelFunc

	enumerate chan struct{}
	hashWake  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a loader. Workers do not run until Start.
func New(storage device.Storage, store *titlecache.Store, opts Options) *Loader {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 10 * time.Minute
	}
	return &Loader{
		storage:   storage,
		store:     store,
		opts:      opts,
		log:       logging.Named("loader"),
		byID:      make(map[uint64]*title.Title),
		enumerate: make(chan struct{}, 1),
		hashWake:  make(chan struct{}, 1),
	}
}

// Titles returns a snapshot of the loaded titles in enumeration order.
func (l *Loader) Titles() []*title.Title {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*title.Title(nil), l.titles...)
}

// Title looks up a loaded title by ID.
func (l *Loader) Title(id uint64) *title.Title {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byID[id]
}

// Progress reports enumeration progress.
func (l *Loader) Progress() (loaded, total int) {
	return int(l.loaded.Load()), int(l.total.Load())
}

// Start launches the enumeration and hash workers. An enumeration runs
// immediately.
func (l *Loader) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.Reload()

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.enumerationWorker(ctx)
	}()
	go func() {
		defer l.wg.Done()
		l.hashWorker(ctx)
	}()
}

// Stop cancels both workers and waits for them to exit.
func (l *Loader) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Reload schedules a fresh enumeration.
func (l *Loader) Reload() {
	select {
	case l.enumerate <- struct{}{}:
	default:
	}
}

// WakeHasher starts a hash pass without waiting for the idle interval.
func (l *Loader) WakeHasher() {
	select {
	case l.hashWake <- struct{}{}:
	default:
	}
}

// SkipCurrent abandons the container being hashed. The hash worker moves on
// to the next pair.
func (l *Loader) SkipCurrent() {
	l.skipMu.Lock()
	if l.skip != nil {
		l.skip()
	}
	l.skipMu.Unlock()
}

func (l *Loader) enumerationWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.enumerate:
		}
		if err := l.Enumerate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Error("title enumeration failed", zap.Error(err))
			continue
		}
		l.WakeHasher()
	}
}

// Enumerate lists installed titles and replaces the collection. Titles with
// no accessible container are discarded.
func (l *Loader) Enumerate(ctx context.Context) error {
	entries, err := l.storage.ListTitles(ctx)
	if err != nil {
		return err
	}
	l.loaded.Store(0)
	l.total.Store(int64(len(entries)))
	l.log.Info("enumerating titles", zap.Int("total", len(entries)))

	titles := make([]*title.Title, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := title.Load(ctx, e, l.storage, l.store)
		l.loaded.Add(1)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("title load failed", logging.Title(e.ID), zap.Error(err))
			continue
		}
		if !t.AnyAccessible() {
			continue
		}
		titles = append(titles, t)
		l.opts.Events.Publish(events.Event{Type: events.TitleChanged, TitleID: t.ID()})
	}

	byID := make(map[uint64]*title.Title, len(titles))
	for _, t := range titles {
		byID[t.ID()] = t
	}
	l.mu.Lock()
	l.titles = titles
	l.byID = byID
	l.mu.Unlock()

	metrics.SetTitlesLoaded(len(titles))
	l.log.Info("titles loaded", zap.Int("count", len(titles)))
	return nil
}

func (l *Loader) hashWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.hashWake:
		case <-l.opts.Clock.After(l.opts.IdleInterval):
		}
		if _, err := l.HashPass(ctx); err != nil {
			return
		}
	}
}

type work struct {
	t *title.Title
	c device.Container
}

// plan classifies every accessible container into priority buckets.
func (l *Loader) plan() [3][]work {
	var buckets [3][]work
	for _, t := range l.Titles() {
		for _, c := range device.Containers {
			if !t.Accessible(c) {
				continue
			}
			switch t.HashState(c) {
			case title.HashMissing:
				buckets[High] = append(buckets[High], work{t, c})
			case title.HashStale:
				buckets[Medium] = append(buckets[Medium], work{t, c})
			default:
				buckets[Low] = append(buckets[Low], work{t, c})
			}
		}
	}
	return buckets
}

// HashPass processes the high bucket, then medium, then (when configured)
// low. It returns the number of containers hashed and a non-nil error only
// when ctx ends.
func (l *Loader) HashPass(ctx context.Context) (int, error) {
	buckets := l.plan()
	hashed := 0
	for p, bucket := range buckets {
		prio := Priority(p)
		if prio == Low && !l.opts.RehashLow {
			break
		}
		for _, w := range bucket {
			if err := ctx.Err(); err != nil {
				return hashed, err
			}
			if l.hashOne(ctx, w, prio) {
				hashed++
			}
		}
	}
	return hashed, ctx.Err()
}

func (l *Loader) hashOne(ctx context.Context, w work, prio Priority) bool {
	pairCtx, cancel := context.WithCancel(ctx)
	l.skipMu.Lock()
	l.skip = cancel
	l.skipMu.Unlock()
	defer func() {
		l.skipMu.Lock()
		l.skip = nil
		l.skipMu.Unlock()
		cancel()
	}()

	log := l.log.With(logging.Title(w.t.ID()), logging.Container(w.c), zap.Stringer("priority", prio))
	var err error
	if prio == Low {
		err = w.t.RevalidateContainer(pairCtx, w.c)
	} else {
		err = w.t.HashContainer(pairCtx, w.c)
	}
	switch {
	case err == nil:
	case errors.Is(err, title.ErrBusy):
		log.Debug("container busy, skipping")
		return false
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		log.Info("hash skipped")
		return false
	case ctx.Err() != nil:
		return false
	default:
		log.Warn("hash failed", zap.Error(err))
		return false
	}

	if !w.t.LastHashValid(w.c) {
		log.Warn("some files could not be read and are left unhashed")
	}
	if l.opts.OnContainerHashed != nil {
		l.opts.OnContainerHashed(w.t, w.c)
	}
	l.opts.Events.Publish(events.Event{Type: events.TitleChanged, TitleID: w.t.ID(), Container: w.c})
	return true
}
