// Package queue drains a deduplicated, ordered set of sync requests with a
// single background worker. The worker also tracks server connectivity and
// keeps the remote catalog fresh.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/events"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/metrics"
	"github.com/fruitsalade/savesync/internal/remote"
	"github.com/fruitsalade/savesync/internal/title"
	"github.com/fruitsalade/savesync/internal/transfer"
)

// Server is the connectivity half of the API. *client.Client implements it.
type Server interface {
	Status(ctx context.Context) error
	IsOnline() bool
	SetOffline()
}

// Syncer runs transactions. *transfer.Engine implements it.
type Syncer interface {
	Upload(ctx context.Context, t *title.Title, c device.Container, progress transfer.ProgressFunc) (transfer.Result, error)
	Download(ctx context.Context, t *title.Title, c device.Container, progress transfer.ProgressFunc) (transfer.Result, error)
}

// Options configures a Queue. Zero values get defaults.
type Options struct {
	Link   device.Link
	Power  device.Power
	Clock  clockwork.Clock
	Events *events.Broadcaster

	// Tick is the sleep between idle iterations.
	Tick time.Duration
	// OnlineInterval and OfflineInterval space connectivity checks.
	OnlineInterval  time.Duration
	OfflineInterval time.Duration

	// Titles lists the loaded titles whose out-of-sync bits are recomputed
	// after a catalog refresh.
	Titles func() []*title.Title
}

func (o *Options) defaults() {
	if o.Link == nil {
		o.Link = device.LinkFunc(func() bool { return true })
	}
	if o.Power == nil {
		o.Power = device.NopPower{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Tick <= 0 {
		o.Tick = 250 * time.Millisecond
	}
	if o.OnlineInterval <= 0 {
		o.OnlineInterval = 5 * time.Minute
	}
	if o.OfflineInterval <= 0 {
		o.OfflineInterval = 15 * time.Second
	}
	if o.Titles == nil {
		o.Titles = func() []*title.Title { return nil }
	}
}

// Progress describes the request being processed.
type Progress struct {
	Request Request
	Done    int64
	Total   int64
}

// Queue is safe for concurrent use. Run must be called at most once at a
// time.
type Queue struct {
	server  Server
	syncer  Syncer
	catalog *remote.Catalog
	opts    Options
	log     *zap.Logger
	wake    chan struct{}

	mu         sync.Mutex
	set        *btree.BTreeG[Request]
	active     *Progress
	processing bool
	online     bool
}

// New returns a queue with processing enabled.
func New(server Server, syncer Syncer, catalog *remote.Catalog, opts Options) *Queue {
	opts.defaults()
	return &Queue{
		server:     server,
		syncer:     syncer,
		catalog:    catalog,
		opts:       opts,
		log:        logging.Named("queue"),
		wake:       make(chan struct{}, 1),
		set:        btree.NewG(8, less),
		processing: true,
	}
}

// Enqueue adds r unless an equal request is already queued. It reports
// whether r was added.
func (q *Queue) Enqueue(r Request) bool {
	if r.Type != RefreshCatalog && r.Title == nil {
		return false
	}
	if r.Type == RefreshCatalog {
		r.Title = nil
	}
	q.mu.Lock()
	if q.set.Has(r) {
		q.mu.Unlock()
		return false
	}
	q.set.ReplaceOrInsert(r)
	n := q.set.Len()
	q.mu.Unlock()

	q.lengthChanged(n)
	q.log.Debug("enqueued", zap.Stringer("request", r), zap.Int("queued", n))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Remove drops a queued request. The active request cannot be removed.
func (q *Queue) Remove(r Request) bool {
	q.mu.Lock()
	if q.active != nil && !less(q.active.Request, r) && !less(r, q.active.Request) {
		q.mu.Unlock()
		return false
	}
	_, ok := q.set.Delete(r)
	n := q.set.Len()
	q.mu.Unlock()
	if ok {
		q.lengthChanged(n)
	}
	return ok
}

// Len returns the number of queued requests, including the active one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.set.Len()
}

// Pending returns the queued requests in processing order.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, 0, q.set.Len())
	q.set.Ascend(func(r Request) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Active returns the request being processed, if any.
func (q *Queue) Active() (Progress, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return Progress{}, false
	}
	return *q.active, true
}

// SetProcessing pauses or re-arms processing of sync requests. Catalog
// refreshes run regardless.
func (q *Queue) SetProcessing(enabled bool) {
	q.mu.Lock()
	changed := q.processing != enabled
	q.processing = enabled
	q.mu.Unlock()
	if changed {
		q.log.Info("processing changed", zap.Bool("enabled", enabled))
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// Processing reports whether sync requests are being processed.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Online reports the connectivity state the worker last observed.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) lengthChanged(n int) {
	metrics.SetQueueLength(n)
	q.opts.Events.Publish(events.Event{Type: events.QueueChanged, QueueLen: n})
}

func (q *Queue) setOnline(online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	q.mu.Unlock()
	if !changed {
		return
	}
	metrics.SetOnline(online)
	q.opts.Events.Publish(events.Event{Type: events.OnlineChanged, Online: online})
	if online {
		q.Enqueue(Request{Type: RefreshCatalog})
	}
}

// Run processes requests until ctx is done. The first iteration checks
// connectivity immediately.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("queue worker started")
	defer q.log.Info("queue worker stopped")

	since := q.interval()
	for {
		if since >= q.interval() {
			q.CheckConnectivity(ctx)
			since = 0
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := q.opts.Clock.Now()
		if q.Online() && q.ProcessNext(ctx) {
			// Busy time counts toward the next check.
			since += q.opts.Clock.Since(start)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.opts.Clock.After(q.opts.Tick):
			since += q.opts.Tick
		case <-q.wake:
			since += q.opts.Clock.Since(start)
		}
	}
}

func (q *Queue) interval() time.Duration {
	if q.Online() {
		return q.opts.OnlineInterval
	}
	return q.opts.OfflineInterval
}

// CheckConnectivity runs one connectivity check: link down goes offline and
// clears the catalog, offline pings the server, online schedules a catalog
// refresh.
func (q *Queue) CheckConnectivity(ctx context.Context) {
	if !q.opts.Link.Connected() {
		if q.Online() || q.catalog.Loaded() {
			q.log.Info("link down")
		}
		q.server.SetOffline()
		q.catalog.Clear()
		q.setOnline(false)
		return
	}
	if !q.Online() || !q.server.IsOnline() {
		if err := q.server.Status(ctx); err != nil {
			q.log.Debug("server unreachable", zap.Error(err))
			q.setOnline(false)
			return
		}
		if !q.Online() {
			q.setOnline(true)
			return
		}
	}
	q.Enqueue(Request{Type: RefreshCatalog})
}

// next returns the first eligible request. While paused only catalog
// refreshes are eligible.
func (q *Queue) next() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		found Request
		ok    bool
	)
	q.set.Ascend(func(r Request) bool {
		if q.processing || r.Type == RefreshCatalog {
			found, ok = r, true
			return false
		}
		return true
	})
	if ok {
		q.active = &Progress{Request: found}
	}
	return found, ok
}

// ProcessNext runs the next eligible request. It returns false when nothing
// was eligible or the request hit a transport failure and stays queued.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	req, ok := q.next()
	if !ok {
		return false
	}
	log := q.log.With(zap.Stringer("request", req))

	q.opts.Power.InhibitSleep()
	start := q.opts.Clock.Now()
	err := q.dispatch(ctx, req)
	q.opts.Power.AllowSleep()

	class := transfer.Classify(err)
	metrics.RecordRequest(req.Type.String(), class.String(), q.opts.Clock.Since(start))

	keep := false
	switch class {
	case transfer.ClassNone:
		log.Info("request complete")
	case transfer.ClassEmpty:
		log.Info("nothing to sync")
		q.opts.Events.Publish(events.Event{
			Type: events.RequestInfo, TitleID: req.TitleID(), Container: req.Type.Container(),
			Message: q.describe(req, "nothing to sync"),
		})
	case transfer.ClassTransport:
		log.Warn("request interrupted, going offline", zap.Error(err))
		q.server.SetOffline()
		q.setOnline(false)
		keep = true
	case transfer.ClassFinalize:
		log.Error("request finalize failed", zap.Error(err))
		q.failed(req, err)
	default:
		log.Error("request failed", zap.Stringer("class", class), zap.Error(err))
		q.failed(req, err)
		if req.Type != RefreshCatalog {
			q.SetProcessing(false)
		}
	}

	q.mu.Lock()
	q.active = nil
	removed := false
	if !keep {
		_, removed = q.set.Delete(req)
	}
	n := q.set.Len()
	q.mu.Unlock()
	if removed {
		q.lengthChanged(n)
	}
	return !keep
}

func (q *Queue) describe(req Request, what string) string {
	if req.Title == nil {
		return fmt.Sprintf("%s: %s", req.Type, what)
	}
	return fmt.Sprintf("%s %s: %s", req.Title, req.Type.Container(), what)
}

func (q *Queue) failed(req Request, err error) {
	q.opts.Events.Publish(events.Event{
		Type: events.RequestFailed, TitleID: req.TitleID(), Container: req.Type.Container(),
		Message: q.describe(req, err.Error()), Err: err,
	})
}

func (q *Queue) dispatch(ctx context.Context, req Request) error {
	if req.Type == RefreshCatalog {
		if err := q.catalog.Refresh(ctx); err != nil {
			return err
		}
		for _, t := range q.opts.Titles() {
			if q.catalog.Mark(t) {
				q.opts.Events.Publish(events.Event{Type: events.TitleChanged, TitleID: t.ID()})
			}
		}
		return nil
	}

	c := req.Type.Container()
	progress := func(done, total int64) {
		q.mu.Lock()
		if q.active != nil {
			q.active.Done, q.active.Total = done, total
		}
		q.mu.Unlock()
		q.opts.Events.Publish(events.Event{
			Type: events.Progress, TitleID: req.TitleID(), Container: c, Done: done, Total: total,
		})
	}

	var (
		res transfer.Result
		err error
	)
	if req.Type.IsUpload() {
		res, err = q.syncer.Upload(ctx, req.Title, c, progress)
	} else {
		res, err = q.syncer.Download(ctx, req.Title, c, progress)
	}
	if cls := transfer.Classify(err); cls == transfer.ClassNone || cls == transfer.ClassEmpty {
		q.catalog.Set(req.TitleID(), c, res.Files)
		q.catalog.Mark(req.Title)
		q.opts.Events.Publish(events.Event{Type: events.TitleChanged, TitleID: req.TitleID(), Container: c})
	}
	return err
}
