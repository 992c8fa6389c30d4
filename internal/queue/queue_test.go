package queue

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fruitsalade/savesync/internal/client"
	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/events"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/remote"
	"github.com/fruitsalade/savesync/internal/retry"
	"github.com/fruitsalade/savesync/internal/testserver"
	"github.com/fruitsalade/savesync/internal/title"
	"github.com/fruitsalade/savesync/internal/titlecache"
	"github.com/fruitsalade/savesync/internal/transfer"
)

type power struct {
	inhibited atomic.Int32
	calls     atomic.Int32
}

func (p *power) InhibitSleep() {
	p.inhibited.Add(1)
	p.calls.Add(1)
}

func (p *power) AllowSleep() { p.inhibited.Add(-1) }

type env struct {
	srv     *testserver.Server
	client  *client.Client
	catalog *remote.Catalog
	queue   *Queue
	events  chan events.Event
	power   *power
	link    atomic.Bool
	clock   *clockwork.FakeClock
	fs      afero.Fs
	storage *device.FSStorage
	store   *titlecache.Store
	titles  []*title.Title
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logging.Set(zaptest.NewLogger(t))

	e := &env{srv: testserver.New(), power: &power{}, clock: clockwork.NewFakeClock(), fs: afero.NewMemMapFs()}
	t.Cleanup(e.srv.Close)
	e.link.Store(true)

	store, err := titlecache.NewStore(e.fs, "/cache")
	require.NoError(t, err)
	e.store = store
	e.storage = device.NewFSStorage(e.fs, "/device")

	ev := events.NewBroadcaster()
	e.events = ev.Subscribe()
	t.Cleanup(func() { ev.Unsubscribe(e.events) })

	e.client = client.New(client.Config{
		BaseURL:        e.srv.URL(),
		LowSpeedWindow: 5 * time.Second,
		RetryConfig:    retry.Config{MaxAttempts: 1},
	})
	e.catalog = remote.New(e.client, ev)
	e.queue = New(e.client, transfer.New(e.client, time.Second), e.catalog, Options{
		Link:   device.LinkFunc(e.link.Load),
		Power:  e.power,
		Clock:  e.clock,
		Events: ev,
		Titles: func() []*title.Title { return e.titles },
	})
	return e
}

// title creates a title with one save file.
func (e *env) title(t *testing.T, id uint64, content string) *title.Title {
	t.Helper()
	return e.titleOn(t, e.storage, id, content)
}

func (e *env) titleOn(t *testing.T, storage device.Storage, id uint64, content string) *title.Title {
	t.Helper()
	dir := fmt.Sprintf("/device/sd/%016x/save", id)
	require.NoError(t, e.fs.MkdirAll(dir, 0755))
	require.NoError(t, afero.WriteFile(e.fs, dir+"/a.dat", []byte(content), 0644))
	tt, err := title.Load(context.Background(), device.Entry{ID: id}, storage, e.store)
	require.NoError(t, err)
	e.titles = append(e.titles, tt)
	return tt
}

func (e *env) goOnline(t *testing.T) {
	t.Helper()
	e.queue.CheckConnectivity(context.Background())
	require.True(t, e.queue.Online())
	// Drain the refresh that going online schedules.
	require.True(t, e.queue.ProcessNext(context.Background()))
}

// waitFor returns the first event of type typ, skipping others.
func (e *env) waitFor(t *testing.T, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return events.Event{}
		}
	}
}

func TestEnqueueDedupAndOrder(t *testing.T) {
	e := newEnv(t)
	t1 := e.title(t, 1, "one")
	t2 := e.title(t, 2, "two")

	assert.True(t, e.queue.Enqueue(Request{Type: DownloadSave, Title: t1}))
	assert.True(t, e.queue.Enqueue(Request{Type: RefreshCatalog, Title: t2}))
	assert.True(t, e.queue.Enqueue(Request{Type: UploadSave, Title: t2}))
	assert.True(t, e.queue.Enqueue(Request{Type: UploadSave, Title: t1}))
	assert.False(t, e.queue.Enqueue(Request{Type: UploadSave, Title: t1}))
	assert.False(t, e.queue.Enqueue(Request{Type: RefreshCatalog}))
	assert.False(t, e.queue.Enqueue(Request{Type: UploadSave}), "sync needs a title")

	var got []string
	for _, r := range e.queue.Pending() {
		got = append(got, fmt.Sprintf("%s/%d", r.Type, r.TitleID()))
	}
	assert.Equal(t, []string{"upload-save/1", "upload-save/2", "download-save/1", "refresh-catalog/0"}, got)
	assert.Equal(t, 1, e.waitFor(t, events.QueueChanged).QueueLen)

	assert.True(t, e.queue.Remove(Request{Type: UploadSave, Title: t2}))
	assert.False(t, e.queue.Remove(Request{Type: UploadSave, Title: t2}))
	assert.Equal(t, 3, e.queue.Len())
}

func TestSyncTypeRoundTrip(t *testing.T) {
	for _, c := range device.Containers {
		for _, up := range []bool{true, false} {
			typ := SyncType(up, c)
			assert.Equal(t, c, typ.Container())
			assert.Equal(t, up, typ.IsUpload())
			parsed, err := ParseType(typ.String())
			require.NoError(t, err)
			assert.Equal(t, typ, parsed)
		}
	}
	_, err := ParseType("sideways")
	assert.Error(t, err)
}

func TestConnectivity(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.queue.CheckConnectivity(ctx)
	assert.True(t, e.queue.Online())
	assert.True(t, e.waitFor(t, events.OnlineChanged).Online)
	assert.Equal(t, []Request{{Type: RefreshCatalog}}, e.queue.Pending())

	require.True(t, e.queue.ProcessNext(ctx))
	assert.True(t, e.catalog.Loaded())
	assert.Zero(t, e.queue.Len())

	e.queue.CheckConnectivity(ctx)
	assert.Equal(t, 1, e.queue.Len(), "online check schedules a refresh")

	e.link.Store(false)
	e.queue.CheckConnectivity(ctx)
	assert.False(t, e.queue.Online())
	assert.False(t, e.client.IsOnline())
	assert.False(t, e.catalog.Loaded())
	assert.False(t, e.waitFor(t, events.OnlineChanged).Online)
}

func TestServerDownStaysOffline(t *testing.T) {
	e := newEnv(t)
	e.srv.Close()
	e.queue.CheckConnectivity(context.Background())
	assert.False(t, e.queue.Online())
	assert.Zero(t, e.queue.Len())
}

func TestUploadMarksInSync(t *testing.T) {
	e := newEnv(t)
	tt := e.title(t, 1, "alpha")
	e.goOnline(t)
	assert.Equal(t, device.Save.Bit(), tt.OutOfSync(), "server has nothing yet")

	e.queue.Enqueue(Request{Type: UploadSave, Title: tt})
	require.True(t, e.queue.ProcessNext(context.Background()))

	data, ok := e.srv.File(1, "save", "/a.dat")
	require.True(t, ok)
	assert.Equal(t, "alpha", string(data))
	assert.Zero(t, tt.OutOfSync())
	assert.Zero(t, e.queue.Len())
	assert.Equal(t, int32(0), e.power.inhibited.Load())
	assert.Equal(t, int32(2), e.power.calls.Load(), "sleep inhibited per request")

	_, active := e.queue.Active()
	assert.False(t, active)
}

func TestNothingToUploadIsSuccess(t *testing.T) {
	e := newEnv(t)
	tt := e.title(t, 1, "alpha")
	e.srv.Put(1, "save", "/a.dat", []byte("alpha"))
	e.goOnline(t)

	e.queue.Enqueue(Request{Type: UploadSave, Title: tt})
	require.True(t, e.queue.ProcessNext(context.Background()))

	ev := e.waitFor(t, events.RequestInfo)
	assert.Equal(t, uint64(1), ev.TitleID)
	assert.Contains(t, ev.Message, "nothing to sync")
	assert.True(t, e.queue.Processing())
	assert.Zero(t, e.queue.Len())
}

func TestLinkDropMidTransfer(t *testing.T) {
	e := newEnv(t)
	tt := e.title(t, 1, "alpha")
	e.goOnline(t)

	e.srv.SetDropTransfers(true)
	req := Request{Type: UploadSave, Title: tt}
	e.queue.Enqueue(req)
	assert.False(t, e.queue.ProcessNext(context.Background()))

	assert.False(t, e.queue.Online())
	assert.Equal(t, []Request{req}, e.queue.Pending(), "request stays queued")
	assert.True(t, e.queue.Processing(), "transport failures do not pause")
	assert.Equal(t, 1, e.srv.Cancelled())
	assert.Zero(t, e.srv.Open())

	e.link.Store(false)
	e.queue.CheckConnectivity(context.Background())
	assert.False(t, e.catalog.Loaded())
	assert.Equal(t, 1, e.queue.Len())

	e.link.Store(true)
	e.srv.SetDropTransfers(false)
	e.queue.CheckConnectivity(context.Background())
	require.True(t, e.queue.Online())
	require.True(t, e.queue.ProcessNext(context.Background()))
	_, ok := e.srv.File(1, "save", "/a.dat")
	assert.True(t, ok)
	assert.Equal(t, []Request{{Type: RefreshCatalog}}, e.queue.Pending())
}

func TestStopMidTransfer(t *testing.T) {
	e := newEnv(t)
	tt := e.title(t, 1, "alpha")
	e.goOnline(t)

	held, release := e.srv.HoldTransfers()
	defer release()

	req := Request{Type: UploadSave, Title: tt}
	e.queue.Enqueue(req)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- e.queue.ProcessNext(ctx) }()

	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("upload never reached the server")
	}
	_, active := e.queue.Active()
	assert.True(t, active)
	cancel()

	select {
	case processed := <-done:
		assert.False(t, processed)
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessNext did not return")
	}
	assert.Equal(t, 1, e.srv.Cancelled())
	assert.Zero(t, e.srv.Open())
	assert.Equal(t, []Request{req}, e.queue.Pending(), "stopped request stays queued")
	assert.False(t, e.queue.Online())
	assert.True(t, e.queue.Processing())
	_, active = e.queue.Active()
	assert.False(t, active)
}

func TestLocalFailurePauses(t *testing.T) {
	e := newEnv(t)
	readOnly := device.NewFSStorage(afero.NewReadOnlyFs(e.fs), "/device")
	tt := e.titleOn(t, readOnly, 1, "old")
	e.srv.Put(1, "save", "/a.dat", []byte("newer"))
	e.goOnline(t)

	e.queue.Enqueue(Request{Type: DownloadSave, Title: tt})
	require.True(t, e.queue.ProcessNext(context.Background()))

	ev := e.waitFor(t, events.RequestFailed)
	var lerr *transfer.LocalIOError
	require.ErrorAs(t, ev.Err, &lerr)
	assert.Equal(t, transfer.ClassLocal, transfer.Classify(ev.Err))
	assert.False(t, e.queue.Processing())
	assert.Zero(t, e.queue.Len(), "failed request is dropped")
	assert.Zero(t, e.srv.Open())
	assert.Zero(t, readOnly.Commits())

	data, err := afero.ReadFile(e.fs, "/device/sd/0000000000000001/save/a.dat")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestProtocolFailurePauses(t *testing.T) {
	e := newEnv(t)
	t1 := e.title(t, 1, "alpha")
	t2 := e.title(t, 2, "beta")
	e.goOnline(t)

	e.srv.SetFailBegin(http.StatusBadRequest)
	e.queue.Enqueue(Request{Type: UploadSave, Title: t1})
	require.True(t, e.queue.ProcessNext(context.Background()))

	ev := e.waitFor(t, events.RequestFailed)
	assert.Equal(t, uint64(1), ev.TitleID)
	assert.Error(t, ev.Err)
	assert.False(t, e.queue.Processing())
	assert.Zero(t, e.queue.Len(), "failed request is dropped")

	e.srv.SetFailBegin(0)
	e.queue.Enqueue(Request{Type: UploadSave, Title: t2})
	e.queue.Enqueue(Request{Type: RefreshCatalog})
	require.True(t, e.queue.ProcessNext(context.Background()), "refresh runs while paused")
	assert.False(t, e.queue.ProcessNext(context.Background()))
	assert.Equal(t, 1, e.queue.Len())

	e.queue.SetProcessing(true)
	require.True(t, e.queue.ProcessNext(context.Background()))
	_, ok := e.srv.File(2, "save", "/a.dat")
	assert.True(t, ok)
}

func TestFinalizeFailureDoesNotPause(t *testing.T) {
	e := newEnv(t)
	tt := e.title(t, 1, "alpha")
	e.goOnline(t)

	e.srv.SetFailEnd(http.StatusConflict)
	e.queue.Enqueue(Request{Type: UploadSave, Title: tt})
	require.True(t, e.queue.ProcessNext(context.Background()))

	e.waitFor(t, events.RequestFailed)
	assert.True(t, e.queue.Processing())
	assert.Zero(t, e.queue.Len())
	assert.Equal(t, device.Save.Bit(), tt.OutOfSync())
}

func TestDownloadUpdatesTitle(t *testing.T) {
	e := newEnv(t)
	tt := e.title(t, 1, "old")
	e.srv.Put(1, "save", "/a.dat", []byte("newer"))
	e.srv.Put(1, "save", "/dir/b.dat", []byte("0123456789"))
	e.goOnline(t)
	assert.Equal(t, device.Save.Bit(), tt.OutOfSync())

	e.queue.Enqueue(Request{Type: DownloadSave, Title: tt})
	require.True(t, e.queue.ProcessNext(context.Background()))

	ev := e.waitFor(t, events.Progress)
	assert.Equal(t, int64(15), ev.Total)
	files := tt.ContainerFiles(device.Save)
	require.Len(t, files, 2)
	assert.Equal(t, "/dir/b.dat", files[1].Path)
	assert.Zero(t, tt.OutOfSync())
	assert.Equal(t, int64(1), e.storage.Commits())
}

func TestRun(t *testing.T) {
	e := newEnv(t)
	tt := e.title(t, 1, "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.queue.Run(ctx) }()

	e.queue.Enqueue(Request{Type: UploadSave, Title: tt})
	require.Eventually(t, func() bool {
		_, ok := e.srv.File(1, "save", "/a.dat")
		return ok && e.queue.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The worker is idle on the tick; a tick with nothing due keeps it idle.
	e.clock.BlockUntil(1)
	e.clock.Advance(250 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// clockSyncer takes a minute of fake time per upload and drops the link on
// the first one.
type clockSyncer struct {
	e     *env
	calls atomic.Int32
}

func (s *clockSyncer) Upload(context.Context, *title.Title, device.Container, transfer.ProgressFunc) (transfer.Result, error) {
	s.calls.Add(1)
	s.e.link.Store(false)
	s.e.clock.Advance(time.Minute)
	return transfer.Result{}, nil
}

func (s *clockSyncer) Download(context.Context, *title.Title, device.Container, transfer.ProgressFunc) (transfer.Result, error) {
	return transfer.Result{}, nil
}

func TestRunChecksConnectivityWhileBusy(t *testing.T) {
	e := newEnv(t)
	syncer := &clockSyncer{e: e}
	q := New(e.client, syncer, e.catalog, Options{
		Link:           device.LinkFunc(e.link.Load),
		Clock:          e.clock,
		OnlineInterval: 5 * time.Minute,
	})
	for id := uint64(1); id <= 7; id++ {
		require.True(t, q.Enqueue(Request{Type: UploadSave, Title: e.title(t, id, "x")}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return syncer.calls.Load() >= 5 && !q.Online() },
		2*time.Second, 10*time.Millisecond, "five minutes of uploads is due a check")
	assert.Equal(t, int32(5), syncer.calls.Load())
	assert.Equal(t, 3, q.Len(), "two uploads and the refresh wait")
}
