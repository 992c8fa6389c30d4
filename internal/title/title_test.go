package title

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/titlecache"
)

const testID = 0x0004000000055d00

var testEntry = device.Entry{ID: testID, Media: device.MediaSD}

type fixture struct {
	fs      afero.Fs
	storage *device.FSStorage
	store   *titlecache.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := titlecache.NewStore(fs, "/cache")
	require.NoError(t, err)
	storage := device.NewFSStorage(fs, "/device")
	require.NoError(t, storage.WriteMetadata(testEntry, device.Metadata{
		ShortName: "Pilotwings",
		LongName:  "Pilotwings Resort",
	}))
	return &fixture{fs: fs, storage: storage, store: store}
}

func (f *fixture) write(t *testing.T, c device.Container, p string, data []byte) {
	t.Helper()
	full := path.Join("/device/sd/0004000000055d00", c.String(), p)
	require.NoError(t, f.fs.MkdirAll(path.Dir(full), 0755))
	require.NoError(t, afero.WriteFile(f.fs, full, data, 0644))
}

func (f *fixture) remove(t *testing.T, c device.Container, p string) {
	t.Helper()
	require.NoError(t, f.fs.Remove(path.Join("/device/sd/0004000000055d00", c.String(), p)))
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func find(files []FileInfo, p string) (FileInfo, bool) {
	for _, f := range files {
		if f.Path == p {
			return f, true
		}
	}
	return FileInfo{}, false
}

func TestLoadEnumeratesWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.write(t, device.Save, "b.dat", make([]byte, 20))
	f.write(t, device.Save, "dir/a.dat", make([]byte, 100))

	tt, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)

	assert.True(t, tt.Accessible(device.Save))
	assert.False(t, tt.Accessible(device.Extdata))
	assert.Equal(t, "Pilotwings", tt.ShortName())

	files := tt.ContainerFiles(device.Save)
	require.Len(t, files, 2)
	assert.Equal(t, "/b.dat", files[0].Path)
	assert.Equal(t, "/dir/a.dat", files[1].Path)
	assert.Equal(t, int64(120), tt.Size(device.Save))
	assert.Equal(t, HashMissing, tt.HashState(device.Save))

	_, err = f.store.Read(testID)
	assert.NoError(t, err, "enumeration writes the cache")
}

func TestHashContainer(t *testing.T) {
	f := newFixture(t)
	a := bytes.Repeat([]byte("a"), 100)
	f.write(t, device.Save, "a.dat", a)
	f.write(t, device.Save, "empty", nil)

	tt, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)
	require.NoError(t, tt.HashContainer(context.Background(), device.Save))

	files := tt.ContainerFiles(device.Save)
	require.Len(t, files, 2)
	assert.Equal(t, digest(a), files[0].Hash)
	assert.Equal(t, digest(nil), files[1].Hash)
	assert.Equal(t, HashComplete, tt.HashState(device.Save))
	assert.True(t, tt.LastHashValid(device.Save))

	// Unchanged content hashes identically on the next pass.
	require.NoError(t, tt.HashContainer(context.Background(), device.Save))
	assert.Equal(t, files, tt.ContainerFiles(device.Save))
}

func TestReloadDiffsBySize(t *testing.T) {
	f := newFixture(t)
	f.write(t, device.Save, "a.dat", make([]byte, 100))
	f.write(t, device.Save, "b.dat", make([]byte, 10))
	f.write(t, device.Save, "gone.dat", make([]byte, 5))

	tt, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)
	require.NoError(t, tt.HashContainer(context.Background(), device.Save))
	hashB := digest(make([]byte, 10))

	f.write(t, device.Save, "a.dat", make([]byte, 150))
	f.write(t, device.Save, "new.dat", []byte("x"))
	f.remove(t, device.Save, "gone.dat")
	require.NoError(t, tt.ReloadContainerFiles(context.Background(), device.Save))

	files := tt.ContainerFiles(device.Save)
	require.Len(t, files, 3)

	a, _ := find(files, "/a.dat")
	assert.Equal(t, int64(150), a.Size)
	assert.Empty(t, a.Hash)

	b, _ := find(files, "/b.dat")
	assert.Equal(t, hashB, b.Hash)

	n, ok := find(files, "/new.dat")
	require.True(t, ok)
	assert.Empty(t, n.Hash)

	_, ok = find(files, "/gone.dat")
	assert.False(t, ok)
}

func TestLoadFromCacheMarksNeedsRefresh(t *testing.T) {
	f := newFixture(t)
	f.write(t, device.Save, "a.dat", make([]byte, 100))
	f.write(t, device.Save, "b.dat", make([]byte, 10))

	first, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)
	require.NoError(t, first.HashContainer(context.Background(), device.Save))

	f.write(t, device.Save, "a.dat", make([]byte, 150))

	second, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)
	files := second.ContainerFiles(device.Save)
	require.Len(t, files, 2)

	assert.Equal(t, FileInfo{Path: "/a.dat", Size: 150}, files[0])
	assert.Equal(t, digest(make([]byte, 10)), files[1].Hash)
	assert.True(t, files[1].NeedsRefresh)
	assert.Equal(t, HashMissing, second.HashState(device.Save))

	require.NoError(t, second.HashContainer(context.Background(), device.Save))
	for _, fi := range second.ContainerFiles(device.Save) {
		assert.True(t, fi.Hashed(), fi.Path)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.write(t, device.Save, "a.dat", []byte("hello"))
	f.write(t, device.Extdata, "x/y.bin", []byte("world"))

	first, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)
	require.NoError(t, first.HashContainer(context.Background(), device.Save))
	require.NoError(t, first.HashContainer(context.Background(), device.Extdata))

	// Names come from the record, not the device, once a cache exists.
	require.NoError(t, f.storage.WriteMetadata(testEntry, device.Metadata{ShortName: "Renamed"}))

	second, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)
	assert.Equal(t, "Pilotwings", second.ShortName())
	assert.Equal(t, "Pilotwings Resort", second.LongName())
	for _, c := range device.Containers {
		want := first.ContainerFiles(c)
		got := second.ContainerFiles(c)
		require.Len(t, got, len(want))
		for i := range want {
			assert.True(t, want[i].Equal(got[i]), "%s %s", c, want[i].Path)
		}
	}
}

func TestCacheFallback(t *testing.T) {
	for name, corrupt := range map[string][]byte{
		"version":   []byte("SSYNC000 and then some bytes"),
		"truncated": []byte("SSYNC001"),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.write(t, device.Save, "a.dat", []byte("abc"))
			require.NoError(t, afero.WriteFile(f.fs, f.store.Path(testID), corrupt, 0644))

			tt, err := Load(context.Background(), testEntry, f.storage, f.store)
			require.NoError(t, err)
			require.Len(t, tt.ContainerFiles(device.Save), 1)
			assert.Equal(t, "Pilotwings", tt.ShortName())

			rec, err := f.store.Read(testID)
			require.NoError(t, err)
			assert.Len(t, rec.Files, 1)
		})
	}
}

func TestHashContainerBusy(t *testing.T) {
	f := newFixture(t)
	f.write(t, device.Save, "a.dat", []byte("abc"))
	tt, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)

	require.True(t, tt.Claim(device.Save))
	assert.False(t, tt.Claim(device.Save))
	assert.ErrorIs(t, tt.HashContainer(context.Background(), device.Save), ErrBusy)

	files, err := tt.PrepareForSync(context.Background(), device.Save)
	require.NoError(t, err)
	assert.Equal(t, digest([]byte("abc")), files[0].Hash)

	tt.Release(device.Save)
	assert.NoError(t, tt.HashContainer(context.Background(), device.Save))
}

func TestHashContainerCancelled(t *testing.T) {
	f := newFixture(t)
	f.write(t, device.Save, "a.dat", []byte("abc"))
	tt, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tt.HashContainer(ctx, device.Save)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, HashMissing, tt.HashState(device.Save))
}

func TestSetContainerFilesSorts(t *testing.T) {
	f := newFixture(t)
	f.write(t, device.Save, "a.dat", nil)
	tt, err := Load(context.Background(), testEntry, f.storage, f.store)
	require.NoError(t, err)

	require.NoError(t, tt.SetContainerFiles(device.Save, []FileInfo{
		{Path: "/z", Size: 1},
		{Path: "/b", Size: 2},
	}, true))
	files := tt.ContainerFiles(device.Save)
	assert.Equal(t, "/b", files[0].Path)
	assert.Equal(t, "/z", files[1].Path)
	assert.Equal(t, int64(3), tt.Size(device.Save))

	rec, err := f.store.Read(testID)
	require.NoError(t, err)
	assert.Equal(t, "/b", rec.Files[0].Path)
}

func TestOutOfSyncMask(t *testing.T) {
	tt := New(testEntry, newFixture(t).storage, nil)
	assert.True(t, tt.SetOutOfSync(device.Save.Bit()))
	assert.False(t, tt.SetOutOfSync(device.Save.Bit()))
	assert.Equal(t, device.Save.Bit(), tt.OutOfSync())
}

func TestOpenContainerInaccessible(t *testing.T) {
	tt := New(testEntry, newFixture(t).storage, nil)
	arc, err := tt.OpenContainer(device.Extdata)
	assert.Nil(t, arc)
	assert.True(t, errors.Is(err, device.ErrNotAccessible))
}

// failingStorage makes reads of one path fail after the first byte.
type failingStorage struct {
	*device.FSStorage
	path string
}

func (s failingStorage) OpenContainer(e device.Entry, c device.Container) (device.Archive, error) {
	arc, err := s.FSStorage.OpenContainer(e, c)
	if err != nil {
		return nil, err
	}
	return failingArchive{Archive: arc, path: s.path}, nil
}

type failingArchive struct {
	device.Archive
	path string
}

func (a failingArchive) Open(name string) (afero.File, error) {
	f, err := a.Archive.Open(name)
	if err != nil || name != a.path {
		return f, err
	}
	return failingFile{File: f}, nil
}

type failingFile struct {
	afero.File
}

func (failingFile) Read([]byte) (int, error) {
	return 0, errors.New("i/o error")
}

func TestHashReadFailureInvalidates(t *testing.T) {
	f := newFixture(t)
	f.write(t, device.Save, "bad.dat", []byte("abc"))
	f.write(t, device.Save, "good.dat", []byte("def"))

	storage := failingStorage{FSStorage: f.storage, path: "/bad.dat"}
	tt, err := Load(context.Background(), testEntry, storage, f.store)
	require.NoError(t, err)
	require.NoError(t, tt.HashContainer(context.Background(), device.Save))

	files := tt.ContainerFiles(device.Save)
	require.Len(t, files, 2)
	assert.Empty(t, files[0].Hash)
	assert.Equal(t, digest([]byte("def")), files[1].Hash)
	assert.False(t, tt.LastHashValid(device.Save))
}

func TestHashFailureStaysWithItsContainer(t *testing.T) {
	f := newFixture(t)
	f.write(t, device.Save, "bad.dat", []byte("abc"))
	f.write(t, device.Extdata, "ok.bin", []byte("xyz"))

	storage := failingStorage{FSStorage: f.storage, path: "/bad.dat"}
	tt, err := Load(context.Background(), testEntry, storage, f.store)
	require.NoError(t, err)
	require.NoError(t, tt.HashContainer(context.Background(), device.Save))
	require.NoError(t, tt.HashContainer(context.Background(), device.Extdata))

	assert.False(t, tt.LastHashValid(device.Save), "a clean extdata pass keeps the save failure")
	assert.True(t, tt.LastHashValid(device.Extdata))
}

func TestCleanPath(t *testing.T) {
	for in, want := range map[string]string{
		"b.dat":         "/b.dat",
		"/b.dat":        "/b.dat",
		"dir//c.dat":    "/dir/c.dat",
		"./dir/./d.bin": "/dir/d.bin",
	} {
		got, err := CleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "/", "..", "../x", "/a/../../x", "a/.."} {
		_, err := CleanPath(in)
		assert.Error(t, err, in)
	}
}
