package device

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	metaFile   = "title.yaml"
	iconFile   = "icon.bin"
	secureFile = "secure_value"
)

var allMedia = []MediaType{MediaSD, MediaCard, MediaNAND}

// FSStorage is a Storage laid out as a directory tree:
//
//	<root>/<media>/<16 hex id>/title.yaml
//	<root>/<media>/<16 hex id>/icon.bin
//	<root>/<media>/<16 hex id>/save/...
//	<root>/<media>/<16 hex id>/extdata/...
//
// It backs the CLI with afero.NewOsFs and tests with afero.NewMemMapFs.
type FSStorage struct {
	fs afero.Fs

	// NoResize makes archives report ResizeInPlace() == false.
	NoResize bool

	commits atomic.Int64
}

// NewFSStorage returns a Storage rooted at root within fs.
func NewFSStorage(fs afero.Fs, root string) *FSStorage {
	return &FSStorage{fs: afero.NewBasePathFs(fs, root)}
}

type titleMeta struct {
	ShortName string `yaml:"short_name"`
	LongName  string `yaml:"long_name"`
}

func titleDir(e Entry) string {
	return path.Join("/", e.Media.String(), fmt.Sprintf("%016x", e.ID))
}

// ListTitles returns every title directory, ordered by media then ID.
func (s *FSStorage) ListTitles(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	for _, media := range allMedia {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := path.Join("/", media.String())
		infos, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		var ids []uint64
		for _, fi := range infos {
			if !fi.IsDir() {
				continue
			}
			id, err := strconv.ParseUint(fi.Name(), 16, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			entries = append(entries, Entry{ID: id, Media: media})
		}
	}
	return entries, nil
}

// Metadata reads title.yaml and icon.bin. A missing icon yields nil.
func (s *FSStorage) Metadata(e Entry) (Metadata, error) {
	dir := titleDir(e)
	var md Metadata

	data, err := afero.ReadFile(s.fs, path.Join(dir, metaFile))
	if err != nil && !os.IsNotExist(err) {
		return md, fmt.Errorf("read metadata: %w", err)
	}
	if err == nil {
		var tm titleMeta
		if err := yaml.Unmarshal(data, &tm); err != nil {
			return md, fmt.Errorf("parse metadata: %w", err)
		}
		md.ShortName = tm.ShortName
		md.LongName = tm.LongName
	}
	if md.ShortName == "" {
		md.ShortName = fmt.Sprintf("%016X", e.ID)
	}

	icon, err := afero.ReadFile(s.fs, path.Join(dir, iconFile))
	if err == nil {
		md.Icon = icon
	}
	return md, nil
}

// WriteMetadata stores display information for a title. Used to seed
// device trees.
func (s *FSStorage) WriteMetadata(e Entry, md Metadata) error {
	dir := titleDir(e)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(titleMeta{ShortName: md.ShortName, LongName: md.LongName})
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, path.Join(dir, metaFile), data, 0644); err != nil {
		return err
	}
	if md.Icon != nil {
		return afero.WriteFile(s.fs, path.Join(dir, iconFile), md.Icon, 0644)
	}
	return nil
}

// OpenContainer opens the container directory as an archive.
func (s *FSStorage) OpenContainer(e Entry, c Container) (Archive, error) {
	dir := path.Join(titleDir(e), c.String())
	fi, err := s.fs.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, ErrNotAccessible
	}
	return &fsArchive{Fs: afero.NewBasePathFs(s.fs, dir), storage: s}, nil
}

// ClearSecureValue removes the title's secure value file if present.
func (s *FSStorage) ClearSecureValue(e Entry) error {
	err := s.fs.Remove(path.Join(titleDir(e), secureFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Commits returns how many archive commits have happened.
func (s *FSStorage) Commits() int64 {
	return s.commits.Load()
}

type fsArchive struct {
	afero.Fs
	storage *FSStorage
}

func (a *fsArchive) Commit() error {
	a.storage.commits.Add(1)
	return nil
}

func (a *fsArchive) ResizeInPlace() bool { return !a.storage.NoResize }

func (a *fsArchive) Close() error { return nil }
