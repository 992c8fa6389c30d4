package titlecache

import (
	"bytes"
	"fmt"
	"os"
	"path"

	"github.com/spf13/afero"
)

// Store keeps one record file per title in a directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore creates the cache directory if needed.
func NewStore(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// Path returns the record file for a title.
func (s *Store) Path(id uint64) string {
	return path.Join(s.dir, fmt.Sprintf("%016x.tcache", id))
}

// Write stores rec atomically (temp file then rename).
func (s *Store) Write(id uint64, rec Record) error {
	var buf bytes.Buffer
	if err := Encode(&buf, rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	final := s.Path(id)
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, buf.Bytes(), 0644); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("rename temp record: %w", err)
	}
	return nil
}

// Read loads a title's record. A missing file returns an error satisfying
// os.IsNotExist.
func (s *Store) Read(id uint64) (Record, error) {
	f, err := s.fs.Open(s.Path(id))
	if err != nil {
		return Record{}, err
	}
	defer f.Close()
	return Decode(f)
}

// Remove deletes a title's record if present.
func (s *Store) Remove(id uint64) error {
	err := s.fs.Remove(s.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
