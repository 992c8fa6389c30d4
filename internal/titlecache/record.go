// Package titlecache encodes the per-title cache record: a fixed header
// (version tag, display names, icon bitmap) followed by one text line per
// container file.
package titlecache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fruitsalade/savesync/internal/device"
)

const (
	// Version is the tag every record starts with. Bump it whenever the
	// layout or the hash algorithm changes.
	Version = "SSYNC001"

	versionLen = len(Version)

	// NameLen is the width of the display-name field.
	NameLen = 128

	// IconSize is a 48x48 RGB565 bitmap.
	IconSize = 48 * 48 * 2

	headerLen = versionLen + NameLen + IconSize
)

var (
	ErrVersion   = errors.New("cache record version mismatch")
	ErrMalformed = errors.New("malformed cache record")
)

// Entry is one file line of the record.
type Entry struct {
	Container device.Container
	Path      string
	Size      int64
	Hash      string
}

// Record is the decoded content of a title cache file.
type Record struct {
	ShortName string
	LongName  string
	Icon      []byte
	Files     []Entry
}

// Encode writes r in record layout. Icons shorter than IconSize are zero
// padded, longer ones truncated.
func Encode(w io.Writer, r Record) error {
	bw := bufio.NewWriter(w)

	header := make([]byte, headerLen)
	copy(header, Version)
	copy(header[versionLen:versionLen+NameLen], encodeNames(r.ShortName, r.LongName))
	copy(header[versionLen+NameLen:], r.Icon)
	if _, err := bw.Write(header); err != nil {
		return err
	}

	for _, e := range r.Files {
		if !strings.HasPrefix(e.Path, "/") || strings.ContainsAny(e.Path, "\n") {
			return fmt.Errorf("invalid path %q", e.Path)
		}
		bw.WriteByte(e.Container.Code())
		bw.WriteString(strconv.FormatInt(e.Size, 10))
		bw.WriteString(e.Path)
		bw.WriteByte(':')
		bw.WriteString(e.Hash)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// encodeNames packs "short\x00long\x00" into NameLen bytes.
func encodeNames(short, long string) []byte {
	field := make([]byte, 0, NameLen)
	field = append(field, short...)
	field = append(field, 0)
	field = append(field, long...)
	field = append(field, 0)
	if len(field) > NameLen {
		field = field[:NameLen]
		field[NameLen-1] = 0
	}
	return field
}

func decodeNames(field []byte) (short, long string) {
	parts := bytes.SplitN(field, []byte{0}, 3)
	short = strings.ToValidUTF8(string(parts[0]), "")
	if len(parts) > 1 {
		long = strings.ToValidUTF8(string(parts[1]), "")
	}
	return short, long
}

// Decode reads a record. It returns ErrVersion when the tag differs and
// ErrMalformed for truncated headers or unparsable lines.
func Decode(r io.Reader) (Record, error) {
	br := bufio.NewReader(r)

	header := make([]byte, headerLen)
	n, err := io.ReadFull(br, header)
	if n >= versionLen && string(header[:versionLen]) != Version {
		return Record{}, ErrVersion
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, n)
	}

	var rec Record
	rec.ShortName, rec.LongName = decodeNames(header[versionLen : versionLen+NameLen])
	rec.Icon = append([]byte(nil), header[versionLen+NameLen:]...)

	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				return Record{}, fmt.Errorf("%w: line %d unterminated", ErrMalformed, lineNo)
			}
			break
		}
		if err != nil {
			return Record{}, err
		}
		e, perr := parseLine(strings.TrimSuffix(line, "\n"))
		if perr != nil {
			return Record{}, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, perr)
		}
		rec.Files = append(rec.Files, e)
	}
	return rec, nil
}

func parseLine(line string) (Entry, error) {
	if len(line) < 3 {
		return Entry{}, errors.New("too short")
	}
	c, ok := device.ContainerFromCode(line[0])
	if !ok {
		return Entry{}, fmt.Errorf("unknown container code %q", line[0])
	}
	rest := line[1:]

	slash := strings.IndexByte(rest, '/')
	if slash <= 0 {
		return Entry{}, errors.New("missing size or path")
	}
	size, err := strconv.ParseInt(rest[:slash], 10, 64)
	if err != nil || size < 0 {
		return Entry{}, fmt.Errorf("bad size %q", rest[:slash])
	}

	colon := strings.LastIndexByte(rest, ':')
	if colon < slash {
		return Entry{}, errors.New("missing hash separator")
	}
	hash := rest[colon+1:]
	if !validHash(hash) {
		return Entry{}, fmt.Errorf("bad hash %q", hash)
	}
	return Entry{Container: c, Path: rest[slash:colon], Size: size, Hash: hash}, nil
}

func validHash(h string) bool {
	if h == "" {
		return true
	}
	if len(h) != 64 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
