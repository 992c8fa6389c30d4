// Package device defines the host collaborators the sync engine calls into:
// title listing, container archives, link connectivity and sleep control.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

var (
	// ErrUninitialized is returned by archive reads that hit a region of a
	// file that was allocated but never written. Callers that need the
	// full byte stream substitute zeros for the rest of the file.
	ErrUninitialized = errors.New("read from uninitialized region")

	// ErrNotAccessible is returned when a title does not expose a container.
	ErrNotAccessible = errors.New("container not accessible")
)

// Container identifies one of the two data categories a title may expose.
type Container int

const (
	Save Container = iota
	Extdata
)

// Containers lists every container in processing order.
var Containers = []Container{Save, Extdata}

func (c Container) String() string {
	switch c {
	case Save:
		return "save"
	case Extdata:
		return "extdata"
	default:
		return fmt.Sprintf("container(%d)", int(c))
	}
}

// Code is the single character used for the container in cache records.
func (c Container) Code() byte {
	if c == Extdata {
		return 'E'
	}
	return 'S'
}

// Bit is the container's bit in a per-title container mask.
func (c Container) Bit() uint8 {
	return 1 << uint(c)
}

// ParseContainer parses a wire name ("save" or "extdata").
func ParseContainer(s string) (Container, error) {
	switch s {
	case "save":
		return Save, nil
	case "extdata":
		return Extdata, nil
	}
	return 0, fmt.Errorf("unknown container %q", s)
}

// ContainerFromCode maps a cache record code back to a container.
func ContainerFromCode(b byte) (Container, bool) {
	switch b {
	case 'S':
		return Save, true
	case 'E':
		return Extdata, true
	}
	return 0, false
}

// MediaType is the storage medium a title is installed on.
type MediaType uint8

const (
	MediaSD MediaType = iota
	MediaCard
	MediaNAND
)

func (m MediaType) String() string {
	switch m {
	case MediaSD:
		return "sd"
	case MediaCard:
		return "card"
	case MediaNAND:
		return "nand"
	default:
		return fmt.Sprintf("media(%d)", uint8(m))
	}
}

// Entry is one installed title as reported by the device.
type Entry struct {
	ID    uint64
	Media MediaType
}

// Metadata is the display information for a title.
type Metadata struct {
	ShortName string
	LongName  string
	Icon      []byte
}

// Archive is an open storage context for one container.
type Archive interface {
	afero.Fs

	// Commit flushes pending modifications. SAVE archives must be committed
	// after a download has modified them.
	Commit() error

	// ResizeInPlace reports whether an existing file can be truncated or
	// extended. When false, files are deleted and recreated instead.
	ResizeInPlace() bool

	Close() error
}

// Storage lists titles and opens their containers.
type Storage interface {
	ListTitles(ctx context.Context) ([]Entry, error)
	Metadata(e Entry) (Metadata, error)
	// OpenContainer returns ErrNotAccessible if the title has no such
	// container.
	OpenContainer(e Entry, c Container) (Archive, error)
	// ClearSecureValue resets the anti-rollback counter kept for a title's
	// save data. Required after a save download.
	ClearSecureValue(e Entry) error
}

// Link reports link-layer connectivity (e.g. Wi-Fi association).
type Link interface {
	Connected() bool
}

// LinkFunc adapts a function to Link.
type LinkFunc func() bool

func (f LinkFunc) Connected() bool { return f() }

// Power controls the host's idle/sleep transitions.
type Power interface {
	InhibitSleep()
	AllowSleep()
}

// NopPower ignores sleep control requests.
type NopPower struct{}

func (NopPower) InhibitSleep() {}
func (NopPower) AllowSleep()   {}
