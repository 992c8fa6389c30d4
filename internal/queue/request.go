package queue

import (
	"fmt"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/title"
)

// Type is the kind of a queued request. The order of the constants is the
// order requests are processed in.
type Type int

const (
	UploadSave Type = iota
	DownloadSave
	UploadExtdata
	DownloadExtdata
	RefreshCatalog
)

func (t Type) String() string {
	switch t {
	case UploadSave:
		return "upload-save"
	case DownloadSave:
		return "download-save"
	case UploadExtdata:
		return "upload-extdata"
	case DownloadExtdata:
		return "download-extdata"
	case RefreshCatalog:
		return "refresh-catalog"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType accepts the String form.
func ParseType(s string) (Type, error) {
	for t := UploadSave; t <= RefreshCatalog; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown request type %q", s)
}

// SyncType returns the request type for a direction and container.
func SyncType(upload bool, c device.Container) Type {
	switch {
	case upload && c == device.Save:
		return UploadSave
	case upload:
		return UploadExtdata
	case c == device.Save:
		return DownloadSave
	default:
		return DownloadExtdata
	}
}

// Container returns the container a sync request targets.
func (t Type) Container() device.Container {
	if t == UploadExtdata || t == DownloadExtdata {
		return device.Extdata
	}
	return device.Save
}

// IsUpload reports whether t sends data to the server.
func (t Type) IsUpload() bool {
	return t == UploadSave || t == UploadExtdata
}

// Request is one unit of queued work. Title is nil for RefreshCatalog.
type Request struct {
	Type  Type
	Title *title.Title
}

// TitleID returns the target's ID, zero without a title.
func (r Request) TitleID() uint64 {
	if r.Title == nil {
		return 0
	}
	return r.Title.ID()
}

func (r Request) String() string {
	if r.Title == nil {
		return r.Type.String()
	}
	return fmt.Sprintf("%s %s", r.Type, r.Title)
}

// less orders by type, then title ID. Requests equal under less are the
// same set key.
func less(a, b Request) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.TitleID() < b.TitleID()
}
