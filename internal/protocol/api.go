// Package protocol defines the /v1 API request/response types.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Prefix is the path every endpoint lives under.
const Prefix = "/v1"

// FileEntry describes one container file. Hash is null when the client
// has no trusted digest.
type FileEntry struct {
	Path string  `json:"path"`
	Size int64   `json:"size"`
	Hash *string `json:"hash"`
}

// HashValue returns the hash or "" when absent.
func (f FileEntry) HashValue() string {
	if f.Hash == nil {
		return ""
	}
	return *f.Hash
}

// HashPtr returns nil for "" so empty hashes encode as null.
func HashPtr(h string) *string {
	if h == "" {
		return nil
	}
	return &h
}

// TitleInfo is the server's last-known state of one title.
type TitleInfo struct {
	Save    []FileEntry `json:"save"`
	Extdata []FileEntry `json:"extdata"`
}

// TitlesResponse is returned by GET /v1/titles, keyed by decimal title ID.
type TitlesResponse map[string]TitleInfo

// ByID converts the decimal keys. Keys that are not valid IDs are an error.
func (r TitlesResponse) ByID() (map[uint64]TitleInfo, error) {
	out := make(map[uint64]TitleInfo, len(r))
	for k, v := range r {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad title id %q", k)
		}
		out[id] = v
	}
	return out, nil
}

// UploadBeginRequest is the body for POST /v1/upload/begin.
type UploadBeginRequest struct {
	ID        uint64      `json:"id"`
	Container string      `json:"container"`
	Files     []FileEntry `json:"files"`
}

// UploadBeginResponse lists the paths the server wants sent.
type UploadBeginResponse struct {
	Ticket string   `json:"ticket"`
	Files  []string `json:"files"`
}

// DownloadBeginRequest is the body for POST /v1/download/begin.
type DownloadBeginRequest struct {
	ID            uint64      `json:"id"`
	Container     string      `json:"container"`
	ExistingFiles []FileEntry `json:"existingFiles"`
}

// Action is the server's instruction for one file during a download.
type Action string

const (
	ActionKeep    Action = "KEEP"
	ActionReplace Action = "REPLACE"
	ActionCreate  Action = "CREATE"
	ActionRemove  Action = "REMOVE"
)

// UnmarshalJSON accepts any letter case.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch v := Action(strings.ToUpper(s)); v {
	case ActionKeep, ActionReplace, ActionCreate, ActionRemove:
		*a = v
		return nil
	}
	return fmt.Errorf("unknown action %q", s)
}

// DownloadFile is one action in a download-begin response.
type DownloadFile struct {
	Path   string  `json:"path"`
	Action Action  `json:"action"`
	Size   *int64  `json:"size,omitempty"`
	Hash   *string `json:"hash,omitempty"`
}

// DownloadBeginResponse carries the ticket and the ordered actions.
type DownloadBeginResponse struct {
	Ticket string         `json:"ticket"`
	Files  []DownloadFile `json:"files"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
