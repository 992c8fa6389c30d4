// Package testserver is an in-memory implementation of the /v1 sync API for
// tests. It computes wanted paths and download actions from content
// hashes the way a real server would.
package testserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/fruitsalade/savesync/internal/hasher"
	"github.com/fruitsalade/savesync/internal/protocol"
)

type file struct {
	data []byte
	hash string
}

type container map[string]file

type upload struct {
	id        uint64
	container string
	files     []protocol.FileEntry
	wanted    map[string]bool
	received  map[string][]byte
}

type download struct {
	id        uint64
	container string
}

// Server holds titles keyed by ID, then container wire name, then path.
type Server struct {
	mu        sync.Mutex
	titles    map[uint64]map[string]container
	uploads   map[string]*upload
	downloads map[string]*download
	calls     []string
	cancelled int

	dropTransfers bool
	failBegin     int
	failEnd       int
	hold          chan struct{}
	held          chan struct{}

	http *httptest.Server
}

// New starts a server. Close it when done.
func New() *Server {
	s := &Server{
		titles:    make(map[uint64]map[string]container),
		uploads:   make(map[string]*upload),
		downloads: make(map[string]*download),
	}
	s.http = httptest.NewServer(s.Handler())
	return s
}

// URL is the base URL to configure clients with.
func (s *Server) URL() string { return s.http.URL }

// Close shuts the server down.
func (s *Server) Close() { s.http.Close() }

// Handler returns the routed /v1 API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/titles", s.handleTitles)
	mux.HandleFunc("POST /v1/upload/begin", s.handleUploadBegin)
	mux.HandleFunc("PUT /v1/upload/{ticket}/file", s.handleUploadFile)
	mux.HandleFunc("PUT /v1/upload/{ticket}/end", s.handleUploadEnd)
	mux.HandleFunc("DELETE /v1/upload/{ticket}", s.handleUploadCancel)
	mux.HandleFunc("POST /v1/download/begin", s.handleDownloadBegin)
	mux.HandleFunc("GET /v1/download/{ticket}/file", s.handleDownloadFile)
	mux.HandleFunc("DELETE /v1/download/{ticket}", s.handleDownloadEnd)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

// Put stores a file for a title.
func (s *Server) Put(id uint64, c, path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.container(id, c)[path] = file{data: data, hash: digest(data)}
}

// File returns the stored bytes of a file.
func (s *Server) File(id uint64, c, path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.titles[id][c][path]
	return f.data, ok
}

// Paths lists a container's stored paths in order.
func (s *Server) Paths(id uint64, c string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.titles[id][c] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Calls returns "METHOD /path" for every request received.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Cancelled counts cancelled transactions.
func (s *Server) Cancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Open counts tickets that were neither ended nor cancelled.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads) + len(s.downloads)
}

func (s *Server) container(id uint64, c string) container {
	t, ok := s.titles[id]
	if !ok {
		t = make(map[string]container)
		s.titles[id] = t
	}
	ct, ok := t[c]
	if !ok {
		ct = make(container)
		t[c] = ct
	}
	return ct
}

func digest(data []byte) string {
	w := hasher.NewWriter()
	w.Write(data)
	return w.Digest()
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: message})
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func drop(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("testserver: response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err == nil {
		conn.Close()
	}
}

func validContainer(c string) bool {
	return c == "save" || c == "extdata"
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func entries(ct container) []protocol.FileEntry {
	out := make([]protocol.FileEntry, 0, len(ct))
	for p, f := range ct {
		out = append(out, protocol.FileEntry{Path: p, Size: int64(len(f.data)), Hash: protocol.HashPtr(f.hash)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *Server) handleTitles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := make(protocol.TitlesResponse, len(s.titles))
	for id, t := range s.titles {
		resp[strconv.FormatUint(id, 10)] = protocol.TitleInfo{
			Save:    entries(t["save"]),
			Extdata: entries(t["extdata"]),
		}
	}
	s.mu.Unlock()
	sendJSON(w, resp)
}

func (s *Server) handleUploadBegin(w http.ResponseWriter, r *http.Request) {
	var req protocol.UploadBeginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validContainer(req.Container) {
		sendError(w, http.StatusBadRequest, "invalid request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBegin != 0 {
		sendError(w, s.failBegin, "begin rejected")
		return
	}

	stored := s.titles[req.ID][req.Container]
	u := &upload{
		id:        req.ID,
		container: req.Container,
		files:     req.Files,
		wanted:    make(map[string]bool),
		received:  make(map[string][]byte),
	}
	wanted := []string{}
	for _, f := range req.Files {
		have, ok := stored[f.Path]
		if ok && f.Hash != nil && *f.Hash == have.hash {
			continue
		}
		u.wanted[f.Path] = true
		wanted = append(wanted, f.Path)
	}
	if len(wanted) == 0 && len(req.Files) == len(stored) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ticket := uuid.NewString()
	s.uploads[ticket] = u
	sendJSON(w, protocol.UploadBeginResponse{Ticket: ticket, Files: wanted})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if s.dropping() {
		drop(w)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}
	if !s.wait(r) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[r.PathValue("ticket")]
	if !ok {
		sendError(w, http.StatusNotFound, "unknown ticket")
		return
	}
	p := r.URL.Query().Get("path")
	if !u.wanted[p] {
		sendError(w, http.StatusBadRequest, "path not requested: "+p)
		return
	}
	u.received[p] = data
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadEnd(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEnd != 0 {
		sendError(w, s.failEnd, "end rejected")
		return
	}
	ticket := r.PathValue("ticket")
	u, ok := s.uploads[ticket]
	if !ok {
		sendError(w, http.StatusNotFound, "unknown ticket")
		return
	}
	for p := range u.wanted {
		if _, ok := u.received[p]; !ok {
			sendError(w, http.StatusBadRequest, "missing file "+p)
			return
		}
	}

	prev := s.titles[u.id][u.container]
	next := make(container, len(u.files))
	for _, f := range u.files {
		if data, ok := u.received[f.Path]; ok {
			next[f.Path] = file{data: data, hash: digest(data)}
		} else {
			next[f.Path] = prev[f.Path]
		}
	}
	s.container(u.id, u.container)
	s.titles[u.id][u.container] = next
	delete(s.uploads, ticket)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket := r.PathValue("ticket")
	if _, ok := s.uploads[ticket]; !ok {
		sendError(w, http.StatusNotFound, "unknown ticket")
		return
	}
	delete(s.uploads, ticket)
	s.cancelled++
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadBegin(w http.ResponseWriter, r *http.Request) {
	var req protocol.DownloadBeginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validContainer(req.Container) {
		sendError(w, http.StatusBadRequest, "invalid request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBegin != 0 {
		sendError(w, s.failBegin, "begin rejected")
		return
	}

	stored := s.titles[req.ID][req.Container]
	local := make(map[string]protocol.FileEntry, len(req.ExistingFiles))
	for _, f := range req.ExistingFiles {
		local[f.Path] = f
	}

	var actions []protocol.DownloadFile
	changed := false
	for _, e := range entries(stored) {
		size, hash := e.Size, e.HashValue()
		a := protocol.DownloadFile{Path: e.Path, Size: &size, Hash: &hash}
		l, ok := local[e.Path]
		switch {
		case !ok:
			a.Action = protocol.ActionCreate
			changed = true
		case l.HashValue() != hash || l.Size != size:
			a.Action = protocol.ActionReplace
			changed = true
		default:
			a.Action = protocol.ActionKeep
		}
		actions = append(actions, a)
	}
	for _, f := range req.ExistingFiles {
		if _, ok := stored[f.Path]; !ok {
			actions = append(actions, protocol.DownloadFile{Path: f.Path, Action: protocol.ActionRemove})
			changed = true
		}
	}
	if !changed {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ticket := uuid.NewString()
	s.downloads[ticket] = &download{id: req.ID, container: req.Container}
	sendJSON(w, protocol.DownloadBeginResponse{Ticket: ticket, Files: actions})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	if s.dropping() {
		drop(w)
		return
	}
	s.mu.Lock()
	d, ok := s.downloads[r.PathValue("ticket")]
	var f file
	if ok {
		f, ok = s.titles[d.id][d.container][r.URL.Query().Get("path")]
	}
	s.mu.Unlock()
	if !ok {
		sendError(w, http.StatusNotFound, "not found")
		return
	}
	if !s.wait(r) {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(f.data)))
	w.Write(f.data)
}

func (s *Server) handleDownloadEnd(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket := r.PathValue("ticket")
	if _, ok := s.downloads[ticket]; !ok {
		sendError(w, http.StatusNotFound, "unknown ticket")
		return
	}
	if s.failEnd != 0 {
		sendError(w, s.failEnd, "end rejected")
		return
	}
	delete(s.downloads, ticket)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dropping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropTransfers
}

// SetDropTransfers makes file endpoints close the connection without a
// response.
func (s *Server) SetDropTransfers(v bool) {
	s.mu.Lock()
	s.dropTransfers = v
	s.mu.Unlock()
}

// HoldTransfers makes file endpoints stall until release is called or the
// client goes away. held receives once for every transfer that stalls.
func (s *Server) HoldTransfers() (held <-chan struct{}, release func()) {
	hold, h := make(chan struct{}), make(chan struct{}, 16)
	s.mu.Lock()
	s.hold, s.held = hold, h
	s.mu.Unlock()
	var once sync.Once
	return h, func() {
		once.Do(func() {
			s.mu.Lock()
			s.hold, s.held = nil, nil
			s.mu.Unlock()
			close(hold)
		})
	}
}

// wait blocks a held transfer. It reports false when the client left.
func (s *Server) wait(r *http.Request) bool {
	s.mu.Lock()
	hold, held := s.hold, s.held
	s.mu.Unlock()
	if hold == nil {
		return true
	}
	select {
	case held <- struct{}{}:
	default:
	}
	select {
	case <-hold:
		return true
	case <-r.Context().Done():
		return false
	}
}

// SetFailBegin makes begin endpoints answer with status. Zero restores
// normal behaviour.
func (s *Server) SetFailBegin(status int) {
	s.mu.Lock()
	s.failBegin = status
	s.mu.Unlock()
}

// SetFailEnd makes end endpoints answer with status.
func (s *Server) SetFailEnd(status int) {
	s.mu.Lock()
	s.failEnd = status
	s.mu.Unlock()
}
