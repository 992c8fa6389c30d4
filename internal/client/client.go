// Package client provides the HTTP client for the /v1 sync API with retry,
// online tracking, and auth.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/protocol"
	"github.com/fruitsalade/savesync/internal/retry"
)

// Client talks to one sync server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	timeout     time.Duration
	lowSpeed    time.Duration
	log         *zap.Logger

	mu        sync.RWMutex
	online    bool
	lastPing  time.Time
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds control requests (status, titles, begin, end).
	// File transfers are bounded by LowSpeedWindow instead.
	Timeout        time.Duration
	ConnectTimeout time.Duration
	// LowSpeedWindow aborts a file transfer that moves no bytes for this
	// long. Zero disables the watchdog.
	LowSpeedWindow time.Duration
	RetryConfig    retry.Config
	AuthToken      string
	// Transport overrides the default dialer-based transport.
	Transport http.RoundTripper
}

// New creates a new client. It starts offline until a request succeeds.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: cfg.ConnectTimeout,
		}
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Transport: transport},
		retryConfig: cfg.RetryConfig,
		timeout:     cfg.Timeout,
		lowSpeed:    cfg.LowSpeedWindow,
		log:         logging.Named("client"),
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// LastContact returns when the server last answered or failed to.
func (c *Client) LastContact() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

// SetOffline marks the server unreachable without a request, e.g. when the
// link layer drops.
func (c *Client) SetOffline() {
	c.setOnline(false)
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.log.Info("server is online")
		} else {
			c.log.Warn("server is offline")
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+protocol.Prefix+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	c.applyAuth(req)
	return req, nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	c.setOnline(false)
	if cause := context.Cause(ctx); errors.Is(cause, ErrStalled) {
		err = ErrStalled
	}
	return &TransportError{Op: op, Err: err}
}

func protocolError(op string, resp *http.Response) error {
	pe := &ProtocolError{Op: op, Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er protocol.ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		pe.Message = er.Error
	} else {
		pe.Message = strings.TrimSpace(string(data))
	}
	return pe
}

// call performs a bounded JSON request. It returns the status code of any
// 2xx response; out is decoded unless the status is 204.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, protocolError(op, resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return 0, c.transportError(ctx, op, err)
		}
		return resp.StatusCode, &ProtocolError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.StatusCode, nil
}

// retryable marks transport failures and server errors for retry.Do.
func retryable(err error) error {
	if IsTransport(err) {
		return retry.Retryable(err)
	}
	if pe, ok := AsProtocol(err); ok && pe.Status >= 500 {
		return retry.Retryable(err)
	}
	return err
}

// Status pings GET /v1/status.
func (c *Client) Status(ctx context.Context) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		_, err := c.call(ctx, "status", http.MethodGet, "/status", nil, nil)
		return retryable(err)
	})
}

// Titles fetches the server's catalog keyed by title ID.
func (c *Client) Titles(ctx context.Context) (map[uint64]protocol.TitleInfo, error) {
	resp, err := retry.DoWithResult(ctx, c.retryConfig, func() (protocol.TitlesResponse, error) {
		var resp protocol.TitlesResponse
		_, err := c.call(ctx, "titles", http.MethodGet, "/titles", nil, &resp)
		return resp, retryable(err)
	})
	if err != nil {
		return nil, err
	}
	byID, err := resp.ByID()
	if err != nil {
		return nil, &ProtocolError{Op: "titles", Status: http.StatusOK, Err: err}
	}
	return byID, nil
}

// UploadBegin opens an upload transaction. It returns ErrNoChanges when the
// server already has everything.
func (c *Client) UploadBegin(ctx context.Context, req protocol.UploadBeginRequest) (*protocol.UploadBeginResponse, error) {
	var resp protocol.UploadBeginResponse
	status, err := c.call(ctx, "upload begin", http.MethodPost, "/upload/begin", req, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, ErrNoChanges
	}
	if resp.Ticket == "" {
		return nil, &ProtocolError{Op: "upload begin", Status: status, Message: "response has no ticket"}
	}
	return &resp, nil
}

// UploadFile streams one file of an upload transaction. progress receives
// byte counts as they are read from r.
func (c *Client) UploadFile(ctx context.Context, ticket, path string, r io.Reader, size int64, progress func(int64)) error {
	const op = "upload file"
	ctx, dog := newWatchdog(ctx, c.lowSpeed)
	defer dog.stop()

	src := &sourceReader{r: r, dog: dog, progress: progress}
	var body io.Reader = src
	if size == 0 {
		body = http.NoBody
	}
	req, err := c.newRequest(ctx, http.MethodPut,
		"/upload/"+url.PathEscape(ticket)+"/file?path="+url.QueryEscape(path), body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if serr := src.readErr(); serr != nil {
			return &SourceError{Err: serr}
		}
		return c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protocolError(op, resp)
	}
	return nil
}

// UploadEnd finalizes an upload transaction.
func (c *Client) UploadEnd(ctx context.Context, ticket string) error {
	_, err := c.call(ctx, "upload end", http.MethodPut, "/upload/"+url.PathEscape(ticket)+"/end", nil, nil)
	return err
}

// UploadCancel releases an upload ticket.
func (c *Client) UploadCancel(ctx context.Context, ticket string) error {
	_, err := c.call(ctx, "upload cancel", http.MethodDelete, "/upload/"+url.PathEscape(ticket), nil, nil)
	return err
}

// DownloadBegin opens a download transaction. It returns ErrNoChanges when
// the local files already match.
func (c *Client) DownloadBegin(ctx context.Context, req protocol.DownloadBeginRequest) (*protocol.DownloadBeginResponse, error) {
	var resp protocol.DownloadBeginResponse
	status, err := c.call(ctx, "download begin", http.MethodPost, "/download/begin", req, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, ErrNoChanges
	}
	if resp.Ticket == "" {
		return nil, &ProtocolError{Op: "download begin", Status: status, Message: "response has no ticket"}
	}
	return &resp, nil
}

// DownloadFile opens the bytes of one file of a download transaction. Read
// errors from the returned body are *TransportError. The caller must
// close it.
func (c *Client) DownloadFile(ctx context.Context, ticket, path string, progress func(int64)) (io.ReadCloser, int64, error) {
	const op = "download file"
	ctx, dog := newWatchdog(ctx, c.lowSpeed)

	req, err := c.newRequest(ctx, http.MethodGet,
		"/download/"+url.PathEscape(ticket)+"/file?path="+url.QueryEscape(path), nil)
	if err != nil {
		dog.stop()
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = c.transportError(ctx, op, err)
		dog.stop()
		return nil, 0, err
	}
	c.setOnline(true)
	if resp.StatusCode != http.StatusOK {
		err := protocolError(op, resp)
		resp.Body.Close()
		dog.stop()
		return nil, 0, err
	}
	dog.kick()
	return &bodyReader{ctx: ctx, body: resp.Body, dog: dog, progress: progress, op: op}, resp.ContentLength, nil
}

// DownloadEnd closes a completed download transaction.
func (c *Client) DownloadEnd(ctx context.Context, ticket string) error {
	_, err := c.call(ctx, "download end", http.MethodDelete, "/download/"+url.PathEscape(ticket), nil, nil)
	return err
}

// DownloadCancel abandons a download transaction. The endpoint is the
// same as DownloadEnd.
func (c *Client) DownloadCancel(ctx context.Context, ticket string) error {
	_, err := c.call(ctx, "download cancel", http.MethodDelete, "/download/"+url.PathEscape(ticket), nil, nil)
	return err
}
