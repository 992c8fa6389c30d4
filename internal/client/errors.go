package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNoChanges is returned by UploadBegin and DownloadBegin when the
	// server answers 204: there is nothing to transfer.
	ErrNoChanges = errors.New("no changes")

	// ErrStalled is the cause recorded when a body transfer saw no bytes
	// for longer than the low-speed window.
	ErrStalled = errors.New("transfer stalled")

	// ErrOffline is returned when the server is known to be unreachable.
	ErrOffline = errors.New("server is offline")
)

// TransportError covers everything short of a well-formed HTTP response:
// dial failures, timeouts, stalls and aborted contexts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an unexpected status or a malformed body.
type ProtocolError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SourceError is a failure reading the local body of an upload.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("read upload source: %v", e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsProtocol checks if an error is a ProtocolError and returns it.
func AsProtocol(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
