package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/savesync/internal/client"
)

var (
	ErrNothingToUpload   = errors.New("nothing to upload")
	ErrNothingToDownload = errors.New("nothing to download")

	// ErrHashMismatch means downloaded bytes did not match the digest the
	// server announced.
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
)

// LocalIOError is a device file operation that failed while preparing or
// applying a transaction.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// FinalizeError is a failure after every file was transferred. Files
// already written are kept.
type FinalizeError struct {
	Step string
	Err  error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize (%s): %v", e.Step, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// Class groups errors by how the queue reacts to them.
type Class int

const (
	ClassNone Class = iota
	// ClassTransport: go offline, keep the request queued.
	ClassTransport
	// ClassProtocol: drop the request, report it, pause processing.
	ClassProtocol
	// ClassEmpty: nothing to do, reported as information.
	ClassEmpty
	// ClassFinalize: drop the request and report it.
	ClassFinalize
	// ClassLocal: drop the request, report it, pause processing.
	ClassLocal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "success"
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassEmpty:
		return "empty"
	case ClassFinalize:
		return "finalize"
	case ClassLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Classify maps an error from Upload, Download or a catalog refresh to its
// class. A cancelled context counts as a transport failure.
func Classify(err error) Class {
	var (
		fe *FinalizeError
		le *LocalIOError
	)
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrNothingToUpload), errors.Is(err, ErrNothingToDownload):
		return ClassEmpty
	case errors.As(err, &fe):
		return ClassFinalize
	case client.IsTransport(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransport
	case errors.As(err, &le):
		return ClassLocal
	default:
		return ClassProtocol
	}
}
