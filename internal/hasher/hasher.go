// Package hasher computes content digests of container files.
//
// Archive reads can fail on ranges that were allocated but never written.
// Those reads surface as device.ErrUninitialized, and the hasher treats the
// remainder of the file as zero bytes so the digest matches the bytes a
// transfer would send.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/metrics"
)

// ChunkSize is the read size between cancellation checks.
const ChunkSize = 64 * 1024

// Result is the outcome of hashing one file.
type Result struct {
	Digest string
	Bytes  int64
	// ZeroFilled is the number of trailing bytes substituted with zeros.
	ZeroFilled int64
}

// Hash streams r through SHA-256. size is the file's declared size and
// bounds the zero fill when r hits an uninitialized region.
func Hash(ctx context.Context, r io.Reader, size int64) (Result, error) {
	h := sha256.New()
	var res Result
	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			res.Bytes += int64(n)
		}
		if err == io.EOF {
			break
		}
		if errors.Is(err, device.ErrUninitialized) {
			res.ZeroFilled = writeZeros(h, size-res.Bytes)
			res.Bytes += res.ZeroFilled
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read at %d: %w", res.Bytes, err)
		}
	}
	metrics.AddHashed(res.Bytes)
	res.Digest = hex.EncodeToString(h.Sum(nil))
	return res, nil
}

var zeros [ChunkSize]byte

func writeZeros(w io.Writer, n int64) int64 {
	var written int64
	for written < n {
		chunk := n - written
		if chunk > ChunkSize {
			chunk = ChunkSize
		}
		w.Write(zeros[:chunk])
		written += chunk
	}
	return written
}

// ZeroFillReader returns the bytes of r, substituting zeros up to size once
// r reports device.ErrUninitialized.
type ZeroFillReader struct {
	r       io.Reader
	size    int64
	read    int64
	filling bool
}

// NewZeroFillReader wraps r for a file of the given declared size.
func NewZeroFillReader(r io.Reader, size int64) *ZeroFillReader {
	return &ZeroFillReader{r: r, size: size}
}

func (z *ZeroFillReader) Read(p []byte) (int, error) {
	if z.filling {
		remaining := z.size - z.read
		if remaining <= 0 {
			return 0, io.EOF
		}
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
		for i := range p {
			p[i] = 0
		}
		z.read += int64(len(p))
		return len(p), nil
	}

	n, err := z.r.Read(p)
	z.read += int64(n)
	if errors.Is(err, device.ErrUninitialized) {
		z.filling = true
		if n > 0 {
			return n, nil
		}
		return z.Read(p)
	}
	return n, err
}

// Writer hashes bytes as they are written, for verifying downloads.
type Writer struct {
	h hash.Hash
	n int64
}

// NewWriter returns an empty streaming hasher.
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return w.h.Write(p)
}

// Digest returns the lowercase hex digest of everything written so far.
func (w *Writer) Digest() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Bytes returns the number of bytes written.
func (w *Writer) Bytes() int64 { return w.n }
