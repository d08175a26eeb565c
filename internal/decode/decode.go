// Package decode turns a Content-Encoding'd response body back into plain bytes.
package decode

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Supported Content-Encoding tokens.
const (
	Gzip    = "gzip"
	Deflate = "deflate"
	Brotli  = "br"
)

// AcceptEncoding advertises exactly the encodings NewReader can undo.
const AcceptEncoding = "gzip, deflate, br"

// Error reports malformed compressed data. It is terminal for the request.
type Error struct {
	Encoding string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode %s body: %v", e.Encoding, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Normalize lowercases and trims an encoding token.
func Normalize(encoding string) string {
	return strings.ToLower(strings.TrimSpace(encoding))
}

// Supported reports whether encoding is one NewReader decodes (as opposed to
// passing through).
func Supported(encoding string) bool {
	switch Normalize(encoding) {
	case Gzip, Deflate, Brotli:
		return true
	}
	return false
}

// NewReader wraps body so reads yield decoded bytes. Absent or unrecognized
// encodings pass the body through unchanged. Closing the returned reader closes
// body. Header-level failures (bad gzip magic, bad zlib header) are returned
// immediately; failures later in the stream surface from Read as *Error.
func NewReader(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	enc := Normalize(encoding)

	var dec io.Reader
	var decCloser io.Closer
	switch enc {
	case Gzip:
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, &Error{Encoding: enc, Err: err}
		}
		dec, decCloser = zr, zr
	case Deflate:
		zr, err := zlib.NewReader(body)
		if err != nil {
			return nil, &Error{Encoding: enc, Err: err}
		}
		dec, decCloser = zr, zr
	case Brotli:
		dec = brotli.NewReader(body)
	default:
		return body, nil
	}

	return &reader{enc: enc, r: dec, dec: decCloser, body: body}, nil
}

type reader struct {
	enc  string
	r    io.Reader
	dec  io.Closer
	body io.ReadCloser
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &Error{Encoding: r.enc, Err: err}
	}
	return n, err
}

func (r *reader) Close() error {
	if r.dec != nil {
		_ = r.dec.Close()
	}
	return r.body.Close()
}
