// Package stream provides the byte stream layers installed on a connection
// after feature negotiation. Every layer presents the same Read/Write/Close
// contract as the raw socket it wraps.
package stream

import (
	"bytes"
	"errors"
	"io"
)

var (
	ErrInvalidChunk     = errors.New("Snappy stream is malformed, unexpected chunk")
	ErrInvalidChecksum  = errors.New("Snappy stream is malformed, checksum mismatch")
	ErrUnsupportedLevel = errors.New("Deflate level must be between 1 and 9")
)

// Stream is a transport, possibly wrapped by one or more codecs.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Identity returns rw unchanged. It is the layer used when no compression
// was negotiated.
func Identity(rw io.ReadWriteCloser) Stream {
	return rw
}

// source returns a reader that yields pending before anything read from r.
// pending holds bytes that were read off the socket before the layer was
// installed.
func source(pending []byte, r io.Reader) io.Reader {
	if len(pending) == 0 {
		return r
	}

	buffered := make([]byte, len(pending))
	copy(buffered, pending)

	return io.MultiReader(bytes.NewReader(buffered), r)
}
