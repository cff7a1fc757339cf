package stream

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// Deflate is a raw deflate (RFC 1951) layer. Every Write is followed by a
// sync flush so the peer can decode each command as soon as it arrives.
type Deflate struct {
	rw io.ReadWriteCloser
	r  io.ReadCloser

	mu sync.Mutex
	w  *flate.Writer
}

// NewDeflate wraps rw. pending is any data already read from rw that belongs
// to the compressed stream.
func NewDeflate(rw io.ReadWriteCloser, level int, pending []byte) (*Deflate, error) {
	if level < flate.BestSpeed || level > flate.BestCompression {
		return nil, fmt.Errorf("Failed to create deflate stream at level %d: %w", level, ErrUnsupportedLevel)
	}

	w, err := flate.NewWriter(rw, level)
	if err != nil {
		return nil, fmt.Errorf("Failed to create deflate writer: %w", err)
	}

	return &Deflate{
		rw: rw,
		r:  flate.NewReader(source(pending, rw)),
		w:  w,
	}, nil
}

func (d *Deflate) Read(p []byte) (int, error) {
	return d.r.Read(p)
}

func (d *Deflate) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.w.Write(p)
	if err != nil {
		return n, err
	}

	if err := d.w.Flush(); err != nil {
		return n, err
	}

	return n, nil
}

func (d *Deflate) Close() error {
	d.r.Close()
	return d.rw.Close()
}

var _ Stream = (*Deflate)(nil)
