package stream

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
)

const (
	chunkCompressed   = 0x00
	chunkUncompressed = 0x01
	chunkPadding      = 0xfe
	chunkIdentifier   = 0xff

	// Chunks 0x02-0x7f are reserved and must not be skipped, 0x80-0xfd are
	// reserved but skippable.
	chunkReservedSkippable = 0x80

	maxBlockSize   = 65536
	checksumBytes  = 4
	chunkHeaderLen = 4
)

var (
	identifierBody = []byte("sNaPpY")
	identifier     = append([]byte{chunkIdentifier, 0x06, 0x00, 0x00}, identifierBody...)

	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

// Checksum is the masked CRC-32C used by the snappy framing format.
func Checksum(data []byte) uint32 {
	c := crc32.Checksum(data, castagnoli)
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// Snappy implements the snappy framing format: a stream identifier followed
// by compressed or uncompressed chunks, each carrying a masked CRC-32C of its
// uncompressed data.
type Snappy struct {
	rw  io.ReadWriteCloser
	src io.Reader

	// decoded data not yet returned by Read
	out            []byte
	seenIdentifier bool

	mu              sync.Mutex
	wroteIdentifier bool
}

// NewSnappy wraps rw. pending is any data already read from rw that belongs
// to the snappy stream.
func NewSnappy(rw io.ReadWriteCloser, pending []byte) *Snappy {
	return &Snappy{
		rw:  rw,
		src: source(pending, rw),
	}
}

func (s *Snappy) Read(p []byte) (int, error) {
	for len(s.out) == 0 {
		if err := s.readChunk(); err != nil {
			return 0, err
		}
	}

	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *Snappy) readChunk() error {
	var header [chunkHeaderLen]byte
	if _, err := io.ReadFull(s.src, header[:]); err != nil {
		return err
	}

	chunkType := header[0]
	length := int(header[1]) | int(header[2])<<8 | int(header[3])<<16

	chunk := make([]byte, length)
	if _, err := io.ReadFull(s.src, chunk); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if chunkType == chunkIdentifier {
		if string(chunk) != string(identifierBody) {
			return fmt.Errorf("Failed to read stream identifier %q: %w", chunk, ErrInvalidChunk)
		}

		s.seenIdentifier = true
		return nil
	}

	if !s.seenIdentifier {
		return fmt.Errorf("Failed to read chunk 0x%02x before the stream identifier: %w", chunkType, ErrInvalidChunk)
	}

	switch {
	case chunkType == chunkCompressed, chunkType == chunkUncompressed:
		if length < checksumBytes {
			return fmt.Errorf("Failed to read chunk of %d bytes: %w", length, ErrInvalidChunk)
		}

		checksum := binary.LittleEndian.Uint32(chunk[:checksumBytes])
		data := chunk[checksumBytes:]

		if chunkType == chunkCompressed {
			decoded, err := s2.Decode(nil, data)
			if err != nil {
				return fmt.Errorf("Failed to decode snappy block: %w", err)
			}
			data = decoded
		}

		if Checksum(data) != checksum {
			return ErrInvalidChecksum
		}

		s.out = data
		return nil

	case chunkType == chunkPadding, chunkType >= chunkReservedSkippable:
		return nil

	default:
		return fmt.Errorf("Failed to read reserved chunk 0x%02x: %w", chunkType, ErrInvalidChunk)
	}
}

// Write frames p as one or more chunks and writes them with a single call
// on the underlying stream. A chunk is only stored compressed when that
// saves at least 12.5%.
func (s *Snappy) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 0, len(identifier)+len(p)+(len(p)/maxBlockSize+1)*(chunkHeaderLen+checksumBytes))

	if !s.wroteIdentifier {
		buf = append(buf, identifier...)
	}

	for rest := p; len(rest) > 0; {
		block := rest
		if len(block) > maxBlockSize {
			block = block[:maxBlockSize]
		}
		rest = rest[len(block):]

		buf = appendChunk(buf, block)
	}

	if _, err := s.rw.Write(buf); err != nil {
		return 0, err
	}

	s.wroteIdentifier = true
	return len(p), nil
}

func appendChunk(buf, block []byte) []byte {
	chunkType := byte(chunkUncompressed)
	data := block

	compressed := s2.EncodeSnappy(nil, block)
	if len(compressed)*8 <= len(block)*7 {
		chunkType = chunkCompressed
		data = compressed
	}

	length := len(data) + checksumBytes
	buf = append(buf, chunkType, byte(length), byte(length>>8), byte(length>>16))
	buf = binary.LittleEndian.AppendUint32(buf, Checksum(block))
	return append(buf, data...)
}

func (s *Snappy) Close() error {
	return s.rw.Close()
}

var _ Stream = (*Snappy)(nil)
