package gguf

import (
	"encoding/binary"
	"errors"
	"io"
)

// errTruncated is returned by the reader when a read would run past the end
// of the underlying file. Probe converts it into "architecture unknown".
var errTruncated = errors.New("gguf: truncated metadata")

// maxStringLen caps key and string value lengths. Anything larger is treated
// as corrupt metadata rather than allocated.
const maxStringLen = 1 << 20

// reader is a little-endian, bounds-checked cursor over an io.ReaderAt.
// Every read checks the remaining length first.
type reader struct {
	r    io.ReaderAt
	off  int64
	size int64
	buf  [8]byte
}

func newReader(r io.ReaderAt, size int64) *reader {
	return &reader{r: r, size: size}
}

func (br *reader) remaining() int64 { return br.size - br.off }

func (br *reader) read(n int) ([]byte, error) {
	if n < 0 || int64(n) > br.remaining() {
		return nil, errTruncated
	}
	var p []byte
	if n <= len(br.buf) {
		p = br.buf[:n]
	} else {
		p = make([]byte, n)
	}
	if _, err := br.r.ReadAt(p, br.off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errTruncated
		}
		return nil, err
	}
	br.off += int64(n)
	return p, nil
}

func (br *reader) skip(n uint64) error {
	if n > uint64(br.remaining()) {
		return errTruncated
	}
	br.off += int64(n)
	return nil
}

func (br *reader) u32() (uint32, error) {
	p, err := br.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (br *reader) u64() (uint64, error) {
	p, err := br.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

// length reads a count/length field. Version 1 files use 32-bit lengths.
func (br *reader) length(version uint32) (uint64, error) {
	if version == 1 {
		v, err := br.u32()
		return uint64(v), err
	}
	return br.u64()
}

func (br *reader) str(version uint32) (string, error) {
	n, err := br.length(version)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", errTruncated
	}
	p, err := br.read(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}
