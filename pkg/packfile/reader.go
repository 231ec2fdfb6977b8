package packfile

import (
	"bufio"
	"crypto/sha1"
	"hash"
	"io"
)

// countingHasher wraps a raw byte stream with a running sha1 (the
// trailer checksum covers every preceding byte) and a byte counter (used
// as the pack-relative offset for OFS_DELTA back-references). It
// implements io.ByteReader so compress/zlib reads it directly instead of
// wrapping it in its own buffered reader — that would read past the end
// of the current object's deflate stream and desynchronize offsets.
type countingHasher struct {
	br *bufio.Reader
	h  hash.Hash
	n  int64
}

func newCountingHasher(r io.Reader) *countingHasher {
	return &countingHasher{br: bufio.NewReaderSize(r, 32*1024), h: sha1.New()}
}

func (c *countingHasher) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.h.Write(p[:n])
	}
	return n, err
}

func (c *countingHasher) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.n++
		c.h.Write([]byte{b})
	}
	return b, err
}

// ReadTrailer reads the final 20-byte checksum without feeding it into
// the running hash (the checksum is computed over everything before it).
func (c *countingHasher) ReadTrailer() ([]byte, error) {
	var buf [20]byte
	if _, err := io.ReadFull(c.br, buf[:]); err != nil {
		return nil, err
	}
	return buf[:], nil
}
