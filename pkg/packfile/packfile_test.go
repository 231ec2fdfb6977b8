package packfile_test

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/packfile"
)

// packBuilder assembles a minimal valid PACK stream for tests; it exists
// only here, not in the library, since real packs are produced by a peer
// git client, not by this module.
type packBuilder struct {
	buf bytes.Buffer
}

func newPackBuilder() *packBuilder {
	return &packBuilder{}
}

func (p *packBuilder) writeTypeSize(typ byte, size int) {
	first := byte(size&0x0f) | (typ << 4)
	size >>= 4
	for size > 0 {
		first |= 0x80
		p.buf.WriteByte(first)
		first = byte(size & 0x7f)
		size >>= 7
	}
	p.buf.WriteByte(first)
}

func (p *packBuilder) addObject(typ byte, raw []byte) {
	p.writeTypeSize(typ, len(raw))
	var zb bytes.Buffer
	w := zlib.NewWriter(&zb)
	w.Write(raw)
	w.Close()
	p.buf.Write(zb.Bytes())
}

func (p *packBuilder) build(count int) []byte {
	var out bytes.Buffer
	out.WriteString("PACK")
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], 2)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(count))
	out.Write(hdr[:])
	out.Write(p.buf.Bytes())

	h := sha1.Sum(out.Bytes())
	out.Write(h[:])
	return out.Bytes()
}

type noBases struct{}

func (noBases) ResolveBase(sha string) (objfmt.Kind, []byte, bool, error) {
	return "", nil, false, nil
}

func TestUnpackSingleBlob(t *testing.T) {
	p := newPackBuilder()
	content := []byte("hello, pack\n")
	p.addObject(3, content) // typeBlob
	data := p.build(1)

	var got []packfile.Object
	trailer, err := packfile.Unpack(bytes.NewReader(data), packfile.DefaultLimits(), noBases{}, func(o packfile.Object) error {
		got = append(got, o)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, trailer, 40)
	require.Len(t, got, 1)
	assert.Equal(t, objfmt.Blob, got[0].Kind)
	assert.Equal(t, content, got[0].Content)
	assert.Equal(t, objfmt.ComputeSHA(objfmt.Blob, content), got[0].SHA)
}

func TestUnpackRejectsBadSignature(t *testing.T) {
	_, err := packfile.Unpack(bytes.NewReader([]byte("NOPE")), packfile.DefaultLimits(), noBases{}, func(packfile.Object) error { return nil })
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.CorruptPack))
}

func TestUnpackRejectsUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("PACK")
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], 99)
	binary.BigEndian.PutUint32(hdr[4:8], 0)
	buf.Write(hdr[:])
	buf.Write(make([]byte, 20))

	_, err := packfile.Unpack(bytes.NewReader(buf.Bytes()), packfile.DefaultLimits(), noBases{}, func(packfile.Object) error { return nil })
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.UnsupportedVersion))
}

func TestUnpackRejectsObjectCountOverLimit(t *testing.T) {
	p := newPackBuilder()
	p.addObject(3, []byte("x"))
	data := p.build(1)

	limits := packfile.DefaultLimits()
	limits.MaxObjectCount = 0
	_, err := packfile.Unpack(bytes.NewReader(data), limits, noBases{}, func(packfile.Object) error { return nil })
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.PackLimitExceeded))
}

func TestUnpackRejectsTrailerMismatch(t *testing.T) {
	p := newPackBuilder()
	p.addObject(3, []byte("hello"))
	data := p.build(1)
	data[len(data)-1] ^= 0xff // corrupt trailer

	_, err := packfile.Unpack(bytes.NewReader(data), packfile.DefaultLimits(), noBases{}, func(packfile.Object) error { return nil })
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.CorruptPack))
}

func TestUnpackRefDeltaResolvesAgainstEarlierObject(t *testing.T) {
	p := newPackBuilder()
	base := []byte("line one\nline two\nline three\n")
	p.addObject(3, base) // typeBlob, becomes bySHA-resolvable after first callback

	baseSHA := objfmt.ComputeSHA(objfmt.Blob, base)
	target := []byte("line one\nline TWO changed\nline three\n")

	// Build a trivial delta: copy nothing, insert everything (valid, if
	// wasteful, per the delta format -- exercises the insert opcode path).
	var deltaBuf bytes.Buffer
	writeDeltaSize(&deltaBuf, len(base))
	writeDeltaSize(&deltaBuf, len(target))
	// insert opcodes are limited to 127 bytes each
	for off := 0; off < len(target); {
		n := len(target) - off
		if n > 127 {
			n = 127
		}
		deltaBuf.WriteByte(byte(n))
		deltaBuf.Write(target[off : off+n])
		off += n
	}

	p.writeTypeSize(7, deltaBuf.Len()) // typeRefDelta
	p.buf.Write([]byte(mustHexDecode(baseSHA)))
	var zb bytes.Buffer
	w := zlib.NewWriter(&zb)
	w.Write(deltaBuf.Bytes())
	w.Close()
	p.buf.Write(zb.Bytes())

	data := p.build(2)

	var got []packfile.Object
	_, err := packfile.Unpack(bytes.NewReader(data), packfile.DefaultLimits(), noBases{}, func(o packfile.Object) error {
		got = append(got, o)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, base, got[0].Content)
	assert.Equal(t, target, got[1].Content)
	assert.Equal(t, objfmt.Blob, got[1].Kind)
}

func writeDeltaSize(buf *bytes.Buffer, n int) {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n > 0 {
			buf.WriteByte(b | 0x80)
		} else {
			buf.WriteByte(b)
			return
		}
	}
}

func mustHexDecode(s string) []byte {
	out := make([]byte, len(s)/2)
	for i := range out {
		hi := hexVal(s[i*2])
		lo := hexVal(s[i*2+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}
