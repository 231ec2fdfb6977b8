package packfile

import "github.com/kptdev/gitd/internal/giterrors"

// ApplyDelta reconstructs an object from a base and a Git delta
// instruction stream (spec §4.3 "Delta payload is a Git copy/insert
// instruction stream"): two size-encoded varints (base size, result
// size) followed by copy (high bit set) and insert (high bit clear)
// opcodes.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	baseSize, rest, err := readDeltaSize(delta)
	if err != nil {
		return nil, err
	}
	if baseSize != len(base) {
		return nil, giterrors.New(giterrors.CorruptPack, "delta base size %d does not match actual base length %d", baseSize, len(base))
	}
	resultSize, rest, err := readDeltaSize(rest)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, resultSize)
	for len(rest) > 0 {
		op := rest[0]
		rest = rest[1:]
		switch {
		case op&0x80 != 0:
			var offset, size int
			if op&0x01 != 0 {
				offset |= int(rest[0])
				rest = rest[1:]
			}
			if op&0x02 != 0 {
				offset |= int(rest[0]) << 8
				rest = rest[1:]
			}
			if op&0x04 != 0 {
				offset |= int(rest[0]) << 16
				rest = rest[1:]
			}
			if op&0x08 != 0 {
				offset |= int(rest[0]) << 24
				rest = rest[1:]
			}
			if op&0x10 != 0 {
				size |= int(rest[0])
				rest = rest[1:]
			}
			if op&0x20 != 0 {
				size |= int(rest[0]) << 8
				rest = rest[1:]
			}
			if op&0x40 != 0 {
				size |= int(rest[0]) << 16
				rest = rest[1:]
			}
			if size == 0 {
				size = 0x10000
			}
			if offset < 0 || offset+size > len(base) {
				return nil, giterrors.New(giterrors.CorruptPack, "delta copy instruction out of bounds (offset=%d size=%d base=%d)", offset, size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
		case op != 0:
			n := int(op)
			if len(rest) < n {
				return nil, giterrors.New(giterrors.CorruptPack, "delta insert instruction truncated")
			}
			out = append(out, rest[:n]...)
			rest = rest[n:]
		default:
			return nil, giterrors.New(giterrors.CorruptPack, "reserved delta opcode 0")
		}
	}
	if len(out) != resultSize {
		return nil, giterrors.New(giterrors.CorruptPack, "delta produced %d bytes, expected %d", len(out), resultSize)
	}
	return out, nil
}

// readDeltaSize reads a base128 varint (low 7 bits first, continuation
// in the high bit) used for the two size headers at the start of a
// delta instruction stream.
func readDeltaSize(b []byte) (int, []byte, error) {
	size := 0
	shift := uint(0)
	for i, c := range b {
		size |= int(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			return size, b[i+1:], nil
		}
	}
	return 0, nil, giterrors.New(giterrors.CorruptPack, "truncated delta size header")
}

// readTypeAndSize decodes the variable-length type+size record header
// (spec §4.3): bits 4-6 of the first byte are the type, the low 4 bits
// and any continuation bytes (7 bits each) form the size.
func readTypeAndSize(br interface{ ReadByte() (byte, error) }) (recordType, int64, error) {
	b, err := br.ReadByte()
	if err != nil {
		return 0, 0, giterrors.Wrap(giterrors.CorruptPack, err, "reading object type/size byte")
	}
	typ := recordType((b >> 4) & 0x7)
	size := int64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		b, err = br.ReadByte()
		if err != nil {
			return 0, 0, giterrors.Wrap(giterrors.CorruptPack, err, "reading object size continuation byte")
		}
		size |= int64(b&0x7f) << shift
		shift += 7
	}
	return typ, size, nil
}

// readOffsetDelta decodes an OFS_DELTA back-reference: the distance,
// backward from this object's own record offset, to its base object.
func readOffsetDelta(br interface{ ReadByte() (byte, error) }) (int64, error) {
	b, err := br.ReadByte()
	if err != nil {
		return 0, giterrors.Wrap(giterrors.CorruptPack, err, "reading ofs-delta offset")
	}
	offset := int64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = br.ReadByte()
		if err != nil {
			return 0, giterrors.Wrap(giterrors.CorruptPack, err, "reading ofs-delta offset continuation")
		}
		offset++
		offset = (offset << 7) | int64(b&0x7f)
	}
	return offset, nil
}
