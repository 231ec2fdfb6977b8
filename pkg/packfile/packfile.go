// Package packfile implements Git's PACK object container format: the
// header/trailer, variable-length object records, and OFS_DELTA/REF_DELTA
// resolution described in spec.md §4.3.
package packfile

import (
	"compress/zlib"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objfmt"
)

type recordType byte

const (
	typeCommit   recordType = 1
	typeTree     recordType = 2
	typeBlob     recordType = 3
	typeTag      recordType = 4
	typeOfsDelta recordType = 6
	typeRefDelta recordType = 7
)

func (t recordType) objKind() (objfmt.Kind, bool) {
	switch t {
	case typeCommit:
		return objfmt.Commit, true
	case typeTree:
		return objfmt.Tree, true
	case typeBlob:
		return objfmt.Blob, true
	case typeTag:
		return objfmt.Tag, true
	default:
		return "", false
	}
}

// Limits bounds packfile ingestion (spec §4.3).
type Limits struct {
	MaxObjectCount           uint32
	MaxTotalUncompressedSize int64
	MaxSingleObjectSize      int64
}

// DefaultLimits returns the spec's default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxObjectCount:           100_000,
		MaxTotalUncompressedSize: 1 << 30, // 1 GiB
		MaxSingleObjectSize:      100 << 20,
	}
}

// BaseResolver resolves a REF_DELTA base that is not present earlier in
// the same pack, e.g. an object already in the store or visible through
// a quarantine's union view (spec open question 2: bases are resolved at
// unpack time through that union view, not re-resolved after promotion).
type BaseResolver interface {
	ResolveBase(sha string) (kind objfmt.Kind, content []byte, found bool, err error)
}

// Object is one fully-resolved (post-delta) object produced by Unpack.
type Object struct {
	SHA     string
	Kind    objfmt.Kind
	Content []byte
}

// Unpack streams objects out of a PACK v2/v3 stream, applying deltas and
// enforcing limits, calling onObject once per object in pack order.
// Trailer verification always happens at end-of-stream (spec §4.3:
// "mandatory at end-of-stream validation"). Any error return means the
// destination the caller wrote onObject's results to must be discarded
// wholesale — Unpack itself holds no state a caller needs to roll back.
func Unpack(r io.Reader, limits Limits, bases BaseResolver, onObject func(Object) error) (trailerSHA string, err error) {
	ch := newCountingHasher(r)

	var header [12]byte
	if _, err := io.ReadFull(ch, header[:]); err != nil {
		return "", giterrors.Wrap(giterrors.CorruptPack, err, "reading pack header")
	}
	if string(header[0:4]) != "PACK" {
		return "", giterrors.New(giterrors.CorruptPack, "bad pack signature %q", header[0:4])
	}
	version := binary.BigEndian.Uint32(header[4:8])
	if version != 2 && version != 3 {
		return "", giterrors.New(giterrors.UnsupportedVersion, "packfile version %d", version)
	}
	count := binary.BigEndian.Uint32(header[8:12])
	if count > limits.MaxObjectCount {
		return "", giterrors.New(giterrors.PackLimitExceeded, "object count %d exceeds limit %d", count, limits.MaxObjectCount)
	}

	byOffset := make(map[int64]Object, count)
	bySHA := make(map[string]Object, count)
	var totalUncompressed int64

	for i := uint32(0); i < count; i++ {
		offset := ch.n
		typ, declaredSize, err := readTypeAndSize(ch)
		if err != nil {
			return "", err
		}
		if declaredSize > limits.MaxSingleObjectSize {
			return "", giterrors.New(giterrors.PackLimitExceeded, "object at offset %d declares %d bytes, exceeding limit %d", offset, declaredSize, limits.MaxSingleObjectSize)
		}

		var baseOffset int64 = -1
		var baseSHA string
		switch typ {
		case typeOfsDelta:
			back, err := readOffsetDelta(ch)
			if err != nil {
				return "", err
			}
			baseOffset = offset - back
		case typeRefDelta:
			var raw [20]byte
			if _, err := io.ReadFull(ch, raw[:]); err != nil {
				return "", giterrors.Wrap(giterrors.CorruptPack, err, "reading ref-delta base sha")
			}
			baseSHA = hex.EncodeToString(raw[:])
		}

		zr, err := zlib.NewReader(ch)
		if err != nil {
			return "", giterrors.Wrap(giterrors.CorruptPack, err, "opening object zlib stream at offset %d", offset)
		}
		payload, err := readLimited(zr, limits.MaxSingleObjectSize)
		if err != nil {
			zr.Close()
			return "", err
		}
		if err := zr.Close(); err != nil {
			return "", giterrors.Wrap(giterrors.CorruptPack, err, "closing object zlib stream at offset %d", offset)
		}
		if int64(len(payload)) != declaredSize {
			return "", giterrors.New(giterrors.CorruptPack, "object at offset %d: declared size %d does not match inflated size %d", offset, declaredSize, len(payload))
		}

		var kind objfmt.Kind
		var content []byte
		switch typ {
		case typeOfsDelta, typeRefDelta:
			base, ok := byOffset[baseOffset]
			if typ == typeRefDelta {
				base, ok = bySHA[baseSHA]
				if !ok && bases != nil {
					k, c, found, berr := bases.ResolveBase(baseSHA)
					if berr != nil {
						return "", berr
					}
					if found {
						base, ok = Object{SHA: baseSHA, Kind: k, Content: c}, true
					}
				}
			}
			if !ok {
				return "", giterrors.New(giterrors.CorruptPack, "delta base not found for object at offset %d", offset)
			}
			resolved, err := ApplyDelta(base.Content, payload)
			if err != nil {
				return "", err
			}
			kind, content = base.Kind, resolved
		default:
			k, ok := typ.objKind()
			if !ok {
				return "", giterrors.New(giterrors.CorruptPack, "invalid object type %d at offset %d", typ, offset)
			}
			kind, content = k, payload
		}

		if int64(len(content)) > limits.MaxSingleObjectSize {
			return "", giterrors.New(giterrors.PackLimitExceeded, "resolved object at offset %d is %d bytes, exceeding limit %d", offset, len(content), limits.MaxSingleObjectSize)
		}
		totalUncompressed += int64(len(content))
		if totalUncompressed > limits.MaxTotalUncompressedSize {
			return "", giterrors.New(giterrors.PackLimitExceeded, "total uncompressed size %d exceeds limit %d", totalUncompressed, limits.MaxTotalUncompressedSize)
		}

		sha := objfmt.ComputeSHA(kind, content)
		obj := Object{SHA: sha, Kind: kind, Content: content}
		byOffset[offset] = obj
		bySHA[sha] = obj

		if err := onObject(obj); err != nil {
			return "", err
		}
	}

	trailer, err := ch.ReadTrailer()
	if err != nil {
		return "", giterrors.Wrap(giterrors.CorruptPack, err, "reading pack trailer")
	}
	trailerSHA = hex.EncodeToString(trailer)
	computed := hex.EncodeToString(ch.h.Sum(nil))
	if trailerSHA != computed {
		return "", giterrors.New(giterrors.CorruptPack, "trailer checksum %s does not match computed %s", trailerSHA, computed)
	}
	return trailerSHA, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, giterrors.Wrap(giterrors.CorruptPack, err, "inflating object")
	}
	if int64(len(data)) > limit {
		return nil, giterrors.New(giterrors.PackLimitExceeded, "inflated object exceeds size limit %d", limit)
	}
	return data, nil
}
