// Package objfmt implements Git's canonical object encoding: the
// "{kind} {size}\0{content}" header that every blob, tree, commit, and
// tag is identified by, and the zlib framing objects are stored under.
package objfmt

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/kptdev/gitd/internal/giterrors"
)

// Kind is the closed set of object types Git stores.
type Kind string

const (
	Blob   Kind = "blob"
	Tree   Kind = "tree"
	Commit Kind = "commit"
	Tag    Kind = "tag"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Blob, Tree, Commit, Tag:
		return Kind(s), nil
	default:
		return "", giterrors.New(giterrors.CorruptObject, "unknown object kind %q", s)
	}
}

// ZeroSHA is the 40-zero sentinel used for create/delete ref commands; it
// must never be returned as a content address (spec I7, §4.5).
const ZeroSHA = "0000000000000000000000000000000000000000"

// ComputeSHA returns the lowercase-hex sha1 of a kind/content pair under
// Git's canonical "{kind} {len}\0{content}" header (spec §4.2 step 1-2).
func ComputeSHA(kind Kind, content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeSHA lowercases and validates a sha string is 40 hex digits
// (spec I7: identity is case-insensitive on input).
func NormalizeSHA(sha string) (string, error) {
	if len(sha) != 40 {
		return "", giterrors.New(giterrors.InvalidSha, "sha %q is not 40 characters", sha)
	}
	lower := strings.ToLower(sha)
	for _, c := range lower {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", giterrors.New(giterrors.InvalidSha, "sha %q is not hex", sha)
		}
	}
	return lower, nil
}

// ValidateContentSHA validates sha the way NormalizeSHA does, then
// additionally rejects the degenerate case of all 40 characters being
// identical — ZeroSHA included — since no real object content ever
// hashes to a repeated-character digest (spec §4.5: reject it as a
// content address, not merely as the ref-update sentinel).
func ValidateContentSHA(sha string) (string, error) {
	lower, err := NormalizeSHA(sha)
	if err != nil {
		return "", err
	}
	degenerate := true
	for i := 1; i < len(lower); i++ {
		if lower[i] != lower[0] {
			degenerate = false
			break
		}
	}
	if degenerate {
		return "", giterrors.New(giterrors.InvalidSha, "sha %q is a degenerate repeated-character address", sha)
	}
	return lower, nil
}

// Serialize builds the deflated on-disk form of an object and returns its
// sha (spec §4.2 "Serialize").
func Serialize(kind Kind, content []byte) (sha string, deflated []byte, err error) {
	sha = ComputeSHA(kind, content)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := fmt.Fprintf(w, "%s %d\x00", kind, len(content)); err != nil {
		return "", nil, giterrors.Wrap(giterrors.CorruptObject, err, "writing object header")
	}
	if _, err := w.Write(content); err != nil {
		return "", nil, giterrors.Wrap(giterrors.CorruptObject, err, "writing object content")
	}
	if err := w.Close(); err != nil {
		return "", nil, giterrors.Wrap(giterrors.CorruptObject, err, "closing zlib writer")
	}
	return sha, buf.Bytes(), nil
}

// Parse inflates deflated and verifies it matches wantSHA, the key it was
// fetched by (spec §4.2 "Parse"). A mismatch, truncated header, or
// declared-length disagreement is CORRUPT_OBJECT.
func Parse(deflated []byte, wantSHA string) (kind Kind, content []byte, err error) {
	zr, err := zlib.NewReader(bytes.NewReader(deflated))
	if err != nil {
		return "", nil, giterrors.Wrap(giterrors.CorruptObject, err, "inflating object")
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, giterrors.Wrap(giterrors.CorruptObject, err, "reading inflated object")
	}

	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return "", nil, giterrors.New(giterrors.CorruptObject, "object header has no NUL terminator")
	}
	header := string(raw[:nul])
	content = raw[nul+1:]

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", nil, giterrors.New(giterrors.CorruptObject, "malformed object header %q", header)
	}
	kind, err = ParseKind(parts[0])
	if err != nil {
		return "", nil, err
	}
	var declared int
	if _, err := fmt.Sscanf(parts[1], "%d", &declared); err != nil {
		return "", nil, giterrors.New(giterrors.CorruptObject, "malformed object length %q", parts[1])
	}
	if declared != len(content) {
		return "", nil, giterrors.New(giterrors.CorruptObject, "declared length %d does not match content length %d", declared, len(content))
	}

	got := ComputeSHA(kind, content)
	want, err := NormalizeSHA(wantSHA)
	if err != nil {
		return "", nil, err
	}
	if got != want {
		return "", nil, giterrors.New(giterrors.CorruptObject, "sha mismatch: stored under %s but content hashes to %s", want, got)
	}
	return kind, content, nil
}
