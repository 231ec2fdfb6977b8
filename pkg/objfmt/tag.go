package objfmt

import (
	"bytes"

	"github.com/kptdev/gitd/internal/giterrors"
)

// AnnotatedTag is the parsed form of an annotated tag object.
type AnnotatedTag struct {
	TargetSHA  string
	TargetKind Kind
	Name       string // the "tag" header: the tag's own ref-relative name
	Tagger     Identity
	Signature  string // empty if unsigned
	Message    string
}

// EncodeTag serializes t into a tag object's content.
func EncodeTag(t *AnnotatedTag) []byte {
	var buf bytes.Buffer
	encodeHeaderField(&buf, "object", t.TargetSHA)
	encodeHeaderField(&buf, "type", string(t.TargetKind))
	encodeHeaderField(&buf, "tag", t.Name)
	encodeHeaderField(&buf, "tagger", t.Tagger.String())
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	if t.Signature != "" {
		buf.WriteString(t.Signature)
	}
	return buf.Bytes()
}

// DecodeTag parses a tag object's content. The signature, if present, is
// a PGP block appended after the message body rather than a header, so
// it is split out here rather than via parseHeaderBlock.
func DecodeTag(content []byte) (*AnnotatedTag, error) {
	fields, message, err := parseHeaderBlock(content)
	if err != nil {
		return nil, err
	}
	t := &AnnotatedTag{}
	for _, f := range fields {
		switch f.Key {
		case "object":
			t.TargetSHA = f.Value
		case "type":
			k, err := ParseKind(f.Value)
			if err != nil {
				return nil, err
			}
			t.TargetKind = k
		case "tag":
			t.Name = f.Value
		case "tagger":
			id, err := ParseIdentity(f.Value)
			if err != nil {
				return nil, err
			}
			t.Tagger = id
		}
	}
	if t.TargetSHA == "" || t.TargetKind == "" {
		return nil, giterrors.New(giterrors.CorruptObject, "tag missing object/type header")
	}
	if sig := bytes.Index(message, []byte("-----BEGIN PGP SIGNATURE-----")); sig >= 0 {
		t.Message = string(message[:sig])
		t.Signature = string(message[sig:])
	} else {
		t.Message = string(message)
	}
	return t, nil
}
