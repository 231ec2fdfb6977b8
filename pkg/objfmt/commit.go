package objfmt

import (
	"bytes"

	"github.com/kptdev/gitd/internal/giterrors"
)

// Commit is the parsed form of a commit object.
type Commit struct {
	TreeSHA      string
	ParentSHAs   []string // in order; zero or more
	Author       Identity
	Committer    Identity
	GPGSignature string        // empty if unsigned
	Extra        []HeaderField // headers this package doesn't interpret (e.g. "encoding")
	Message      string
}

// EncodeCommit serializes c into a commit object's content.
func EncodeCommit(c *Commit) []byte {
	var buf bytes.Buffer
	encodeHeaderField(&buf, "tree", c.TreeSHA)
	for _, p := range c.ParentSHAs {
		encodeHeaderField(&buf, "parent", p)
	}
	encodeHeaderField(&buf, "author", c.Author.String())
	encodeHeaderField(&buf, "committer", c.Committer.String())
	for _, f := range c.Extra {
		encodeHeaderField(&buf, f.Key, f.Value)
	}
	if c.GPGSignature != "" {
		encodeHeaderField(&buf, "gpgsig", c.GPGSignature)
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// DecodeCommit parses a commit object's content (spec §4.2 "Commit/tag
// parsing").
func DecodeCommit(content []byte) (*Commit, error) {
	fields, message, err := parseHeaderBlock(content)
	if err != nil {
		return nil, err
	}
	c := &Commit{Message: string(message)}
	for _, f := range fields {
		switch f.Key {
		case "tree":
			c.TreeSHA = f.Value
		case "parent":
			c.ParentSHAs = append(c.ParentSHAs, f.Value)
		case "author":
			id, err := ParseIdentity(f.Value)
			if err != nil {
				return nil, err
			}
			c.Author = id
		case "committer":
			id, err := ParseIdentity(f.Value)
			if err != nil {
				return nil, err
			}
			c.Committer = id
		case "gpgsig":
			c.GPGSignature = f.Value
		default:
			c.Extra = append(c.Extra, f)
		}
	}
	if c.TreeSHA == "" {
		return nil, giterrors.New(giterrors.CorruptObject, "commit missing tree header")
	}
	return c, nil
}
