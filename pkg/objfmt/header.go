package objfmt

import (
	"bytes"
	"fmt"

	"github.com/kptdev/gitd/internal/giterrors"
)

// parseHeaderBlock splits a commit/tag object's content into its ordered
// header fields and trailing message, per spec §4.2: a line-oriented
// header block, a blank line, then the message. A continuation line
// (leading single space, used by multi-line "gpgsig" values) is folded
// into the previous field's value.
func parseHeaderBlock(content []byte) (fields []HeaderField, message []byte, err error) {
	i := 0
	for i < len(content) {
		nl := bytes.IndexByte(content[i:], '\n')
		if nl < 0 {
			return nil, nil, giterrors.New(giterrors.CorruptObject, "header block missing trailing newline")
		}
		line := content[i : i+nl]
		next := i + nl + 1

		if len(line) == 0 {
			return fields, content[next:], nil
		}
		if line[0] == ' ' {
			if len(fields) == 0 {
				return nil, nil, giterrors.New(giterrors.CorruptObject, "continuation line with no preceding header field")
			}
			fields[len(fields)-1].Value += "\n" + string(line[1:])
			i = next
			continue
		}
		sp := bytes.IndexByte(line, ' ')
		if sp < 0 {
			return nil, nil, giterrors.New(giterrors.CorruptObject, "malformed header line %q", line)
		}
		fields = append(fields, HeaderField{Key: string(line[:sp]), Value: string(line[sp+1:])})
		i = next
	}
	return nil, nil, giterrors.New(giterrors.CorruptObject, "header block has no terminating blank line")
}

// encodeHeaderField writes "key value\n", folding multi-line values back
// into git's continuation format (each extra line re-prefixed with a
// single space).
func encodeHeaderField(buf *bytes.Buffer, key, value string) {
	lines := bytes.Split([]byte(value), []byte("\n"))
	fmt.Fprintf(buf, "%s %s\n", key, lines[0])
	for _, l := range lines[1:] {
		buf.WriteByte(' ')
		buf.Write(l)
		buf.WriteByte('\n')
	}
}
