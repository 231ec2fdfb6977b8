package refs

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/kptdev/gitd/internal/giterrors"
)

const packedRefsPath = "packed-refs"
const packedRefsHeader = "# pack-refs with: peeled fully-peeled sorted"

// packedEntry is one non-symbolic ref recorded in packed-refs, along
// with its peeled sha if it names an annotated tag.
type packedEntry struct {
	Name   string
	SHA    string
	Peeled string // empty unless Name is an annotated tag
}

func parsePackedRefs(raw []byte) (map[string]packedEntry, error) {
	out := make(map[string]packedEntry)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	var last *packedEntry
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "^") {
			if last == nil {
				return nil, giterrors.New(giterrors.CorruptObject, "packed-refs: peeled line with no preceding ref")
			}
			last.Peeled = strings.TrimPrefix(line, "^")
			out[last.Name] = *last
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return nil, giterrors.New(giterrors.CorruptObject, "packed-refs: malformed line %q", line)
		}
		entry := packedEntry{SHA: fields[0], Name: fields[1]}
		out[entry.Name] = entry
		last = &entry
	}
	if err := scanner.Err(); err != nil {
		return nil, giterrors.Wrap(giterrors.CorruptObject, err, "scanning packed-refs")
	}
	return out, nil
}

// encodePackedRefs renders entries sorted alphabetically by name, with
// the fixed header comment spec §4.6 requires.
func encodePackedRefs(entries map[string]packedEntry) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString(packedRefsHeader)
	buf.WriteByte('\n')
	for _, name := range names {
		e := entries[name]
		fmt.Fprintf(&buf, "%s %s\n", e.SHA, e.Name)
		if e.Peeled != "" {
			fmt.Fprintf(&buf, "^%s\n", e.Peeled)
		}
	}
	return buf.Bytes()
}
