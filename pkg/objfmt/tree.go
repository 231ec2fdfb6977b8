package objfmt

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/kptdev/gitd/internal/giterrors"
)

// modeDir is the octal S_IFDIR bit pattern Git trees use for
// sub-trees, unpadded ("40000" on the wire).
const modeDir = 0o40000

// TreeEntry is one (mode, name, child-sha) record inside a tree object.
type TreeEntry struct {
	Mode string
	Name string
	SHA  string
}

func (e TreeEntry) isDir() bool {
	m, err := strconv.ParseUint(e.Mode, 8, 32)
	return err == nil && m == modeDir
}

// SortTreeEntries orders entries the way Git's base_name_compare does:
// directories compare as if their name had a trailing "/", so "foo" (a
// blob) sorts before "foo.c" but "foo/" (a tree) sorts after it.
func SortTreeEntries(entries []TreeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return compareTreeNames(entries[i], entries[j]) < 0
	})
}

func compareTreeNames(a, b TreeEntry) int {
	na, nb := []byte(a.Name), []byte(b.Name)
	n := len(na)
	if len(nb) < n {
		n = len(nb)
	}
	if c := bytes.Compare(na[:n], nb[:n]); c != 0 {
		return c
	}
	var ca, cb byte
	if len(na) > n {
		ca = na[n]
	} else if a.isDir() {
		ca = '/'
	}
	if len(nb) > n {
		cb = nb[n]
	} else if b.isDir() {
		cb = '/'
	}
	switch {
	case ca < cb:
		return -1
	case ca > cb:
		return 1
	default:
		return 0
	}
}

// EncodeTree serializes entries into a tree object's content. Entries are
// sorted in place before encoding; callers should not rely on their
// original order surviving.
func EncodeTree(entries []TreeEntry) ([]byte, error) {
	SortTreeEntries(entries)
	var buf bytes.Buffer
	for _, e := range entries {
		rawSHA, err := hex.DecodeString(e.SHA)
		if err != nil || len(rawSHA) != 20 {
			return nil, giterrors.New(giterrors.CorruptObject, "tree entry %q has invalid sha %q", e.Name, e.SHA)
		}
		fmt.Fprintf(&buf, "%s %s\x00", e.Mode, e.Name)
		buf.Write(rawSHA)
	}
	return buf.Bytes(), nil
}

// DecodeTree parses a tree object's content into its ordered entries
// (spec §4.2 "Tree parsing").
func DecodeTree(content []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	rest := content
	for len(rest) > 0 {
		sp := bytes.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, giterrors.New(giterrors.CorruptObject, "tree entry missing mode separator")
		}
		mode := string(rest[:sp])
		rest = rest[sp+1:]

		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, giterrors.New(giterrors.CorruptObject, "tree entry missing name terminator")
		}
		name := string(rest[:nul])
		rest = rest[nul+1:]

		if len(rest) < 20 {
			return nil, giterrors.New(giterrors.CorruptObject, "tree entry %q truncated before sha", name)
		}
		sha := hex.EncodeToString(rest[:20])
		rest = rest[20:]

		entries = append(entries, TreeEntry{Mode: mode, Name: name, SHA: sha})
	}
	return entries, nil
}
