package objfmt

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kptdev/gitd/internal/giterrors"
)

// Identity is an author/committer/tagger line: "Name <email> <unix-seconds> <tz>".
type Identity struct {
	Name     string
	Email    string
	When     time.Time
	TZOffset string // raw offset, e.g. "+0000", preserved verbatim
}

func (id Identity) String() string {
	return fmt.Sprintf("%s <%s> %d %s", id.Name, id.Email, id.When.Unix(), id.TZOffset)
}

// ParseIdentity parses a line of the form "Name <email> 1234567890 +0000".
func ParseIdentity(line string) (Identity, error) {
	lt := strings.LastIndexByte(line, '<')
	gt := strings.LastIndexByte(line, '>')
	if lt < 0 || gt < 0 || gt < lt {
		return Identity{}, giterrors.New(giterrors.CorruptObject, "identity line %q missing <email>", line)
	}
	name := strings.TrimSpace(line[:lt])
	email := line[lt+1 : gt]

	rest := strings.TrimSpace(line[gt+1:])
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return Identity{}, giterrors.New(giterrors.CorruptObject, "identity line %q missing timestamp/tz", line)
	}
	seconds, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Identity{}, giterrors.New(giterrors.CorruptObject, "identity line %q has invalid timestamp", line)
	}
	return Identity{
		Name:     name,
		Email:    email,
		When:     time.Unix(seconds, 0).UTC(),
		TZOffset: fields[1],
	}, nil
}

// HeaderField is one raw key/value pair of a commit or tag header block,
// preserved in order so round-tripping an object doesn't drop headers
// this package doesn't interpret (e.g. "mergetag", "encoding").
type HeaderField struct {
	Key   string
	Value string
}
