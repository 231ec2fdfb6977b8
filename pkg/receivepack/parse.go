package receivepack

import (
	"bytes"
	"strings"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/pktline"
)

// Command is one parsed ref update request.
type Command struct {
	OldSHA string
	NewSHA string
	Ref    string
}

func (c Command) IsDelete() bool { return c.NewSHA == objfmt.ZeroSHA }
func (c Command) IsCreate() bool { return c.OldSHA == objfmt.ZeroSHA }
func (c Command) IsUpdate() bool { return !c.IsCreate() && !c.IsDelete() }

// ParsedRequest is everything Phase 2 extracts from the POST body
// before unpack begins.
type ParsedRequest struct {
	Commands    []Command
	Caps        Capabilities
	PushOptions []string
	PackData    []byte // nil if no non-delete commands were sent
}

// ParseRequest implements spec §4.8 Phase 2.
func ParseRequest(body []byte) (*ParsedRequest, error) {
	scanner := pktline.NewScanner(bytes.NewReader(body))

	commandLines, err := pktline.ReadUntilFlush(scanner)
	if err != nil {
		return nil, err
	}

	req := &ParsedRequest{Caps: Capabilities{}}
	for i, line := range commandLines {
		text := string(line)
		text = strings.TrimRight(text, "\n")
		if i == 0 {
			if nul := strings.IndexByte(text, 0); nul >= 0 {
				req.Caps = ParseCapabilities(text[nul+1:])
				text = text[:nul]
			}
		}
		cmd, err := parseCommandLine(text)
		if err != nil {
			return nil, err
		}
		req.Commands = append(req.Commands, cmd)
	}

	if req.Caps.PushOptions() {
		opts, err := pktline.ReadUntilFlush(scanner)
		if err != nil {
			return nil, err
		}
		for _, o := range opts {
			req.PushOptions = append(req.PushOptions, strings.TrimRight(string(o), "\n"))
		}
	}

	rest, err := scanner.ReadRemaining()
	if err != nil {
		return nil, giterrors.Wrap(giterrors.MalformedPktLine, err, "reading trailing packfile bytes")
	}
	if idx := bytes.Index(rest, []byte("PACK")); idx >= 0 {
		req.PackData = rest[idx:]
	}

	return req, nil
}

func parseCommandLine(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) != 3 {
		return Command{}, giterrors.New(giterrors.MalformedPktLine, "malformed command line %q", text)
	}
	oldSHA, err := objfmt.NormalizeSHA(fields[0])
	if err != nil {
		return Command{}, err
	}
	newSHA, err := objfmt.NormalizeSHA(fields[1])
	if err != nil {
		return Command{}, err
	}
	return Command{OldSHA: oldSHA, NewSHA: newSHA, Ref: fields[2]}, nil
}
