package receivepack

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/pktline"
	"github.com/kptdev/gitd/pkg/refs"
	"github.com/kptdev/gitd/pkg/storage"
)

// DefaultBranch names the ref HEAD is expected to resolve to when
// present, mirroring the teacher's DefaultMainReferenceName convention.
const DefaultBranch = "refs/heads/main"

// AdvertiseRefs implements spec §4.8 Phase 1: HEAD pseudo-ref first
// (or the ZERO_SHA form when the repo has no refs), then every ref
// sorted alphabetically, peeled lines for annotated tags, flush.
func AdvertiseRefs(store *refs.Store, os *objectstore.Store, agent string) ([]byte, error) {
	var buf bytes.Buffer
	caps := strings.Join(AdvertisedCapabilities(agent), " ")

	names, err := store.ListRefs("refs/")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	headSHA := objfmt.ZeroSHA
	if res, err := store.Resolve("HEAD", 0); err == nil {
		headSHA = res.FinalSHA
	}

	if len(names) == 0 {
		if err := writeAdvertLine(&buf, fmt.Sprintf("%s capabilities^{}\x00%s\n", objfmt.ZeroSHA, caps)); err != nil {
			return nil, err
		}
		return finishAdvert(buf)
	}

	if err := writeAdvertLine(&buf, fmt.Sprintf("%s HEAD\x00%s\n", headSHA, caps)); err != nil {
		return nil, err
	}

	for _, name := range names {
		ref, err := store.GetRef(name)
		if err != nil {
			return nil, err
		}
		if ref == nil || ref.Kind != storage.Direct {
			continue
		}
		if err := writeAdvertLine(&buf, fmt.Sprintf("%s %s\n", ref.Target, name)); err != nil {
			return nil, err
		}

		if strings.HasPrefix(name, "refs/tags/") {
			kind, err := os.TypeOf(ref.Target)
			if err == nil && kind == objfmt.Tag {
				if peeled, ok, perr := peelTag(os, ref.Target); perr == nil && ok {
					if err := writeAdvertLine(&buf, fmt.Sprintf("%s %s^{}\n", peeled, name)); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	return finishAdvert(buf)
}

func peelTag(os *objectstore.Store, sha string) (string, bool, error) {
	_, content, err := os.Get(sha)
	if err != nil {
		return "", false, err
	}
	tag, err := objfmt.DecodeTag(content)
	if err != nil {
		return "", false, err
	}
	return tag.TargetSHA, true, nil
}

func writeAdvertLine(buf *bytes.Buffer, line string) error {
	encoded, err := pktline.Encode([]byte(line))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

func finishAdvert(buf bytes.Buffer) ([]byte, error) {
	buf.Write(pktline.Flush())
	return buf.Bytes(), nil
}
