package query

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/kptdev/gitd/pkg/objfmt"
)

var errNotANumber = errors.New("not a number")

// BranchSort is list_branches' sort ∈ {name, date} (spec only names
// version/date for tags explicitly; branches get name/date by analogy).
type BranchSort string

const (
	SortByName BranchSort = "name"
	SortByDate BranchSort = "date"
)

// BranchListOptions mirrors list_branches({pattern?, include_remotes?, sort?}).
type BranchListOptions struct {
	Pattern         string // glob against the branch's short name; empty matches all
	IncludeRemotes  bool
	Sort            BranchSort
}

// BranchInfo is one list_branches result entry.
type BranchInfo struct {
	Name string // short name, e.g. "main"
	Ref  string // full ref name, e.g. "refs/heads/main"
	SHA  string
}

// ListBranches implements list_branches.
func (s *Surface) ListBranches(ctx context.Context, opts BranchListOptions) ([]BranchInfo, error) {
	_, span := tracer.Start(ctx, "query.ListBranches")
	defer span.End()

	prefixes := []string{"refs/heads/"}
	if opts.IncludeRemotes {
		prefixes = append(prefixes, "refs/remotes/")
	}

	var out []BranchInfo
	for _, prefix := range prefixes {
		names, err := s.Refs.ListRefs(prefix)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			short := strings.TrimPrefix(name, prefix)
			if opts.Pattern != "" {
				ok, err := path.Match(opts.Pattern, short)
				if err != nil || !ok {
					continue
				}
			}
			ref, err := s.Refs.GetRef(name)
			if err != nil || ref == nil {
				continue
			}
			out = append(out, BranchInfo{Name: short, Ref: name, SHA: ref.Target})
		}
	}

	switch opts.Sort {
	case SortByDate:
		s.sortBranchesByDate(ctx, out)
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out, nil
}

func (s *Surface) sortBranchesByDate(ctx context.Context, branches []BranchInfo) {
	dates := make(map[string]int64, len(branches))
	for _, b := range branches {
		if rec, err := s.ReadCommit(ctx, b.SHA); err == nil {
			dates[b.SHA] = rec.Committer.When.Unix()
		}
	}
	sort.Slice(branches, func(i, j int) bool { return dates[branches[i].SHA] > dates[branches[j].SHA] })
}

// TagSort is list_tags' sort ∈ {name, version, date}.
type TagSort string

const (
	TagSortByName    TagSort = "name"
	TagSortByVersion TagSort = "version"
	TagSortByDate    TagSort = "date"
)

// TagListOptions mirrors list_tags({pattern?, sort?}).
type TagListOptions struct {
	Pattern string
	Sort    TagSort
}

// TagInfo is one list_tags result entry; SHA is the tag ref's direct
// target (the annotated tag object's sha, or the commit sha for a
// lightweight tag). TargetSHA is the annotated tag's target, peeled one
// level only (a tag of a tag yields the inner tag's sha), or the same as
// SHA for a lightweight tag.
type TagInfo struct {
	Name      string
	Ref       string
	SHA       string
	TargetSHA string
	Annotated bool
}

// ListTags implements list_tags.
func (s *Surface) ListTags(ctx context.Context, opts TagListOptions) ([]TagInfo, error) {
	_, span := tracer.Start(ctx, "query.ListTags")
	defer span.End()

	const prefix = "refs/tags/"
	names, err := s.Refs.ListRefs(prefix)
	if err != nil {
		return nil, err
	}

	var out []TagInfo
	for _, name := range names {
		short := strings.TrimPrefix(name, prefix)
		if opts.Pattern != "" {
			ok, err := path.Match(opts.Pattern, short)
			if err != nil || !ok {
				continue
			}
		}
		ref, err := s.Refs.GetRef(name)
		if err != nil || ref == nil {
			continue
		}

		info := TagInfo{Name: short, Ref: name, SHA: ref.Target, TargetSHA: ref.Target}
		if kind, err := s.Objects.TypeOf(ref.Target); err == nil && kind == objfmt.Tag {
			if _, content, err := s.Objects.Get(ref.Target); err == nil {
				if tag, err := objfmt.DecodeTag(content); err == nil {
					info.Annotated = true
					info.TargetSHA = tag.TargetSHA
				}
			}
		}
		out = append(out, info)
	}

	switch opts.Sort {
	case TagSortByDate:
		s.sortTagsByDate(ctx, out)
	case TagSortByVersion:
		sortTagsByVersion(out)
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out, nil
}

func (s *Surface) sortTagsByDate(ctx context.Context, tags []TagInfo) {
	dates := make(map[string]int64, len(tags))
	for _, tg := range tags {
		if rec, err := s.ReadCommit(ctx, tg.TargetSHA); err == nil {
			dates[tg.TargetSHA] = rec.Committer.When.Unix()
		}
	}
	sort.Slice(tags, func(i, j int) bool { return dates[tags[i].TargetSHA] > dates[tags[j].TargetSHA] })
}

// sortTagsByVersion does a best-effort semver-ish comparison, highest
// version first: split on '.', compare numeric segments numerically where
// both sides parse as numbers, rank a numeric segment above a non-numeric
// one, and fall back to a string compare when neither is numeric. Tags
// that don't look like versions at all just sort after ones that do.
func sortTagsByVersion(tags []TagInfo) {
	sort.Slice(tags, func(i, j int) bool {
		return compareVersions(tags[i].Name, tags[j].Name) > 0
	})
}

func compareVersions(a, b string) int {
	as := strings.FieldsFunc(strings.TrimPrefix(a, "v"), isVersionSep)
	bs := strings.FieldsFunc(strings.TrimPrefix(b, "v"), isVersionSep)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aerr := parseUint(as[i])
		bn, berr := parseUint(bs[i])
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if aerr == nil {
			return 1
		}
		if berr == nil {
			return -1
		}
		return strings.Compare(as[i], bs[i])
	}
	return len(as) - len(bs)
}

func isVersionSep(r rune) bool { return r == '.' || r == '-' || r == '+' }

func parseUint(s string) (uint64, error) {
	var n uint64
	if s == "" {
		return 0, errNotANumber
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}
