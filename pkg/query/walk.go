package query

import (
	"container/heap"
	"context"
	"strings"
	"time"

	"github.com/kptdev/gitd/pkg/objfmt"
)

// WalkOptions mirrors spec §4.9's walk_commits argument bag.
type WalkOptions struct {
	From   string // starting sha or ref name; a ref name is resolved by WalkCommits
	Max    int    // 0 means unbounded
	Author string // substring match against author identity
	Since  time.Time
	Until  time.Time
	Grep   string   // substring match against commit message
	Paths  []string // unused until C9 gains tree-diff support; reserved per spec
}

// commitHeap orders CommitRecords by committer timestamp, most recent
// first, the tie-break spec §4.9 specifies for topological walk order.
type commitHeap []*CommitRecord

func (h commitHeap) Len() int { return len(h) }
func (h commitHeap) Less(i, j int) bool {
	return h[i].Committer.When.After(h[j].Committer.When)
}
func (h commitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *commitHeap) Push(x interface{}) { *h = append(*h, x.(*CommitRecord)) }
func (h *commitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// WalkCommits implements walk_commits: a topological traversal from
// From toward the roots, ties broken by committer timestamp descending,
// filtered by author/since/until/grep as each candidate is visited.
// Non-goal note: this collects eagerly rather than returning the lazy
// sequence the spec describes, since Go has no generator primitive as
// lightweight as a closure-driven callback; callers wanting early exit
// should set Max.
func (s *Surface) WalkCommits(ctx context.Context, opts WalkOptions) ([]*CommitRecord, error) {
	_, span := tracer.Start(ctx, "query.WalkCommits")
	defer span.End()

	fromSHA := opts.From
	if _, err := objfmt.NormalizeSHA(opts.From); err != nil {
		resolved, err := s.Resolve(ctx, opts.From)
		if err != nil {
			return nil, err
		}
		fromSHA = resolved
	}

	root, err := s.ReadCommit(ctx, fromSHA)
	if err != nil {
		return nil, err
	}

	h := &commitHeap{root}
	heap.Init(h)
	visited := map[string]bool{root.SHA: true}

	var out []*CommitRecord
	for h.Len() > 0 {
		c := heap.Pop(h).(*CommitRecord)

		if matches(c, opts) {
			out = append(out, c)
			if opts.Max > 0 && len(out) >= opts.Max {
				return out, nil
			}
		}

		for _, p := range c.Parents {
			if visited[p] {
				continue
			}
			visited[p] = true
			pc, err := s.ReadCommit(ctx, p)
			if err != nil {
				return nil, err
			}
			heap.Push(h, pc)
		}
	}
	return out, nil
}

func matches(c *CommitRecord, opts WalkOptions) bool {
	if opts.Author != "" && !strings.Contains(c.Author.Name+" "+c.Author.Email, opts.Author) {
		return false
	}
	if opts.Grep != "" && !strings.Contains(c.Message, opts.Grep) {
		return false
	}
	if !opts.Since.IsZero() && c.Committer.When.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && c.Committer.When.After(opts.Until) {
		return false
	}
	return true
}
