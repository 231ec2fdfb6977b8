// Package objectstore implements the Git-aware layer above the raw
// storage backend (spec.md §4.5): the public CAS plus commit-graph
// traversal and the multi-tier ObjectIndex that tracks where each
// object's bytes actually live.
package objectstore

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/storage"
)

var tracer = otel.Tracer("github.com/kptdev/gitd/pkg/objectstore")

// Store is the CAS + traversal surface of C5, backed by any
// storage.ObjectTier (typically the hot-tier FSBackend).
type Store struct {
	hot storage.ObjectTier
}

func New(hot storage.ObjectTier) *Store {
	return &Store{hot: hot}
}

func (s *Store) Put(kind objfmt.Kind, content []byte) (string, error) {
	return s.hot.PutObject(kind, content)
}

func (s *Store) Get(sha string) (objfmt.Kind, []byte, error) {
	return s.hot.GetObject(sha)
}

func (s *Store) Has(sha string) (bool, error) {
	return s.hot.HasObject(sha)
}

func (s *Store) TypeOf(sha string) (objfmt.Kind, error) {
	kind, _, err := s.hot.GetObject(sha)
	return kind, err
}

func (s *Store) SizeOf(sha string) (int, error) {
	_, content, err := s.hot.GetObject(sha)
	if err != nil {
		return 0, err
	}
	return len(content), nil
}

// ParentsOf decodes sha as a commit and returns its ordered parent shas.
func (s *Store) ParentsOf(sha string) ([]string, error) {
	kind, content, err := s.hot.GetObject(sha)
	if err != nil {
		return nil, err
	}
	if kind != objfmt.Commit {
		return nil, giterrors.New(giterrors.InvalidSha, "%s is a %s, not a commit", sha, kind)
	}
	commit, err := objfmt.DecodeCommit(content)
	if err != nil {
		return nil, err
	}
	return commit.ParentSHAs, nil
}

// DefaultFrontierCap bounds the BFS frontier IsAncestor walks, per spec
// §4.5's "SHOULD cap visited set by a configurable frontier" — the
// caller is responsible for not feeding it adversarial graphs beyond
// this, matching the spec's explicit non-goal of graph DoS hardening.
const DefaultFrontierCap = 100_000

// IsAncestor performs a breadth-first walk from b toward its roots,
// returning true iff a is visited. frontierCap <= 0 uses
// DefaultFrontierCap.
func (s *Store) IsAncestor(ctx context.Context, a, b string, frontierCap int) (bool, error) {
	_, span := tracer.Start(ctx, "objectstore.IsAncestor")
	defer span.End()

	if frontierCap <= 0 {
		frontierCap = DefaultFrontierCap
	}
	if a == b {
		return true, nil
	}

	visited := map[string]bool{b: true}
	queue := []string{b}
	for len(queue) > 0 {
		if len(visited) > frontierCap {
			return false, giterrors.New(giterrors.MaxDepthExceeded, "ancestry walk exceeded frontier cap %d", frontierCap)
		}
		curr := queue[0]
		queue = queue[1:]

		parents, err := s.ParentsOf(curr)
		if err != nil {
			if giterrors.Of(err, giterrors.NotFound) {
				continue
			}
			return false, err
		}
		for _, p := range parents {
			if p == a {
				return true, nil
			}
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}
