// Package query implements C9, the read-only projection surface
// consumed by CLI front-ends, diff engines, review UIs, and other
// external tool hosts (spec.md §4.9): resolve, object reads, commit-log
// walking, and branch/tag listing, all composed from C5/C6 rather than
// holding any state of their own.
package query

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/receivepack"
	"github.com/kptdev/gitd/pkg/refs"
)

var tracer = otel.Tracer("github.com/kptdev/gitd/pkg/query")

// Surface is C9's entry point, composed from C5/C6 plus the optional
// session trace store C8 populates.
type Surface struct {
	Refs     *refs.Store
	Objects  *objectstore.Store
	Index    *objectstore.ObjectIndex
	Sessions *receivepack.SessionStore
}

func New(refStore *refs.Store, objStore *objectstore.Store, index *objectstore.ObjectIndex, sessions *receivepack.SessionStore) *Surface {
	return &Surface{Refs: refStore, Objects: objStore, Index: index, Sessions: sessions}
}

// Resolve implements spec §4.9's resolve(name) -> sha: a C6 resolve
// followed by a C5 existence check so callers never get back a sha for
// an object that isn't actually stored.
func (s *Surface) Resolve(ctx context.Context, name string) (string, error) {
	_, span := tracer.Start(ctx, "query.Resolve")
	defer span.End()

	res, err := s.Refs.Resolve(name, 0)
	if err != nil {
		return "", err
	}
	has, err := s.Objects.Has(res.FinalSHA)
	if err != nil {
		return "", err
	}
	if !has {
		return "", giterrors.New(giterrors.NotFound, "ref %s resolves to %s, which is not stored", name, res.FinalSHA)
	}
	return res.FinalSHA, nil
}

// ReadBlob implements read_blob(sha) -> bytes.
func (s *Surface) ReadBlob(ctx context.Context, sha string) ([]byte, error) {
	_, span := tracer.Start(ctx, "query.ReadBlob")
	defer span.End()

	kind, content, err := s.Objects.Get(sha)
	if err != nil {
		return nil, err
	}
	if kind != objfmt.Blob {
		return nil, giterrors.New(giterrors.InvalidName, "object %s is a %s, not a blob", sha, kind)
	}
	return content, nil
}

// ReadTree implements read_tree(sha) -> [entry].
func (s *Surface) ReadTree(ctx context.Context, sha string) ([]objfmt.TreeEntry, error) {
	_, span := tracer.Start(ctx, "query.ReadTree")
	defer span.End()

	kind, content, err := s.Objects.Get(sha)
	if err != nil {
		return nil, err
	}
	if kind != objfmt.Tree {
		return nil, giterrors.New(giterrors.InvalidName, "object %s is a %s, not a tree", sha, kind)
	}
	return objfmt.DecodeTree(content)
}

// CommitRecord is read_commit's return shape: the decoded commit plus
// its own sha, since objfmt.Commit doesn't carry its own identity.
type CommitRecord struct {
	SHA       string
	Tree      string
	Parents   []string
	Author    objfmt.Identity
	Committer objfmt.Identity
	Message   string
}

// ReadCommit implements read_commit(sha) -> CommitRecord.
func (s *Surface) ReadCommit(ctx context.Context, sha string) (*CommitRecord, error) {
	_, span := tracer.Start(ctx, "query.ReadCommit")
	defer span.End()

	kind, content, err := s.Objects.Get(sha)
	if err != nil {
		return nil, err
	}
	if kind != objfmt.Commit {
		return nil, giterrors.New(giterrors.InvalidName, "object %s is a %s, not a commit", sha, kind)
	}
	c, err := objfmt.DecodeCommit(content)
	if err != nil {
		return nil, err
	}
	return &CommitRecord{
		SHA:       sha,
		Tree:      c.TreeSHA,
		Parents:   c.ParentSHAs,
		Author:    c.Author,
		Committer: c.Committer,
		Message:   c.Message,
	}, nil
}

// SessionTrace implements the supplemented query.SessionTrace(sessionID)
// lookup (SPEC_FULL.md): exposes C8's per-push timing record after the
// fact, the one place the read surface reaches into push history.
func (s *Surface) SessionTrace(sessionID string) (receivepack.SessionTrace, bool) {
	if s.Sessions == nil {
		return receivepack.SessionTrace{}, false
	}
	return s.Sessions.Get(sessionID)
}

// ObjectStats implements object_stats_by_tier() -> {hot_count, ...}.
type ObjectStats struct {
	HotCount     int
	R2Count      int
	ParquetCount int
	HotSize      int64
	R2Size       int64
	ParquetSize  int64
}

func (s *Surface) ObjectStats() ObjectStats {
	stats := s.Index.TierStats()
	hot := stats[objectstore.TierHot]
	warm := stats[objectstore.TierWarm]
	cold := stats[objectstore.TierCold]
	return ObjectStats{
		HotCount:     hot.Count,
		R2Count:      warm.Count,
		ParquetCount: cold.Count,
		HotSize:      hot.TotalBytes,
		R2Size:       warm.TotalBytes,
		ParquetSize:  cold.TotalBytes,
	}
}
