package objectstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/storage"
)

func newStore(t *testing.T) *objectstore.Store {
	t.Helper()
	b, err := storage.NewFSBackend(filepath.Join(t.TempDir(), "repo"))
	require.NoError(t, err)
	return objectstore.New(b)
}

func commitWithParents(t *testing.T, s *objectstore.Store, treeSHA string, parents ...string) string {
	t.Helper()
	c := &objfmt.Commit{
		TreeSHA:    treeSHA,
		ParentSHAs: parents,
		Author:     objfmt.Identity{Name: "a", Email: "a@example.com", TZOffset: "+0000"},
		Committer:  objfmt.Identity{Name: "a", Email: "a@example.com", TZOffset: "+0000"},
		Message:    "m\n",
	}
	encoded := objfmt.EncodeCommit(c)
	sha, err := s.Put(objfmt.Commit, encoded)
	require.NoError(t, err)
	return sha
}

func TestPutGetHasTypeSize(t *testing.T) {
	s := newStore(t)
	sha, err := s.Put(objfmt.Blob, []byte("content"))
	require.NoError(t, err)

	has, err := s.Has(sha)
	require.NoError(t, err)
	assert.True(t, has)

	kind, err := s.TypeOf(sha)
	require.NoError(t, err)
	assert.Equal(t, objfmt.Blob, kind)

	size, err := s.SizeOf(sha)
	require.NoError(t, err)
	assert.Equal(t, 7, size)
}

func TestParentsOfAndIsAncestor(t *testing.T) {
	s := newStore(t)
	treeSHA, err := s.Put(objfmt.Tree, nil)
	require.NoError(t, err)

	root := commitWithParents(t, s, treeSHA)
	mid := commitWithParents(t, s, treeSHA, root)
	tip := commitWithParents(t, s, treeSHA, mid)

	parents, err := s.ParentsOf(tip)
	require.NoError(t, err)
	assert.Equal(t, []string{mid}, parents)

	ok, err := s.IsAncestor(context.Background(), root, tip, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsAncestor(context.Background(), tip, root, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsAncestorRespectsFrontierCap(t *testing.T) {
	s := newStore(t)
	treeSHA, err := s.Put(objfmt.Tree, nil)
	require.NoError(t, err)

	prev := commitWithParents(t, s, treeSHA)
	for i := 0; i < 5; i++ {
		prev = commitWithParents(t, s, treeSHA, prev)
	}

	_, err = s.IsAncestor(context.Background(), "0000000000000000000000000000000000000000", prev, 2)
	require.Error(t, err)
}
