package refs_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/refs"
	"github.com/kptdev/gitd/pkg/storage"
)

func newStore(t *testing.T) *refs.Store {
	t.Helper()
	b, err := storage.NewFSBackend(filepath.Join(t.TempDir(), "repo"))
	require.NoError(t, err)
	return refs.New(b)
}

const shaA = "1111111111111111111111111111111111111111"
const shaB = "2222222222222222222222222222222222222222"

func TestValidateNameRejectsBadNames(t *testing.T) {
	bad := []string{
		"", "@", "/refs/heads/main", "refs/heads/main/", "refs/heads//x",
		"refs/heads/..", "refs/heads/x@{y}", "refs/heads/x y", "heads/main",
		"refs/.hidden", "refs/heads/foo.lock",
	}
	for _, name := range bad {
		assert.Error(t, refs.ValidateName(name), "expected %q to be rejected", name)
	}
	assert.NoError(t, refs.ValidateName("refs/heads/main"))
	assert.NoError(t, refs.ValidateName("HEAD"))
}

func TestUpdateRefCreateAndCAS(t *testing.T) {
	s := newStore(t)

	err := s.UpdateRef("refs/heads/main", shaA, refs.UpdateOptions{})
	require.NoError(t, err)

	err = s.UpdateRef("refs/heads/main", shaB, refs.UpdateOptions{})
	require.Error(t, err, "creating over an existing ref must fail")
	assert.True(t, giterrors.Of(err, giterrors.AlreadyExists))

	old := shaA
	err = s.UpdateRef("refs/heads/main", shaB, refs.UpdateOptions{OldValue: &old})
	require.NoError(t, err)

	ref, err := s.GetRef("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, shaB, ref.Target)

	wrongOld := shaA
	err = s.UpdateRef("refs/heads/main", shaA, refs.UpdateOptions{OldValue: &wrongOld})
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.Conflict))
}

func TestResolveFollowsSymbolicChain(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpdateRef("refs/heads/main", shaA, refs.UpdateOptions{}))
	require.NoError(t, s.SetSymbolicRef("HEAD", "refs/heads/main"))

	res, err := s.Resolve("HEAD", 0)
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", res.FinalRef)
	assert.Equal(t, shaA, res.FinalSHA)
	assert.Equal(t, []string{"HEAD", "refs/heads/main"}, res.Chain)
}

func TestResolveDetectsCycle(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SetSymbolicRef("refs/heads/a", "refs/heads/b"))
	require.NoError(t, s.SetSymbolicRef("refs/heads/b", "refs/heads/a"))

	_, err := s.Resolve("refs/heads/a", 0)
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.CircularRef))
}

func TestDeleteRefForbidsHEAD(t *testing.T) {
	s := newStore(t)
	err := s.DeleteRef("HEAD", nil)
	require.Error(t, err)
}

func TestPackRefsCompactsLooseRefs(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpdateRef("refs/heads/main", shaA, refs.UpdateOptions{}))
	require.NoError(t, s.UpdateRef("refs/tags/v1", shaB, refs.UpdateOptions{}))

	require.NoError(t, s.PackRefs(nil, 0))

	ref, err := s.GetRef("refs/heads/main")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, shaA, ref.Target)

	names, err := s.ListRefs("refs/")
	require.NoError(t, err)
	assert.Contains(t, names, "refs/heads/main")
	assert.Contains(t, names, "refs/tags/v1")
}
