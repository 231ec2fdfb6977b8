package receivepack_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptdev/gitd/pkg/receivepack"
	"github.com/kptdev/gitd/pkg/refs"
	"github.com/kptdev/gitd/pkg/storage"
)

func newRefStore(t *testing.T) *refs.Store {
	t.Helper()
	b, err := storage.NewFSBackend(filepath.Join(t.TempDir(), "repo"))
	require.NoError(t, err)
	return refs.New(b)
}

func TestApplyAppliesEachOKOutcome(t *testing.T) {
	refStore := newRefStore(t)
	outcomes := []receivepack.CommandOutcome{
		{Command: receivepack.Command{OldSHA: shaA, NewSHA: shaB, Ref: "refs/heads/main"}, OK: true},
	}
	require.NoError(t, refStore.UpdateRef("refs/heads/main", shaA, refs.UpdateOptions{}))

	result := receivepack.Apply(refStore, outcomes, false)
	require.Len(t, result.Outcomes, 1)
	assert.True(t, result.Outcomes[0].OK)

	ref, err := refStore.GetRef("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, shaB, ref.Target)
}

func TestApplyAtomicRejectsAllWhenOneFails(t *testing.T) {
	refStore := newRefStore(t)
	require.NoError(t, refStore.UpdateRef("refs/heads/main", shaA, refs.UpdateOptions{}))

	outcomes := []receivepack.CommandOutcome{
		{Command: receivepack.Command{OldSHA: shaA, NewSHA: shaB, Ref: "refs/heads/main"}, OK: true},
		{Command: receivepack.Command{OldSHA: shaA, NewSHA: shaB, Ref: "refs/heads/other"}, OK: false, Reason: "rejected"},
	}

	result := receivepack.Apply(refStore, outcomes, true)
	for _, o := range result.Outcomes {
		assert.False(t, o.OK)
	}

	ref, err := refStore.GetRef("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, shaA, ref.Target, "atomic failure must not apply any command")
}

func TestApplyRollsBackPriorSuccessesOnFailure(t *testing.T) {
	refStore := newRefStore(t)
	require.NoError(t, refStore.UpdateRef("refs/heads/main", shaA, refs.UpdateOptions{}))

	// Second command's ref was concurrently changed so its CAS will fail
	// at apply time even though it passed earlier validation.
	other := "3333333333333333333333333333333333333333"
	require.NoError(t, refStore.UpdateRef("refs/heads/other", other, refs.UpdateOptions{}))

	outcomes := []receivepack.CommandOutcome{
		{Command: receivepack.Command{OldSHA: shaA, NewSHA: shaB, Ref: "refs/heads/main"}, OK: true},
		{Command: receivepack.Command{OldSHA: shaA, NewSHA: shaB, Ref: "refs/heads/other"}, OK: true},
	}

	result := receivepack.Apply(refStore, outcomes, false)
	assert.False(t, result.Outcomes[1].OK)

	ref, err := refStore.GetRef("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, shaA, ref.Target, "the first command's apply must be rolled back")
}
