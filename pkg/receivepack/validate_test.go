package receivepack_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/protection"
	"github.com/kptdev/gitd/pkg/receivepack"
	"github.com/kptdev/gitd/pkg/refs"
	"github.com/kptdev/gitd/pkg/storage"
)

func newTestRepo(t *testing.T) (*refs.Store, *objectstore.Store) {
	t.Helper()
	b, err := storage.NewFSBackend(filepath.Join(t.TempDir(), "repo"))
	require.NoError(t, err)
	return refs.New(b), objectstore.New(b)
}

// commitSeq gives every commit() call its own message, so two calls with
// the same tree and parents still produce distinct commits.
var commitSeq int

func commit(t *testing.T, os *objectstore.Store, tree string, parents ...string) string {
	t.Helper()
	commitSeq++
	c := &objfmt.Commit{
		TreeSHA:    tree,
		ParentSHAs: parents,
		Author:     objfmt.Identity{Name: "a", Email: "a@example.com", TZOffset: "+0000"},
		Committer:  objfmt.Identity{Name: "a", Email: "a@example.com", TZOffset: "+0000"},
		Message:    fmt.Sprintf("m%d\n", commitSeq),
	}
	sha, err := os.Put(objfmt.Commit, objfmt.EncodeCommit(c))
	require.NoError(t, err)
	return sha
}

func TestValidateCommandAcceptsFastForwardCreate(t *testing.T) {
	refStore, os := newTestRepo(t)
	tree, err := os.Put(objfmt.Tree, nil)
	require.NoError(t, err)
	tip := commit(t, os, tree)

	cmd := receivepack.Command{OldSHA: objfmt.ZeroSHA, NewSHA: tip, Ref: "refs/heads/main"}
	outcome := receivepack.ValidateCommand(context.Background(), cmd, receivepack.Capabilities{}, refStore, os, nil, protection.PushContext{})
	assert.True(t, outcome.OK, outcome.Reason)
}

func TestValidateCommandRejectsStaleOldSHA(t *testing.T) {
	refStore, os := newTestRepo(t)
	tree, err := os.Put(objfmt.Tree, nil)
	require.NoError(t, err)
	root := commit(t, os, tree)
	require.NoError(t, refStore.UpdateRef("refs/heads/main", root, refs.UpdateOptions{}))

	other := commit(t, os, tree)
	cmd := receivepack.Command{OldSHA: other, NewSHA: root, Ref: "refs/heads/main"}
	outcome := receivepack.ValidateCommand(context.Background(), cmd, receivepack.Capabilities{}, refStore, os, nil, protection.PushContext{})
	assert.False(t, outcome.OK)
}

func TestValidateCommandRejectsDeleteWithoutCapability(t *testing.T) {
	refStore, os := newTestRepo(t)
	tree, err := os.Put(objfmt.Tree, nil)
	require.NoError(t, err)
	root := commit(t, os, tree)
	require.NoError(t, refStore.UpdateRef("refs/heads/main", root, refs.UpdateOptions{}))

	cmd := receivepack.Command{OldSHA: root, NewSHA: objfmt.ZeroSHA, Ref: "refs/heads/main"}
	outcome := receivepack.ValidateCommand(context.Background(), cmd, receivepack.Capabilities{}, refStore, os, nil, protection.PushContext{})
	assert.False(t, outcome.OK)
}

func TestValidateCommandBlocksForcePushUnderProtectionRule(t *testing.T) {
	refStore, os := newTestRepo(t)
	tree, err := os.Put(objfmt.Tree, nil)
	require.NoError(t, err)
	root := commit(t, os, tree)
	sibling := commit(t, os, tree)
	require.NoError(t, refStore.UpdateRef("refs/heads/main", root, refs.UpdateOptions{}))

	rule := &protection.Rule{Pattern: "refs/heads/main", BlockForcePush: true}
	cmd := receivepack.Command{OldSHA: root, NewSHA: sibling, Ref: "refs/heads/main"}
	outcome := receivepack.ValidateCommand(context.Background(), cmd, receivepack.Capabilities{}, refStore, os, rule, protection.PushContext{})
	assert.False(t, outcome.OK)
	assert.Equal(t, "force_push_blocked", outcome.Reason)
}

// TestValidateCommandRejectsNonFastForwardByDefault is scenario S3: with
// no protection rule configured at all, a non-descendant update has no
// exception to grant it and must be rejected outright, not silently
// accepted as a forced push.
func TestValidateCommandRejectsNonFastForwardByDefault(t *testing.T) {
	refStore, os := newTestRepo(t)
	tree, err := os.Put(objfmt.Tree, nil)
	require.NoError(t, err)
	root := commit(t, os, tree)
	sibling := commit(t, os, tree)
	require.NoError(t, refStore.UpdateRef("refs/heads/main", root, refs.UpdateOptions{}))

	cmd := receivepack.Command{OldSHA: root, NewSHA: sibling, Ref: "refs/heads/main"}
	outcome := receivepack.ValidateCommand(context.Background(), cmd, receivepack.Capabilities{}, refStore, os, nil, protection.PushContext{})
	assert.False(t, outcome.OK)
	assert.Equal(t, "non-fast-forward update", outcome.Reason)

	ref, err := refStore.GetRef("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, root, ref.Target, "ref must not move on a rejected update")
}

// TestValidateCommandAdminBypassAllowsForcePush is scenario S5: an admin
// bypass on the protected branch's rule overrides block_force_push, so a
// non-fast-forward update from an admin pusher is accepted.
func TestValidateCommandAdminBypassAllowsForcePush(t *testing.T) {
	refStore, os := newTestRepo(t)
	tree, err := os.Put(objfmt.Tree, nil)
	require.NoError(t, err)
	root := commit(t, os, tree)
	sibling := commit(t, os, tree)
	require.NoError(t, refStore.UpdateRef("refs/heads/main", root, refs.UpdateOptions{}))

	rule := &protection.Rule{Pattern: "refs/heads/main", BlockForcePush: true, AllowAdminBypass: true}
	cmd := receivepack.Command{OldSHA: root, NewSHA: sibling, Ref: "refs/heads/main"}
	outcome := receivepack.ValidateCommand(context.Background(), cmd, receivepack.Capabilities{}, refStore, os, rule, protection.PushContext{IsAdmin: true})
	assert.True(t, outcome.OK, outcome.Reason)
	assert.True(t, outcome.Forced)
}
