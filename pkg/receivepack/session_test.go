package receivepack_test

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/pktline"
	"github.com/kptdev/gitd/pkg/receivepack"
	"github.com/kptdev/gitd/pkg/refs"
	"github.com/kptdev/gitd/pkg/storage"
)

// buildSingleBlobPack assembles a minimal one-object PACK stream, the
// same shape packfile's own tests use; receive-pack never constructs
// packs itself, this exists only to drive Run() end to end.
func buildSingleBlobPack(t *testing.T, content []byte) []byte {
	t.Helper()
	var body bytes.Buffer
	first := byte(len(content)&0x0f) | (3 << 4) // typeBlob
	size := len(content) >> 4
	for size > 0 {
		first |= 0x80
		body.WriteByte(first)
		first = byte(size & 0x7f)
		size >>= 7
	}
	body.WriteByte(first)

	var zb bytes.Buffer
	w := zlib.NewWriter(&zb)
	_, err := w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	body.Write(zb.Bytes())

	var out bytes.Buffer
	out.WriteString("PACK")
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], 2)
	binary.BigEndian.PutUint32(hdr[4:8], 1)
	out.Write(hdr[:])
	out.Write(body.Bytes())

	h := sha1.Sum(out.Bytes())
	out.Write(h[:])
	return out.Bytes()
}

func newTestDeps(t *testing.T) (receivepack.Dependencies, storage.Backend) {
	t.Helper()
	b, err := storage.NewFSBackend(filepath.Join(t.TempDir(), "repo"))
	require.NoError(t, err)
	return receivepack.Dependencies{
		RefStore: refs.New(b),
		ObjStore: objectstore.New(b),
		MainTier: b,
		Sessions: receivepack.NewSessionStore(),
	}, b
}

func TestRunDeleteOnlySession(t *testing.T) {
	deps, _ := newTestDeps(t)
	require.NoError(t, deps.RefStore.UpdateRef("refs/heads/doomed", shaA, refs.UpdateOptions{}))

	body := buildRequest(t, shaA+" "+zero+" refs/heads/doomed\x00report-status delete-refs", nil, nil)

	result, err := receivepack.Run(context.Background(), deps, receivepack.Pusher{}, "sess-delete", "repo-1", body)
	require.NoError(t, err)

	scanner := pktline.NewScanner(bytes.NewReader(result.ReportBody))
	pkt, err := scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, "unpack ok\n", string(pkt.Payload))
	pkt, err = scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok refs/heads/doomed\n", string(pkt.Payload))

	ref, err := deps.RefStore.GetRef("refs/heads/doomed")
	require.NoError(t, err)
	assert.Nil(t, ref)

	trace, ok := deps.Sessions.Get("sess-delete")
	require.True(t, ok)
	assert.Equal(t, 1, trace.CommandCount)
	assert.True(t, trace.UnpackOK)
}

func TestRunCreateSessionCommitsQuarantineObjects(t *testing.T) {
	deps, backend := newTestDeps(t)
	content := []byte("blob content for a new branch")
	blobSHA := objfmt.ComputeSHA(objfmt.Blob, content)

	pack := buildSingleBlobPack(t, content)
	commandLine := zero + " " + blobSHA + " refs/heads/feature\x00report-status"

	// A real push updates a branch to a commit, not a bare blob; this
	// test only exercises unpack-then-commit plumbing, so it treats the
	// pushed object itself as the "new value" without resolving ancestry
	// (the ref has no prior value, so the fast-forward check is skipped).
	body := buildRequest(t, commandLine, nil, pack)

	result, err := receivepack.Run(context.Background(), deps, receivepack.Pusher{}, "sess-create", "repo-1", body)
	require.NoError(t, err)
	require.NotNil(t, result)

	has, err := backend.HasObject(blobSHA)
	require.NoError(t, err)
	assert.True(t, has, "quarantined object must be committed to the main store on success")

	ref, err := deps.RefStore.GetRef("refs/heads/feature")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, blobSHA, ref.Target)
}
