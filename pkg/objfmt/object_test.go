package objfmt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objfmt"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	content := []byte("hello, world\n")
	sha, deflated, err := objfmt.Serialize(objfmt.Blob, content)
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	kind, got, err := objfmt.Parse(deflated, sha)
	require.NoError(t, err)
	assert.Equal(t, objfmt.Blob, kind)
	assert.Equal(t, content, got)
}

func TestParseRejectsShaMismatch(t *testing.T) {
	_, deflated, err := objfmt.Serialize(objfmt.Blob, []byte("abc"))
	require.NoError(t, err)

	_, _, err = objfmt.Parse(deflated, "0000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.CorruptObject))
}

func TestComputeSHAMatchesCanonicalForm(t *testing.T) {
	// sha1("blob 5\0hello") is a well-known fixture value.
	sha := objfmt.ComputeSHA(objfmt.Blob, []byte("hello"))
	assert.Equal(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0", sha)
}

func TestTreeEncodeDecodeRoundTripAndSort(t *testing.T) {
	entries := []objfmt.TreeEntry{
		{Mode: "100644", Name: "b.txt", SHA: "1111111111111111111111111111111111111111"},
		{Mode: "40000", Name: "a", SHA: "2222222222222222222222222222222222222222"},
		{Mode: "100644", Name: "a.txt", SHA: "3333333333333333333333333333333333333333"},
	}
	encoded, err := objfmt.EncodeTree(append([]objfmt.TreeEntry(nil), entries...))
	require.NoError(t, err)

	decoded, err := objfmt.DecodeTree(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	// "a.txt" sorts before "a/" because '.' < '/', and "a/" before "b.txt".
	assert.Equal(t, "a.txt", decoded[0].Name)
	assert.Equal(t, "a", decoded[1].Name)
	assert.Equal(t, "b.txt", decoded[2].Name)
}

func TestCommitEncodeDecodeRoundTrip(t *testing.T) {
	c := &objfmt.Commit{
		TreeSHA:    "1111111111111111111111111111111111111111",
		ParentSHAs: []string{"2222222222222222222222222222222222222222"},
		Author:     objfmt.Identity{Name: "A Uthor", Email: "a@example.com", When: time.Unix(1700000000, 0).UTC(), TZOffset: "+0000"},
		Committer:  objfmt.Identity{Name: "C Ommitter", Email: "c@example.com", When: time.Unix(1700000100, 0).UTC(), TZOffset: "-0500"},
		Message:    "a commit message\n",
	}
	encoded := objfmt.EncodeCommit(c)
	decoded, err := objfmt.DecodeCommit(encoded)
	require.NoError(t, err)
	assert.Equal(t, c.TreeSHA, decoded.TreeSHA)
	assert.Equal(t, c.ParentSHAs, decoded.ParentSHAs)
	assert.Equal(t, c.Author.Email, decoded.Author.Email)
	assert.Equal(t, c.Committer.TZOffset, decoded.Committer.TZOffset)
	assert.Equal(t, c.Message, decoded.Message)
}

func TestCommitWithMultilineSignatureRoundTrips(t *testing.T) {
	c := &objfmt.Commit{
		TreeSHA:      "1111111111111111111111111111111111111111",
		Author:       objfmt.Identity{Name: "A", Email: "a@example.com", When: time.Unix(1, 0).UTC(), TZOffset: "+0000"},
		Committer:    objfmt.Identity{Name: "A", Email: "a@example.com", When: time.Unix(1, 0).UTC(), TZOffset: "+0000"},
		GPGSignature: "-----BEGIN PGP SIGNATURE-----\n\nabcd\n-----END PGP SIGNATURE-----",
		Message:      "signed\n",
	}
	encoded := objfmt.EncodeCommit(c)
	decoded, err := objfmt.DecodeCommit(encoded)
	require.NoError(t, err)
	assert.Equal(t, c.GPGSignature, decoded.GPGSignature)
}

func TestTagEncodeDecodeRoundTrip(t *testing.T) {
	tag := &objfmt.AnnotatedTag{
		TargetSHA:  "1111111111111111111111111111111111111111",
		TargetKind: objfmt.Commit,
		Name:       "v1.0.0",
		Tagger:     objfmt.Identity{Name: "T Agger", Email: "t@example.com", When: time.Unix(42, 0).UTC(), TZOffset: "+0200"},
		Message:    "release v1.0.0\n",
	}
	encoded := objfmt.EncodeTag(tag)
	decoded, err := objfmt.DecodeTag(encoded)
	require.NoError(t, err)
	assert.Equal(t, tag.TargetSHA, decoded.TargetSHA)
	assert.Equal(t, tag.TargetKind, decoded.TargetKind)
	assert.Equal(t, tag.Name, decoded.Name)
	assert.Equal(t, tag.Message, decoded.Message)
}
