package objectstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptdev/gitd/pkg/objectstore"
)

func TestRecordLocationRejectsDegenerateSHA(t *testing.T) {
	idx := objectstore.NewObjectIndex()

	zero := "0000000000000000000000000000000000000000"
	err := idx.RecordLocation(objectstore.ObjectLocation{SHA: zero, Tier: objectstore.TierHot, Size: 1})
	require.Error(t, err)

	allA := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	err = idx.RecordLocation(objectstore.ObjectLocation{SHA: allA, Tier: objectstore.TierHot, Size: 1})
	require.Error(t, err)

	_, ok := idx.LookupLocation(zero)
	assert.False(t, ok)
}

func TestRecordLocationAcceptsRealSHA(t *testing.T) {
	idx := objectstore.NewObjectIndex()
	sha := "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	require.NoError(t, idx.RecordLocation(objectstore.ObjectLocation{SHA: sha, Tier: objectstore.TierWarm, Size: 42}))

	loc, ok := idx.LookupLocation(sha)
	require.True(t, ok)
	assert.Equal(t, objectstore.TierWarm, loc.Tier)
}
