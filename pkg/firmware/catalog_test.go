package firmware

import (
	"context"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
)

func newTestCatalog(t *testing.T, keys ...string) *Catalog {
	t.Helper()
	bucket := objstore.NewInMemBucket()
	ctx := context.Background()
	for _, key := range keys {
		require.NoError(t, bucket.Upload(ctx, key, strings.NewReader("firmware")))
	}
	return NewCatalog(log.NewNopLogger(), Config{}, bucket, nil)
}

func TestCatalog_Refresh(t *testing.T) {
	c := newTestCatalog(t,
		"iPhone15,2_17.4_21E219_Restore.ipsw",
		"iPhone12,3,iPhone12,5_14.5_18E199_Restore.ipsw",
		"notes.txt",
		"broken-name.ipsw",
	)

	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Artifacts, 3)

	st := c.Status()
	assert.Equal(t, 3, st.Artifacts)
	assert.Equal(t, 1, st.NeedsReview)
	assert.False(t, st.RefreshedAt.IsZero())
}

func TestCatalog_RefreshIdempotent(t *testing.T) {
	c := newTestCatalog(t,
		"iPhone15,2_17.4_21E219_Restore.ipsw",
		"iPhone14,7_16.1_20B82_Restore.ipsw",
	)

	first, err := c.Refresh(context.Background())
	require.NoError(t, err)
	second, err := c.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Artifacts, second.Artifacts)
}

func TestCatalog_SnapshotSwapIsAtomic(t *testing.T) {
	c := newTestCatalog(t, "iPhone15,2_17.4_21E219_Restore.ipsw")

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	old := c.Snapshot()

	require.NoError(t, c.bucket.Upload(context.Background(),
		"iPhone14,7_16.1_20B82_Restore.ipsw", strings.NewReader("firmware")))
	_, err = c.Refresh(context.Background())
	require.NoError(t, err)

	// The snapshot held before the refresh is unchanged.
	assert.Len(t, old.Artifacts, 1)
	assert.Len(t, c.Snapshot().Artifacts, 2)
}

func TestCatalog_Match(t *testing.T) {
	c := newTestCatalog(t,
		"iPhone12,3,iPhone12,5_14.5_18E199_Restore.ipsw",
		"iPhone12,3_14.5_18E199_Restore.ipsw",
		"iPhone12,3_14.4_18D52_Restore.ipsw",
		"iPhone15,2_17.4_21E219_Restore.ipsw",
	)
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	t.Run("exact match ranks first, single device preferred", func(t *testing.T) {
		matches, err := c.Match("iPhone12,3", "14.5", "18E199")
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "iPhone12,3_14.5_18E199_Restore.ipsw", matches[0].Artifact.Key)
		assert.False(t, matches[0].BestEffort)
	})

	t.Run("multi-device bundle matches every listed identifier", func(t *testing.T) {
		for _, id := range []string{"iPhone12,3", "iPhone12,5"} {
			matches, err := c.Match(id, "14.5", "18E199")
			require.NoError(t, err)
			require.NotEmpty(t, matches)
			found := false
			for _, m := range matches {
				if m.Artifact.Key == "iPhone12,3,iPhone12,5_14.5_18E199_Restore.ipsw" {
					found = true
				}
			}
			assert.True(t, found, "bundle missing for %s", id)
		}
	})

	t.Run("version-only match outranks identifier-only", func(t *testing.T) {
		matches, err := c.Match("iPhone12,3", "14.4", "unknownbuild")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "iPhone12,3_14.4_18D52_Restore.ipsw", matches[0].Artifact.Key)
		assert.False(t, matches[0].BestEffort)
	})

	t.Run("identifier-only fallback is tagged best-effort", func(t *testing.T) {
		matches, err := c.Match("iPhone15,2", "18.0", "22A123")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.True(t, matches[0].BestEffort)
	})

	t.Run("unknown identifier", func(t *testing.T) {
		_, err := c.Match("iPhone99,9", "17.4", "21E219")
		require.Error(t, err)
		assert.True(t, IsNoMatchingArtifact(err))
	})
}

func TestCatalog_MatchBeforeRefresh(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Match("iPhone15,2", "17.4", "21E219")
	require.Error(t, err)
	assert.False(t, IsNoMatchingArtifact(err))
}
