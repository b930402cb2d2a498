package rank_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyan77/diyu-agent-sub002/internal/rank"
)

func ids(rs []rank.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestFuse_Scores(t *testing.T) {
	lexical := []string{"a", "b", "c"}
	vector := []string{"c", "a"}

	got := rank.Fuse(60, lexical, vector)
	require.Len(t, got, 3)

	assert.Equal(t, "a", got[0].ID)
	assert.InDelta(t, 1.0/61+1.0/62, got[0].Score, 1e-12)
	assert.Equal(t, []int{1, 2}, got[0].Ranks)

	assert.Equal(t, "c", got[1].ID)
	assert.InDelta(t, 1.0/63+1.0/61, got[1].Score, 1e-12)

	assert.Equal(t, "b", got[2].ID)
	assert.Equal(t, []int{2, 0}, got[2].Ranks)
}

func TestFuse_DeterministicTies(t *testing.T) {
	// x and y have identical scores and best ranks; id decides.
	lexical := []string{"y", "x"}
	vector := []string{"x", "y"}

	first := ids(rank.Fuse(60, lexical, vector))
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, ids(rank.Fuse(60, lexical, vector)))
	}
	assert.Equal(t, []string{"x", "y"}, first)
}

func TestFuse_DuplicateKeepsFirstRank(t *testing.T) {
	got := rank.Fuse(60, []string{"a", "a", "b"})
	require.Len(t, got, 2)
	assert.InDelta(t, 1.0/61, got[0].Score, 1e-12)
	assert.Equal(t, 3, got[1].Ranks[0])
}

func TestFuse_DefaultK(t *testing.T) {
	got := rank.Fuse(0, []string{"a"})
	assert.InDelta(t, 1.0/float64(rank.DefaultK+1), got[0].Score, 1e-12)
}

func TestTopAndNormalized(t *testing.T) {
	got := rank.Fuse(60, []string{"a", "b", "c", "d"})
	top := rank.Top(got, 2)
	assert.Equal(t, []string{"a", "b"}, ids(top))
	assert.Len(t, rank.Top(got, 10), 4)

	norm := rank.Normalized(got)
	assert.InDelta(t, 1.0, norm["a"], 1e-12)
	assert.Less(t, norm["d"], norm["c"])
	assert.Empty(t, rank.Normalized(nil))
}
