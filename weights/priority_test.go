package weights

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetPriorityMinersByScoreBiasesHighScorers(t *testing.T) {
	scores := []AddressScore{
		{Address: "https://a", Score: 10},
		{Address: "https://b", Score: 0.01},
	}
	rng := rand.New(rand.NewSource(42))
	list := GetPriorityMinersByScore(scores, 500, rng)
	require.Len(t, list, 500)

	counts := map[string]int{}
	for _, a := range list {
		counts[string(a)]++
	}
	require.Greater(t, counts["https://a"], counts["https://b"])
}

func TestGetPriorityMinersDeterministicTruncatesToL(t *testing.T) {
	scores := []AddressScore{
		{Address: "https://a", Score: 9},
		{Address: "https://b", Score: 1},
	}
	list := GetPriorityMinersDeterministic(scores, 10)
	require.Len(t, list, 10)
}

func TestPositiveScoresShiftsNegatives(t *testing.T) {
	scores := []AddressScore{
		{Address: "https://a", Score: -5},
		{Address: "https://b", Score: 0},
	}
	positive := positiveScores(scores)
	for _, s := range positive {
		require.Greater(t, s.Score, 0.0)
	}
}
