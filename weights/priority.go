package weights

import (
	"math"
	"math/rand"
	"sort"

	"github.com/mattdev071/subnet-42/types"
)

// DefaultPriorityListLength is the default priority list length.
const DefaultPriorityListLength = 256

// AddressScore pairs a routing-table address with the score of the hotkey
// that owns it.
type AddressScore struct {
	Address types.TEEAddress
	Score   float64
}

// positiveScores shifts and epsilon-adds so every score is strictly
// positive, a precondition for weighted sampling.
func positiveScores(scores []AddressScore) []AddressScore {
	if len(scores) == 0 {
		return nil
	}
	min := scores[0].Score
	for _, s := range scores {
		if s.Score < min {
			min = s.Score
		}
	}
	shift := 0.0
	if min <= 0 {
		shift = -min + epsilon
	}
	out := make([]AddressScore, len(scores))
	for i, s := range scores {
		out[i] = AddressScore{Address: s.Address, Score: s.Score + shift + epsilon}
	}
	return out
}

// GetPriorityMinersByScore draws a probability-weighted sample with
// replacement of length l from addressScores, so higher-scored addresses
// appear more often.
func GetPriorityMinersByScore(addressScores []AddressScore, l int, rng *rand.Rand) []types.TEEAddress {
	positive := positiveScores(addressScores)
	if len(positive) == 0 || l <= 0 {
		return nil
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	total := 0.0
	for _, s := range positive {
		total += s.Score
	}

	out := make([]types.TEEAddress, 0, l)
	for i := 0; i < l; i++ {
		target := rng.Float64() * total
		cum := 0.0
		chosen := positive[len(positive)-1].Address
		for _, s := range positive {
			cum += s.Score
			if target <= cum {
				chosen = s.Address
				break
			}
		}
		out = append(out, chosen)
	}
	return out
}

// GetPriorityMinersDeterministic returns the deterministic weighted list:
// frequency = max(1, floor(score/sum(score)*L)), padded with top scorers
// until L, truncated to L.
func GetPriorityMinersDeterministic(addressScores []AddressScore, l int) []types.TEEAddress {
	positive := positiveScores(addressScores)
	if len(positive) == 0 || l <= 0 {
		return nil
	}
	total := 0.0
	for _, s := range positive {
		total += s.Score
	}

	sorted := make([]AddressScore, len(positive))
	copy(sorted, positive)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	out := make([]types.TEEAddress, 0, l)
	for _, s := range sorted {
		freq := int(math.Floor(s.Score / total * float64(l)))
		if freq < 1 {
			freq = 1
		}
		for i := 0; i < freq && len(out) < l; i++ {
			out = append(out, s.Address)
		}
		if len(out) >= l {
			break
		}
	}
	for i := 0; len(out) < l; i++ {
		out = append(out, sorted[i%len(sorted)].Address)
	}
	return out[:l]
}
