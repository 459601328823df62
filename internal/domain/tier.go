package domain

// Tier classifies runtime health. It drives model routing and feature
// restrictions; see usecase.Governor.
type Tier string

const (
	TierHigh       Tier = "high"
	TierNormal     Tier = "normal"
	TierLowCompute Tier = "low_compute"
	TierCritical   Tier = "critical"
	TierDead       Tier = "dead"
)

var tierRank = map[Tier]int{
	TierDead:       0,
	TierCritical:   1,
	TierLowCompute: 2,
	TierNormal:     3,
	TierHigh:       4,
}

// Rank orders tiers from dead (0) to high (4). Unknown tiers rank below
// dead so a corrupted KV value never unlocks anything.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether t grants everything min requires.
func (t Tier) AtLeast(min Tier) bool { return t.Rank() >= min.Rank() }

// Valid reports whether t is one of the five known tiers.
func (t Tier) Valid() bool { _, ok := tierRank[t]; return ok }
