// Package rating computes pairwise Elo-style updates for a round roster.
package rating

import "math"

// KFactor is the Elo K-factor applied to every pairwise comparison.
const KFactor = 32

// InitialRating is assigned to players with no persisted history.
const InitialRating = 1000

// PlayerRound is one roster entry for a single round: the player's rating
// going in and the kills they scored during the round.
type PlayerRound struct {
	PlayerID string
	Rating   float64
	Kills    int
}

// Expected is the classic Elo expected-score formula for self against other.
func Expected(self, other float64) float64 {
	return 1 / (1 + math.Pow(10, (other-self)/400))
}

// UpdateRound adjusts ratings across the roster after one round. Every
// ordered pair where A out-killed B counts as a win for A and a loss for B;
// equal kill counts contribute nothing. Adjustments are computed against the
// ratings the roster entered the round with, then applied at once, so pair
// order cannot influence the outcome. The returned map holds the new rating
// for every roster member.
func UpdateRound(roster []PlayerRound) map[string]float64 {
	deltas := make(map[string]float64, len(roster))

	for i := range roster {
		for j := range roster {
			if i == j {
				continue
			}
			a, b := roster[i], roster[j]
			if a.Kills <= b.Kills {
				continue
			}
			// A beat B: A gains, B loses.
			deltas[a.PlayerID] += KFactor * (1 - Expected(a.Rating, b.Rating))
			deltas[b.PlayerID] -= KFactor * Expected(b.Rating, a.Rating)
		}
	}

	out := make(map[string]float64, len(roster))
	for _, p := range roster {
		out[p.PlayerID] = p.Rating + deltas[p.PlayerID]
	}
	return out
}
