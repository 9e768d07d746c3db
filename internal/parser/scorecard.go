package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cs2central/stats-api/internal/models"
)

// The server prints the round scorecard as a JSON block spread over the
// lines immediately after the Round_End marker, bracketed by JSON_BEGIN and
// JSON_END. The caller owns the line array and assembles the block; this
// file only recognizes the brackets and decodes the payload.

const (
	scorecardBegin = "JSON_BEGIN"
	scorecardEnd   = "JSON_END"
)

// IsScorecardBegin reports whether a raw inner log string opens the
// round-end JSON block.
func IsScorecardBegin(raw string) bool { return strings.Contains(raw, scorecardBegin) }

// IsScorecardEnd reports whether a raw inner log string closes the block.
func IsScorecardEnd(raw string) bool { return strings.Contains(raw, scorecardEnd) }

// Scorecard is the decoded round-end block.
type Scorecard struct {
	Winner  models.Team
	Players []models.RoundScore
}

type scorecardWire struct {
	Name    string `json:"name"`
	Winner  string `json:"winner"`
	Players []struct {
		SteamID string `json:"steamId"`
		Name    string `json:"name"`
		Slot    int    `json:"slot"`
		Team    string `json:"team"`
		Kills   int    `json:"kills"`
		Deaths  int    `json:"deaths"`
		Assists int    `json:"assists"`
		Damage  int    `json:"dmg"`
	} `json:"players"`
}

// ParseScorecard decodes an assembled JSON block. The bracket markers may
// still be attached; everything outside the outermost braces is discarded.
func ParseScorecard(block string) (*Scorecard, error) {
	start := strings.IndexByte(block, '{')
	end := strings.LastIndexByte(block, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("scorecard block: no JSON object")
	}

	var wire scorecardWire
	if err := json.Unmarshal([]byte(block[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("scorecard block: %w", err)
	}

	card := &Scorecard{Winner: models.TeamFromLog(wire.Winner)}
	for _, p := range wire.Players {
		card.Players = append(card.Players, models.RoundScore{
			SteamID: p.SteamID,
			Name:    p.Name,
			Slot:    p.Slot,
			Team:    models.TeamFromLog(p.Team),
			Bot:     p.SteamID == "BOT",
			Kills:   p.Kills,
			Deaths:  p.Deaths,
			Assists: p.Assists,
			Damage:  p.Damage,
		})
	}
	return card, nil
}
