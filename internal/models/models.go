package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyIngested is returned by the store when a match with the same
// natural key has already been committed. Callers treat it as success.
var ErrAlreadyIngested = errors.New("match already ingested")

// Team represents the side a player is on during a round.
type Team string

const (
	TeamAttackers Team = "attackers" // TERRORIST in the raw log
	TeamDefenders Team = "defenders" // CT in the raw log
	TeamNone      Team = ""
)

// TeamFromLog maps the vendor's side strings onto our team labels.
func TeamFromLog(side string) Team {
	switch side {
	case "TERRORIST":
		return TeamAttackers
	case "CT":
		return TeamDefenders
	}
	return TeamNone
}

// EventKind discriminates rows in the game_event table.
type EventKind string

const (
	EventKill            EventKind = "KILL"
	EventAttack          EventKind = "ATTACK"
	EventAssist          EventKind = "ASSIST"
	EventRoundStart      EventKind = "ROUND_START"
	EventRoundEnd        EventKind = "ROUND_END"
	EventGameOver        EventKind = "GAME_OVER"
	EventGameProcessed   EventKind = "GAME_PROCESSED"
	EventBombPlant       EventKind = "BOMB_PLANT"
	EventBombDefuseBegin EventKind = "BOMB_DEFUSE_BEGIN"
	EventBombDefused     EventKind = "BOMB_DEFUSED"
	EventBombExploded    EventKind = "BOMB_EXPLODED"
)

// InRound reports whether events of this kind must carry a round_start_ref.
func (k EventKind) InRound() bool {
	switch k {
	case EventRoundStart, EventGameOver, EventGameProcessed:
		return false
	}
	return true
}

// NaturalKey is the deduplication identity of a match. Two ingests of the
// same log produce the same key and the second one is a no-op.
type NaturalKey struct {
	ServerID string
	EndTime  time.Time
	Map      string
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%s|%d|%s", k.ServerID, k.EndTime.UnixMilli(), k.Map)
}

// Game is one completed competitive session. Created on GAME_OVER,
// finalized on GAME_PROCESSED, immutable thereafter.
type Game struct {
	ID        uuid.UUID `json:"id"`
	ServerID  string    `json:"server_id"`
	Map       string    `json:"map"`
	Mode      string    `json:"mode"`
	Score1    int       `json:"score1"`
	Score2    int       `json:"score2"`
	Duration  float64   `json:"duration_minutes"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func (g *Game) NaturalKey() NaturalKey {
	return NaturalKey{ServerID: g.ServerID, EndTime: g.EndTime, Map: g.Map}
}

// GameEvent is a single persisted event row. The kind discriminator decides
// which of the optional columns are populated. RoundStartRef points at the
// ROUND_START row owning this event and is nil only for ROUND_START,
// GAME_OVER and GAME_PROCESSED rows.
type GameEvent struct {
	ID            uuid.UUID    `json:"id"`
	GameID        uuid.UUID    `json:"game_id"`
	Kind          EventKind    `json:"kind"`
	Timestamp     time.Time    `json:"timestamp"`
	RoundStartRef *uuid.UUID   `json:"round_start_ref,omitempty"`
	ActorID       string       `json:"actor_id,omitempty"`
	ActorName     string       `json:"actor_name,omitempty"`
	ActorTeam     Team         `json:"actor_team,omitempty"`
	TargetID      string       `json:"target_id,omitempty"`
	TargetName    string       `json:"target_name,omitempty"`
	TargetTeam    Team         `json:"target_team,omitempty"`
	Weapon        string       `json:"weapon,omitempty"`
	Headshot      bool         `json:"headshot,omitempty"`
	Damage        int          `json:"damage,omitempty"`
	ArmorDamage   int          `json:"armor_damage,omitempty"`
	Hitgroup      string       `json:"hitgroup,omitempty"`
	Site          string       `json:"site,omitempty"`
	Scorecard     []RoundScore `json:"scorecard,omitempty"` // ROUND_END only, stored as JSONB
}

// RoundScore is one player's line on the round-end scorecard.
type RoundScore struct {
	SteamID string `json:"steamId"`
	Name    string `json:"name"`
	Slot    int    `json:"slot"`
	Team    Team   `json:"team"`
	Bot     bool   `json:"bot,omitempty"`
	Kills   int    `json:"kills"`
	Deaths  int    `json:"deaths"`
	Assists int    `json:"assists"`
	Damage  int    `json:"dmg"`
}

// Accolade is a per-match per-player award emitted by the server at game
// over. (game_id, player_id, type) is unique.
type Accolade struct {
	GameID   uuid.UUID `json:"game_id"`
	Type     string    `json:"type"`
	PlayerID string    `json:"player_id"`
	Value    float64   `json:"value"`
	Position int       `json:"position"`
	Score    float64   `json:"score"`
}

// PlayerStatsSnapshot is a per-player stats row stamped with the end time of
// the game it was taken from. (player_id, game_timestamp) is the natural key;
// a player accumulates one snapshot per match.
type PlayerStatsSnapshot struct {
	PlayerID      string    `json:"player_id"`
	GameTimestamp time.Time `json:"game_timestamp"`
	Nickname      string    `json:"last_seen_nickname"`
	Kills         int       `json:"kills"`
	Deaths        int       `json:"deaths"`
	Assists       int       `json:"assists"`
	HeadshotKills int       `json:"headshot_kills"`
	RoundsPlayed  int       `json:"rounds_played"`
	DamageDealt   float64   `json:"damage_dealt"`
	ClutchesWon   int       `json:"clutches_won"`
	Rank          int       `json:"rank"`
}

// RankingEntry is one row of the rankings query surface.
type RankingEntry struct {
	PlayerID string    `json:"player_id"`
	Nickname string    `json:"nickname"`
	Rank     int       `json:"rank"`
	Kills    int       `json:"kills"`
	Deaths   int       `json:"deaths"`
	KDRatio  float64   `json:"kd_ratio"`
	LastSeen time.Time `json:"last_seen"`
}
