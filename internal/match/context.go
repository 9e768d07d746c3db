package match

import (
	"time"

	"github.com/cs2central/stats-api/internal/models"
	"github.com/cs2central/stats-api/internal/parser"
)

// Context is the per-ingest scratchpad. It owns every in-flight entity for
// the current match; commit hands them to the database, discard drops them.
// A Context is never shared across goroutines.
type Context struct {
	// ServerID is the dedicated server identity. It must be set before any
	// game-over is honored.
	ServerID string

	// Game is the match under construction, created on GAME_OVER and
	// finalized at commit.
	Game *models.Game

	// PendingEvents is the append-only event arena for the current match.
	// Event ids are assigned client-side, so in-round events carry their
	// ROUND_START's id the moment they are appended.
	PendingEvents []models.GameEvent

	// PendingAccolades are queued raw accolades; player identity is
	// resolved against the slot table at commit time.
	PendingAccolades []parser.Accolade

	// PendingStats accumulates one snapshot per player id, which makes the
	// per-match dedup (latest wins) structural.
	PendingStats map[string]*models.PlayerStatsSnapshot

	// slots maps player slot -> steam id, learned from round scorecards.
	// Accolade lines identify players by name and slot only.
	slots map[int]string

	earliestRoundEnd time.Time
	committed        int
}

func NewContext() *Context {
	return &Context{
		PendingStats: make(map[string]*models.PlayerStatsSnapshot),
		slots:        make(map[int]string),
	}
}

// Stat returns the accumulating snapshot for a player, creating it on first
// sight. The nickname is refreshed on every call so the persisted row ends
// up with the last seen name.
func (c *Context) Stat(playerID, nickname string) *models.PlayerStatsSnapshot {
	s, ok := c.PendingStats[playerID]
	if !ok {
		s = &models.PlayerStatsSnapshot{PlayerID: playerID}
		c.PendingStats[playerID] = s
	}
	if nickname != "" {
		s.Nickname = nickname
	}
	return s
}

// Push appends an event to the arena.
func (c *Context) Push(ev models.GameEvent) {
	c.PendingEvents = append(c.PendingEvents, ev)
}

// LearnSlot records a slot -> player binding from a scorecard line.
func (c *Context) LearnSlot(slot int, playerID string) {
	c.slots[slot] = playerID
}

// ResolveSlot returns the player occupying a slot, if known.
func (c *Context) ResolveSlot(slot int) (string, bool) {
	id, ok := c.slots[slot]
	return id, ok
}

// ObserveRoundEnd tracks the earliest round-end seen, which anchors the
// game's estimated start time.
func (c *Context) ObserveRoundEnd(ts time.Time) {
	if c.earliestRoundEnd.IsZero() || ts.Before(c.earliestRoundEnd) {
		c.earliestRoundEnd = ts
	}
}

// Committed reports how many matches this context has committed.
func (c *Context) Committed() int { return c.committed }

// Reset discards all in-flight match state but keeps the server identity,
// which outlives individual matches within one log.
func (c *Context) Reset() {
	c.Game = nil
	c.PendingEvents = nil
	c.PendingAccolades = nil
	c.PendingStats = make(map[string]*models.PlayerStatsSnapshot)
	c.slots = make(map[int]string)
	c.earliestRoundEnd = time.Time{}
}
