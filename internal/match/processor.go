package match

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cs2central/stats-api/internal/models"
	"github.com/cs2central/stats-api/internal/parser"
	"github.com/cs2central/stats-api/internal/rating"
)

// Start-time estimation: the first round-end happens roughly two minutes
// into the match; with no rounds observed at all, assume a two hour game.
const (
	startBeforeFirstRoundEnd = 2 * time.Minute
	fallbackGameLength       = 2 * time.Hour
)

// Store is what the processor needs from the persistence adapter: the dedup
// index, the atomic per-match commit, and rating baselines for players
// entering a match.
type Store interface {
	GameIndex
	CommitMatch(ctx context.Context, game *models.Game, events []models.GameEvent, accolades []models.Accolade, stats []models.PlayerStatsSnapshot) error
	Ratings(ctx context.Context, playerIDs []string) (map[string]float64, error)
}

// Processor consumes the event stream for one ingest session, mutating the
// context's pending state and committing each match when its synthetic
// GAME_PROCESSED event arrives.
type Processor struct {
	cx     *Context
	store  Store
	logger *zap.SugaredLogger

	currentRound *uuid.UUID
	roundKills   map[string]int
	roundDeaths  map[string]struct{}
	ratings      map[string]float64
}

func NewProcessor(cx *Context, store Store, logger *zap.SugaredLogger) *Processor {
	return &Processor{
		cx:          cx,
		store:       store,
		logger:      logger,
		roundKills:  make(map[string]int),
		roundDeaths: make(map[string]struct{}),
		ratings:     make(map[string]float64),
	}
}

// Apply dispatches one event by tag.
func (p *Processor) Apply(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case models.EventRoundStart:
		p.applyRoundStart(ev)
	case models.EventKill:
		p.applyKill(ev)
	case models.EventAttack:
		p.applyAttack(ev)
	case models.EventAssist:
		p.applyAssist(ev)
	case models.EventBombPlant, models.EventBombDefuseBegin, models.EventBombDefused, models.EventBombExploded:
		p.applyBomb(ev)
	case models.EventRoundEnd:
		return p.applyRoundEnd(ctx, ev)
	case models.EventGameOver:
		p.applyGameOver(ev)
	case models.EventGameProcessed:
		return p.commit(ctx, ev)
	default:
		return fmt.Errorf("unhandled event kind %q", ev.Kind)
	}
	return nil
}

func (p *Processor) applyRoundStart(ev *Event) {
	ge := models.GameEvent{
		ID:        uuid.New(),
		Kind:      models.EventRoundStart,
		Timestamp: ev.Time,
	}
	p.cx.Push(ge)
	ref := ge.ID
	p.currentRound = &ref
	p.roundKills = make(map[string]int)
	p.roundDeaths = make(map[string]struct{})
}

func (p *Processor) applyKill(ev *Event) {
	rec := ev.Record.(parser.Kill)
	if rec.Killer.Bot && rec.Victim.Bot {
		return
	}

	if !rec.Killer.Bot {
		s := p.cx.Stat(rec.Killer.SteamID, rec.Killer.Name)
		s.Kills++
		if rec.Headshot {
			s.HeadshotKills++
		}
		p.roundKills[rec.Killer.SteamID]++
	}
	if !rec.Victim.Bot {
		p.cx.Stat(rec.Victim.SteamID, rec.Victim.Name).Deaths++
		p.roundDeaths[rec.Victim.SteamID] = struct{}{}
	}

	p.push(ev, models.GameEvent{
		Kind:       models.EventKill,
		ActorID:    rec.Killer.SteamID,
		ActorName:  rec.Killer.Name,
		ActorTeam:  rec.Killer.Team,
		TargetID:   rec.Victim.SteamID,
		TargetName: rec.Victim.Name,
		TargetTeam: rec.Victim.Team,
		Weapon:     rec.Weapon,
		Headshot:   rec.Headshot,
	})
}

func (p *Processor) applyAttack(ev *Event) {
	rec := ev.Record.(parser.Attack)
	if rec.Attacker.Bot && rec.Victim.Bot {
		return
	}

	if !rec.Attacker.Bot {
		p.cx.Stat(rec.Attacker.SteamID, rec.Attacker.Name).DamageDealt += float64(rec.Damage)
	}

	p.push(ev, models.GameEvent{
		Kind:        models.EventAttack,
		ActorID:     rec.Attacker.SteamID,
		ActorName:   rec.Attacker.Name,
		ActorTeam:   rec.Attacker.Team,
		TargetID:    rec.Victim.SteamID,
		TargetName:  rec.Victim.Name,
		TargetTeam:  rec.Victim.Team,
		Weapon:      rec.Weapon,
		Damage:      rec.Damage,
		ArmorDamage: rec.ArmorDamage,
		Hitgroup:    rec.Hitgroup,
	})
}

func (p *Processor) applyAssist(ev *Event) {
	rec := ev.Record.(parser.Assist)
	if rec.Assister.Bot && rec.Victim.Bot {
		return
	}

	if !rec.Assister.Bot {
		p.cx.Stat(rec.Assister.SteamID, rec.Assister.Name).Assists++
	}

	p.push(ev, models.GameEvent{
		Kind:       models.EventAssist,
		ActorID:    rec.Assister.SteamID,
		ActorName:  rec.Assister.Name,
		ActorTeam:  rec.Assister.Team,
		TargetID:   rec.Victim.SteamID,
		TargetName: rec.Victim.Name,
		TargetTeam: rec.Victim.Team,
	})
}

func (p *Processor) applyBomb(ev *Event) {
	ge := models.GameEvent{Kind: ev.Kind}
	switch rec := ev.Record.(type) {
	case parser.BombPlant:
		if rec.Player.Bot {
			return
		}
		ge.ActorID = rec.Player.SteamID
		ge.ActorName = rec.Player.Name
		ge.ActorTeam = rec.Player.Team
		ge.Site = rec.Site
	case parser.BombDefuseBegin:
		if rec.Player.Bot {
			return
		}
		ge.ActorID = rec.Player.SteamID
		ge.ActorName = rec.Player.Name
		ge.ActorTeam = rec.Player.Team
	}
	p.push(ev, ge)
}

func (p *Processor) applyRoundEnd(ctx context.Context, ev *Event) error {
	p.cx.ObserveRoundEnd(ev.Time)

	var humans []models.RoundScore
	if ev.Scorecard != nil {
		for _, score := range ev.Scorecard.Players {
			p.cx.LearnSlot(score.Slot, score.SteamID)
			if score.Bot {
				continue
			}
			humans = append(humans, score)
			s := p.cx.Stat(score.SteamID, score.Name)
			s.RoundsPlayed++
		}
	}

	if err := p.updateRatings(ctx, humans, ev.Time); err != nil {
		return err
	}
	p.creditClutches(humans, ev)

	p.push(ev, models.GameEvent{
		Kind:      models.EventRoundEnd,
		Scorecard: scorecardPlayers(ev.Scorecard),
	})
	return nil
}

// updateRatings runs the pairwise Elo update over the round roster. Baseline
// ratings come from the latest persisted snapshot, seeded lazily.
func (p *Processor) updateRatings(ctx context.Context, roster []models.RoundScore, ts time.Time) error {
	if len(roster) == 0 {
		return nil
	}

	var missing []string
	for _, score := range roster {
		if _, ok := p.ratings[score.SteamID]; !ok {
			missing = append(missing, score.SteamID)
		}
	}
	if len(missing) > 0 {
		baselines, err := p.store.Ratings(ctx, missing)
		if err != nil {
			return fmt.Errorf("rating baselines: %w", err)
		}
		for _, id := range missing {
			if r, ok := baselines[id]; ok {
				p.ratings[id] = r
			} else {
				p.ratings[id] = rating.InitialRating
			}
		}
	}

	rounds := make([]rating.PlayerRound, 0, len(roster))
	for _, score := range roster {
		rounds = append(rounds, rating.PlayerRound{
			PlayerID: score.SteamID,
			Rating:   p.ratings[score.SteamID],
			Kills:    p.roundKills[score.SteamID],
		})
	}

	for id, newRating := range rating.UpdateRound(rounds) {
		p.ratings[id] = newRating
	}
	for _, score := range roster {
		s := p.cx.Stat(score.SteamID, score.Name)
		s.Rank = int(math.Round(p.ratings[score.SteamID]))
		s.GameTimestamp = ts
	}
	return nil
}

// creditClutches awards a clutch to a winning-side player whose teammates
// all died during the round while the player survived.
func (p *Processor) creditClutches(roster []models.RoundScore, ev *Event) {
	if ev.Scorecard == nil || ev.Scorecard.Winner == models.TeamNone {
		return
	}
	winner := ev.Scorecard.Winner

	for _, score := range roster {
		if score.Team != winner {
			continue
		}
		if _, died := p.roundDeaths[score.SteamID]; died {
			continue
		}
		teammates := 0
		teammatesDead := true
		for _, other := range roster {
			if other.SteamID == score.SteamID || other.Team != winner {
				continue
			}
			teammates++
			if _, died := p.roundDeaths[other.SteamID]; !died {
				teammatesDead = false
				break
			}
		}
		if teammates > 0 && teammatesDead {
			p.cx.Stat(score.SteamID, score.Name).ClutchesWon++
		}
	}
}

func (p *Processor) applyGameOver(ev *Event) {
	rec := ev.Record.(parser.GameOver)
	p.cx.Game = &models.Game{
		ID:       uuid.New(),
		ServerID: p.cx.ServerID,
		Map:      rec.Map,
		Mode:     rec.Mode,
		Score1:   rec.Score1,
		Score2:   rec.Score2,
		Duration: float64(rec.DurationMinutes),
		EndTime:  ev.Time,
	}
	p.currentRound = nil

	p.cx.Push(models.GameEvent{
		ID:        uuid.New(),
		Kind:      models.EventGameOver,
		Timestamp: ev.Time,
	})
}

// commit finalizes the pending match and hands it to the store in one
// transaction. An already-ingested natural key is steady state, not failure.
func (p *Processor) commit(ctx context.Context, ev *Event) error {
	game := p.cx.Game
	if game == nil {
		return errors.New("game processed with no game in flight")
	}

	if !p.cx.earliestRoundEnd.IsZero() {
		game.StartTime = p.cx.earliestRoundEnd.Add(-startBeforeFirstRoundEnd)
	} else {
		game.StartTime = game.EndTime.Add(-fallbackGameLength)
	}

	p.cx.Push(models.GameEvent{
		ID:        uuid.New(),
		Kind:      models.EventGameProcessed,
		Timestamp: ev.Time,
	})

	events := p.cx.PendingEvents
	for i := range events {
		events[i].GameID = game.ID
	}

	accolades := p.linkAccolades(game)
	stats := p.collectStats(game)

	err := p.store.CommitMatch(ctx, game, events, accolades, stats)
	switch {
	case errors.Is(err, models.ErrAlreadyIngested):
		p.logger.Infow("Match raced with another ingest, already committed", "key", game.NaturalKey().String())
	case err != nil:
		return fmt.Errorf("commit match %s: %w", game.ID, err)
	default:
		p.cx.committed++
		p.logger.Infow("Match committed",
			"game_id", game.ID, "map", game.Map,
			"events", len(events), "accolades", len(accolades), "players", len(stats))
	}

	p.cx.Reset()
	p.currentRound = nil
	return nil
}

// linkAccolades resolves queued accolades to player ids via the slot table
// and binds them to the game. Accolades for bots or unknown slots are
// dropped.
func (p *Processor) linkAccolades(game *models.Game) []models.Accolade {
	out := make([]models.Accolade, 0, len(p.cx.PendingAccolades))
	seen := make(map[string]struct{})

	for _, acc := range p.cx.PendingAccolades {
		playerID, ok := p.cx.ResolveSlot(acc.PlayerSlot)
		if !ok || playerID == "" || playerID == "BOT" {
			p.logger.Debugw("Dropping unresolvable accolade",
				"type", acc.Kind, "player", acc.PlayerName, "slot", acc.PlayerSlot)
			continue
		}
		// (player, type) is unique within a game.
		dedupKey := playerID + "\x00" + acc.Kind
		if _, dup := seen[dedupKey]; dup {
			continue
		}
		seen[dedupKey] = struct{}{}

		out = append(out, models.Accolade{
			GameID:   game.ID,
			Type:     acc.Kind,
			PlayerID: playerID,
			Value:    acc.Value,
			Position: acc.Position,
			Score:    acc.Score,
		})
	}
	return out
}

func (p *Processor) collectStats(game *models.Game) []models.PlayerStatsSnapshot {
	out := make([]models.PlayerStatsSnapshot, 0, len(p.cx.PendingStats))
	for _, s := range p.cx.PendingStats {
		snap := *s
		snap.GameTimestamp = game.EndTime
		out = append(out, snap)
	}
	return out
}

// push stamps an event with id, timestamp and the current round reference
// and appends it to the arena. In-round events arriving outside a round are
// dropped; persisting them would break round linkage.
func (p *Processor) push(ev *Event, ge models.GameEvent) {
	if ge.Kind.InRound() {
		if p.currentRound == nil {
			p.logger.Warnw("Dropping in-round event outside a round", "kind", ge.Kind, "time", ev.Time)
			return
		}
		ref := *p.currentRound
		ge.RoundStartRef = &ref
	}
	ge.ID = uuid.New()
	ge.Timestamp = ev.Time
	p.cx.Push(ge)
}

func scorecardPlayers(card *parser.Scorecard) []models.RoundScore {
	if card == nil {
		return nil
	}
	return card.Players
}
