package match

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cs2central/stats-api/internal/models"
	"github.com/cs2central/stats-api/internal/parser"
)

// Pipeline failures. Both abort the whole ingest job; nothing has been
// written because commit only happens at match end.
var (
	// ErrNoServerIdentity means a game-over was reached before the server
	// printed its identity line, so the match's natural key cannot be built.
	ErrNoServerIdentity = errors.New("game over before server identity line")

	// ErrLogIncomplete means the game-over score claims more rounds than
	// the log contains, so the match cannot be rewound to its first round.
	ErrLogIncomplete = errors.New("log incomplete: fewer round starts than the final score requires")
)

// minAccolades is the acceptance threshold: a game-over preceded by fewer
// accolade lines is a warmup or an under-populated game and is not persisted.
const minAccolades = 6

// GameIndex is the narrow deduplication surface the machine needs from the
// persistence adapter.
type GameIndex interface {
	ExistsGame(ctx context.Context, key models.NaturalKey) (bool, error)
}

type state int

const (
	// stateTracking collects round-start offsets and ignores in-round
	// events; only a game-over can leave it.
	stateTracking state = iota
	// statePlaying replays the accepted match's rounds and emits every
	// in-round event until the cursor reaches the game-over line again.
	statePlaying
)

// Step is the outcome of feeding one line to the machine. Event is nil when
// the line was consumed silently. The driver resumes at max(cursor, Next);
// Next below the current cursor is a rewind.
type Step struct {
	Event *Event
	Next  int
}

// Machine is the match state machine. It owns the lexed line array because
// acceptance scans backwards over accolade lines and round-end scorecards
// are assembled from the lines following the marker.
type Machine struct {
	entries []parser.Entry
	index   GameIndex
	cx      *Context
	logger  *zap.SugaredLogger

	state       state
	roundStarts []int
	matchEnd    int
}

func NewMachine(entries []parser.Entry, index GameIndex, cx *Context, logger *zap.SugaredLogger) *Machine {
	return &Machine{
		entries:  entries,
		index:    index,
		cx:       cx,
		logger:   logger,
		state:    stateTracking,
		matchEnd: -1,
	}
}

// Step processes the line at cursor i.
func (m *Machine) Step(ctx context.Context, i int) (Step, error) {
	e := m.entries[i]
	none := Step{Next: i}

	// Server identity is captured in any state, before anything else.
	if id, ok := e.Rec.(parser.ServerIdentity); ok {
		m.cx.ServerID = id.AppServerID
		return none, nil
	}

	if m.state == stateTracking {
		return m.stepTracking(ctx, i, e)
	}
	return m.stepPlaying(i, e), nil
}

func (m *Machine) stepTracking(ctx context.Context, i int, e parser.Entry) (Step, error) {
	none := Step{Next: i}

	switch rec := e.Rec.(type) {
	case parser.RoundStart:
		m.roundStarts = append(m.roundStarts, i)
		return none, nil

	case parser.GameOver:
		accolades := m.scanAccolades(i)
		if len(accolades) < minAccolades {
			m.logger.Debugw("Rejecting game over: not enough accolades",
				"map", rec.Map, "accolades", len(accolades))
			m.roundStarts = nil
			return none, nil
		}

		rounds := rec.Score1 + rec.Score2
		if rounds == 0 {
			m.logger.Warnw("Rejecting game over: zero rounds played",
				"map", rec.Map, "accolades", len(accolades))
			m.roundStarts = nil
			return none, nil
		}

		if m.cx.ServerID == "" {
			return none, ErrNoServerIdentity
		}

		key := models.NaturalKey{ServerID: m.cx.ServerID, EndTime: e.Time, Map: rec.Map}
		exists, err := m.index.ExistsGame(ctx, key)
		if err != nil {
			return none, fmt.Errorf("dedup check for %s: %w", key, err)
		}
		if exists {
			m.logger.Infow("Skipping already ingested match", "key", key.String())
			m.roundStarts = nil
			return none, nil
		}

		if len(m.roundStarts) < rounds {
			return none, fmt.Errorf("%w: have %d round starts, score %d:%d",
				ErrLogIncomplete, len(m.roundStarts), rec.Score1, rec.Score2)
		}

		m.cx.PendingAccolades = append(m.cx.PendingAccolades, accolades...)
		m.matchEnd = i
		m.state = statePlaying

		rewindTo := m.roundStarts[len(m.roundStarts)-rounds] - 1
		m.logger.Infow("Accepted match, rewinding",
			"map", rec.Map, "score", fmt.Sprintf("%d:%d", rec.Score1, rec.Score2),
			"rewind_to", rewindTo)

		return Step{
			Event: &Event{Kind: models.EventGameOver, Time: e.Time, Record: rec},
			Next:  rewindTo,
		}, nil

	default:
		// In-round records and accolade lines are ignored while tracking.
		return none, nil
	}
}

func (m *Machine) stepPlaying(i int, e parser.Entry) Step {
	none := Step{Next: i}

	// Reaching the game-over line again closes the window.
	if i == m.matchEnd {
		m.state = stateTracking
		m.roundStarts = nil
		m.matchEnd = -1
		return Step{
			Event: &Event{Kind: models.EventGameProcessed, Time: e.Time},
			Next:  i,
		}
	}

	switch rec := e.Rec.(type) {
	case parser.RoundStart:
		return Step{Event: &Event{Kind: models.EventRoundStart, Time: e.Time, Record: rec}, Next: i}
	case parser.RoundEnd:
		card := m.assembleScorecard(i)
		return Step{Event: &Event{Kind: models.EventRoundEnd, Time: e.Time, Record: rec, Scorecard: card}, Next: i}
	case parser.Kill:
		return Step{Event: &Event{Kind: models.EventKill, Time: e.Time, Record: rec}, Next: i}
	case parser.Attack:
		return Step{Event: &Event{Kind: models.EventAttack, Time: e.Time, Record: rec}, Next: i}
	case parser.Assist:
		return Step{Event: &Event{Kind: models.EventAssist, Time: e.Time, Record: rec}, Next: i}
	case parser.BombPlant:
		return Step{Event: &Event{Kind: models.EventBombPlant, Time: e.Time, Record: rec}, Next: i}
	case parser.BombDefuseBegin:
		return Step{Event: &Event{Kind: models.EventBombDefuseBegin, Time: e.Time, Record: rec}, Next: i}
	case parser.BombDefused:
		return Step{Event: &Event{Kind: models.EventBombDefused, Time: e.Time, Record: rec}, Next: i}
	case parser.BombExploded:
		return Step{Event: &Event{Kind: models.EventBombExploded, Time: e.Time, Record: rec}, Next: i}
	default:
		return none
	}
}

// scanAccolades walks backwards from the game-over line over the contiguous
// run of accolade lines and returns them in log order.
func (m *Machine) scanAccolades(gameOver int) []parser.Accolade {
	var reversed []parser.Accolade
	for j := gameOver - 1; j >= 0; j-- {
		acc, ok := m.entries[j].Rec.(parser.Accolade)
		if !ok {
			break
		}
		reversed = append(reversed, acc)
	}

	out := make([]parser.Accolade, len(reversed))
	for i, acc := range reversed {
		out[len(reversed)-1-i] = acc
	}
	return out
}

// assembleScorecard gathers the JSON_BEGIN..JSON_END block following a
// round-end marker. A missing block yields nil; the round still counts.
func (m *Machine) assembleScorecard(roundEnd int) *parser.Scorecard {
	j := roundEnd + 1
	for ; j < len(m.entries); j++ {
		if parser.IsScorecardBegin(m.entries[j].Raw) {
			break
		}
		// Any recognized record before the block means there is none.
		if m.entries[j].Rec != nil {
			return nil
		}
	}
	if j >= len(m.entries) {
		return nil
	}

	var block strings.Builder
	for ; j < len(m.entries); j++ {
		block.WriteString(m.entries[j].Raw)
		block.WriteByte('\n')
		if parser.IsScorecardEnd(m.entries[j].Raw) {
			break
		}
	}

	card, err := parser.ParseScorecard(block.String())
	if err != nil {
		m.logger.Warnw("Unparseable round scorecard", "line", roundEnd, "error", err)
		return nil
	}
	return card
}
