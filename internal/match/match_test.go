package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cs2central/stats-api/internal/models"
	"github.com/cs2central/stats-api/internal/parser"
)

type fakeStore struct {
	ExistsGameFunc  func(ctx context.Context, key models.NaturalKey) (bool, error)
	CommitMatchFunc func(ctx context.Context, game *models.Game, events []models.GameEvent, accolades []models.Accolade, stats []models.PlayerStatsSnapshot) error
	RatingsFunc     func(ctx context.Context, playerIDs []string) (map[string]float64, error)

	games     []*models.Game
	events    [][]models.GameEvent
	accolades [][]models.Accolade
	stats     [][]models.PlayerStatsSnapshot
}

func (f *fakeStore) ExistsGame(ctx context.Context, key models.NaturalKey) (bool, error) {
	if f.ExistsGameFunc != nil {
		return f.ExistsGameFunc(ctx, key)
	}
	return false, nil
}

func (f *fakeStore) CommitMatch(ctx context.Context, game *models.Game, events []models.GameEvent, accolades []models.Accolade, stats []models.PlayerStatsSnapshot) error {
	if f.CommitMatchFunc != nil {
		return f.CommitMatchFunc(ctx, game, events, accolades, stats)
	}
	f.games = append(f.games, game)
	f.events = append(f.events, events)
	f.accolades = append(f.accolades, accolades)
	f.stats = append(f.stats, stats)
	return nil
}

func (f *fakeStore) Ratings(ctx context.Context, playerIDs []string) (map[string]float64, error) {
	if f.RatingsFunc != nil {
		return f.RatingsFunc(ctx, playerIDs)
	}
	return map[string]float64{}, nil
}

var logBase = time.Date(2025, 11, 2, 19, 0, 0, 0, time.UTC)

// line wraps a raw log string in the collector's JSON envelope, offset
// seconds after the base timestamp.
func line(t *testing.T, offset int, raw string) string {
	t.Helper()
	b, err := json.Marshal(struct {
		Time time.Time `json:"time"`
		Log  string    `json:"log"`
	}{logBase.Add(time.Duration(offset) * time.Second), raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(b)
}

const (
	alice = `"alice<2><[U:1:111]><CT>"`
	carol = `"carol<4><[U:1:333]><CT>"`
	bob   = `"bob<3><[U:1:222]><TERRORIST>"`
)

func identityLine(t *testing.T) string {
	return line(t, 0, `ResetBreakpadAppId: Setting dedicated server app id: 730`)
}

func killLine(t *testing.T, offset int, killer, victim, mods string) string {
	raw := fmt.Sprintf(`%s [1 2 3] killed %s [4 5 6] with "ak47"`, killer, victim)
	if mods != "" {
		raw += " (" + mods + ")"
	}
	return line(t, offset, raw)
}

func scorecardLines(t *testing.T, offset int, winner string, players string) []string {
	return []string{
		line(t, offset, "JSON_BEGIN"),
		line(t, offset, fmt.Sprintf(`{"name":"round_stats","winner":%q,"players":[%s]}`, winner, players)),
		line(t, offset, "JSON_END"),
	}
}

func scorePlayer(id, name string, slot int, team string, kills, deaths int) string {
	return fmt.Sprintf(`{"steamId":%q,"name":%q,"slot":%d,"team":%q,"kills":%d,"deaths":%d,"assists":0,"dmg":0}`,
		id, name, slot, team, kills, deaths)
}

func accoladeLines(t *testing.T, offset int) []string {
	types := []string{"3k", "firstkills", "hsp", "kills", "cashspent", "mvps"}
	out := make([]string, 0, len(types))
	for i, typ := range types {
		name, slot := "alice", 2
		if i%2 == 1 {
			name, slot = "bob", 3
		}
		out = append(out, line(t, offset,
			fmt.Sprintf("ACCOLADE, FINAL: {%s},\t%s<%d>,\tVALUE: %d.000000,\tPOS: %d,\tSCORE: 10.000000", typ, name, slot, i+1, i+1)))
	}
	return out
}

func gameOverLine(t *testing.T, offset int, mapName string, s1, s2 int) string {
	return line(t, offset, fmt.Sprintf(`Game Over: competitive mg_active %s score %d:%d after 47 min`, mapName, s1, s2))
}

// matchLines builds a complete two-player match: every round alice kills bob
// and CT takes the round.
func matchLines(t *testing.T, start int, mapName string, s1, s2 int) []string {
	var out []string
	offset := start
	for r := 0; r < s1+s2; r++ {
		out = append(out, line(t, offset, `World triggered "Round_Start"`))
		out = append(out, killLine(t, offset+30, alice, bob, "headshot"))
		out = append(out, line(t, offset+60, `World triggered "Round_End"`))
		players := scorePlayer("[U:1:111]", "alice", 2, "CT", r+1, 0) + "," +
			scorePlayer("[U:1:222]", "bob", 3, "TERRORIST", 0, r+1)
		out = append(out, scorecardLines(t, offset+60, "CT", players)...)
		offset += 90
	}
	out = append(out, accoladeLines(t, offset)...)
	out = append(out, gameOverLine(t, offset, mapName, s1, s2))
	return out
}

// run parses the lines and drives machine and processor to completion the
// way the ingest driver does.
func run(t *testing.T, lines []string, st *fakeStore) (*Context, error) {
	t.Helper()
	entries := make([]parser.Entry, 0, len(lines))
	for n, l := range lines {
		e, err := parser.ParseLine(l)
		if err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		entries = append(entries, e)
	}

	cx := NewContext()
	logger := zap.NewNop().Sugar()
	m := NewMachine(entries, st, cx, logger)
	p := NewProcessor(cx, st, logger)
	ctx := context.Background()

	for i := 0; i < len(entries); {
		step, err := m.Step(ctx, i)
		if err != nil {
			return cx, err
		}
		if step.Event != nil {
			if err := p.Apply(ctx, step.Event); err != nil {
				return cx, err
			}
		}
		i = step.Next + 1
	}
	return cx, nil
}

func TestFullMatchIngest(t *testing.T) {
	lines := append([]string{identityLine(t)}, matchLines(t, 10, "de_anubis", 13, 11)...)
	st := &fakeStore{}

	cx, err := run(t, lines, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cx.Committed() != 1 {
		t.Fatalf("committed = %d, want 1", cx.Committed())
	}

	game := st.games[0]
	if game.ServerID != "730" || game.Map != "de_anubis" || game.Score1 != 13 || game.Score2 != 11 {
		t.Errorf("game = %+v", game)
	}
	if game.Duration != 47 {
		t.Errorf("duration = %v, want 47", game.Duration)
	}
	if !game.StartTime.Before(game.EndTime) {
		t.Errorf("start %v not before end %v", game.StartTime, game.EndTime)
	}
	// Start is anchored two minutes before the first round end.
	wantStart := logBase.Add(70 * time.Second).Add(-2 * time.Minute)
	if !game.StartTime.Equal(wantStart) {
		t.Errorf("start = %v, want %v", game.StartTime, wantStart)
	}

	// 24 rounds of start/kill/end, then game over and the processed marker.
	events := st.events[0]
	if want := 24*3 + 2; len(events) != want {
		t.Fatalf("events = %d, want %d", len(events), want)
	}
	var round *models.GameEvent
	for i := range events {
		ev := &events[i]
		if ev.GameID != game.ID {
			t.Fatalf("event %s not bound to game", ev.Kind)
		}
		if ev.Kind == models.EventRoundStart {
			round = ev
		}
		if !ev.Kind.InRound() {
			if ev.RoundStartRef != nil {
				t.Errorf("%s carries a round ref", ev.Kind)
			}
			continue
		}
		if ev.RoundStartRef == nil {
			t.Fatalf("%s missing round ref", ev.Kind)
		}
		if round == nil || *ev.RoundStartRef != round.ID {
			t.Errorf("%s ref %v, want %v", ev.Kind, ev.RoundStartRef, round)
		}
	}
	if events[len(events)-1].Kind != models.EventGameProcessed {
		t.Errorf("last event = %s", events[len(events)-1].Kind)
	}

	if len(st.accolades[0]) != 6 {
		t.Fatalf("accolades = %d, want 6", len(st.accolades[0]))
	}
	for _, acc := range st.accolades[0] {
		if acc.PlayerID != "[U:1:111]" && acc.PlayerID != "[U:1:222]" {
			t.Errorf("accolade resolved to %q", acc.PlayerID)
		}
		if acc.GameID != game.ID {
			t.Errorf("accolade not bound to game")
		}
	}

	stats := map[string]models.PlayerStatsSnapshot{}
	for _, s := range st.stats[0] {
		stats[s.PlayerID] = s
	}
	a, b := stats["[U:1:111]"], stats["[U:1:222]"]
	if a.Kills != 24 || a.HeadshotKills != 24 || a.Deaths != 0 {
		t.Errorf("alice stats = %+v", a)
	}
	if b.Kills != 0 || b.Deaths != 24 {
		t.Errorf("bob stats = %+v", b)
	}
	if a.RoundsPlayed != 24 || b.RoundsPlayed != 24 {
		t.Errorf("rounds played = %d / %d", a.RoundsPlayed, b.RoundsPlayed)
	}
	if a.Rank <= 1000 || b.Rank >= 1000 {
		t.Errorf("ranks = %d / %d, want alice above and bob below 1000", a.Rank, b.Rank)
	}
	if !a.GameTimestamp.Equal(game.EndTime) {
		t.Errorf("snapshot timestamp = %v, want %v", a.GameTimestamp, game.EndTime)
	}
}

func TestTwoMatchesOneLog(t *testing.T) {
	lines := []string{identityLine(t)}
	lines = append(lines, matchLines(t, 10, "de_anubis", 13, 11)...)
	lines = append(lines, matchLines(t, 4000, "de_ancient", 13, 2)...)
	st := &fakeStore{}

	cx, err := run(t, lines, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cx.Committed() != 2 {
		t.Fatalf("committed = %d, want 2", cx.Committed())
	}
	if st.games[0].Map != "de_anubis" || st.games[1].Map != "de_ancient" {
		t.Errorf("maps = %s, %s", st.games[0].Map, st.games[1].Map)
	}
	if st.games[0].ID == st.games[1].ID {
		t.Errorf("games share an id")
	}
	// The second match starts clean: 15 rounds of three events plus the two
	// markers, nothing bleeding over from the first.
	if want := 15*3 + 2; len(st.events[1]) != want {
		t.Errorf("second match events = %d, want %d", len(st.events[1]), want)
	}
	for _, ev := range st.events[1] {
		if ev.GameID != st.games[1].ID {
			t.Fatalf("second match event bound to wrong game")
		}
	}
}

func TestAlreadyIngestedMatchSkipped(t *testing.T) {
	lines := append([]string{identityLine(t)}, matchLines(t, 10, "de_anubis", 13, 11)...)
	st := &fakeStore{
		ExistsGameFunc: func(ctx context.Context, key models.NaturalKey) (bool, error) {
			return true, nil
		},
	}

	cx, err := run(t, lines, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cx.Committed() != 0 || len(st.games) != 0 {
		t.Errorf("already ingested match was committed")
	}
}

func TestCommitRaceIsNotAnError(t *testing.T) {
	lines := append([]string{identityLine(t)}, matchLines(t, 10, "de_anubis", 13, 11)...)
	st := &fakeStore{
		CommitMatchFunc: func(ctx context.Context, game *models.Game, events []models.GameEvent, accolades []models.Accolade, stats []models.PlayerStatsSnapshot) error {
			return models.ErrAlreadyIngested
		},
	}

	cx, err := run(t, lines, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cx.Committed() != 0 {
		t.Errorf("raced commit counted as committed")
	}
}

func TestWarmupGameOverRejected(t *testing.T) {
	// A game over with no accolade block before it is a warmup.
	lines := []string{
		identityLine(t),
		line(t, 10, `World triggered "Round_Start"`),
		line(t, 40, `World triggered "Round_End"`),
		gameOverLine(t, 60, "de_dust2", 1, 0),
	}
	st := &fakeStore{}

	cx, err := run(t, lines, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cx.Committed() != 0 || len(st.games) != 0 {
		t.Errorf("warmup game over was committed")
	}
}

func TestZeroScoreGameOverRejected(t *testing.T) {
	// A 0:0 game over has no rounds to replay. It must be dropped, not
	// accepted, and the match after it must still go through.
	var lines []string
	lines = append(lines, identityLine(t))
	lines = append(lines, accoladeLines(t, 10)...)
	lines = append(lines, gameOverLine(t, 20, "de_inferno", 0, 0))
	lines = append(lines, matchLines(t, 100, "de_anubis", 1, 0)...)
	st := &fakeStore{}

	cx, err := run(t, lines, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cx.Committed() != 1 || len(st.games) != 1 {
		t.Fatalf("committed = %d, games = %d, want 1 each", cx.Committed(), len(st.games))
	}
	if st.games[0].Map != "de_anubis" {
		t.Errorf("committed map = %q", st.games[0].Map)
	}
}

func TestAccoladeThresholdBoundary(t *testing.T) {
	// Five accolades is one short of acceptance; the sixth tips it over.
	for _, tc := range []struct {
		name      string
		drop      int
		committed int
	}{
		{"five accolades rejected", 1, 0},
		{"six accolades accepted", 0, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			full := matchLines(t, 10, "de_overpass", 1, 0)
			// accoladeLines emits six lines just before the game over.
			lines := append([]string{identityLine(t)}, full[:len(full)-1-tc.drop]...)
			lines = append(lines, full[len(full)-1])
			st := &fakeStore{}

			cx, err := run(t, lines, st)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if cx.Committed() != tc.committed || len(st.games) != tc.committed {
				t.Errorf("committed = %d, want %d", cx.Committed(), tc.committed)
			}
		})
	}
}

func TestIncompleteLogIsFatal(t *testing.T) {
	// Score 13:11 demands 24 round starts; provide only 18.
	var lines []string
	lines = append(lines, identityLine(t))
	for r := 0; r < 18; r++ {
		lines = append(lines, line(t, 10+r*90, `World triggered "Round_Start"`))
	}
	lines = append(lines, accoladeLines(t, 2000)...)
	lines = append(lines, gameOverLine(t, 2010, "de_anubis", 13, 11))
	st := &fakeStore{}

	_, err := run(t, lines, st)
	if !errors.Is(err, ErrLogIncomplete) {
		t.Fatalf("err = %v, want ErrLogIncomplete", err)
	}
	if len(st.games) != 0 {
		t.Errorf("incomplete match was committed")
	}
}

func TestMissingServerIdentityIsFatal(t *testing.T) {
	lines := matchLines(t, 10, "de_anubis", 13, 11)
	st := &fakeStore{}

	_, err := run(t, lines, st)
	if !errors.Is(err, ErrNoServerIdentity) {
		t.Fatalf("err = %v, want ErrNoServerIdentity", err)
	}
}

func TestBotOnlyEventsDiscarded(t *testing.T) {
	var lines []string
	lines = append(lines, identityLine(t))
	lines = append(lines, line(t, 10, `World triggered "Round_Start"`))
	lines = append(lines, killLine(t, 20, `"Hank<5><BOT><TERRORIST>"`, `"Dave<6><BOT><CT>"`, ""))
	lines = append(lines, killLine(t, 30, alice, `"Hank<5><BOT><TERRORIST>"`, ""))
	lines = append(lines, line(t, 40, `World triggered "Round_End"`))
	players := scorePlayer("[U:1:111]", "alice", 2, "CT", 1, 0) + "," +
		scorePlayer("BOT", "Hank", 5, "TERRORIST", 1, 2)
	lines = append(lines, scorecardLines(t, 40, "CT", players)...)
	lines = append(lines, accoladeLines(t, 50)...)
	lines = append(lines, gameOverLine(t, 60, "de_mirage", 1, 0))
	st := &fakeStore{}

	cx, err := run(t, lines, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cx.Committed() != 1 {
		t.Fatalf("committed = %d, want 1", cx.Committed())
	}

	kills := 0
	for _, ev := range st.events[0] {
		if ev.Kind == models.EventKill {
			kills++
			if ev.ActorID == "BOT" && ev.TargetID == "BOT" {
				t.Errorf("bot-only kill persisted")
			}
		}
	}
	if kills != 1 {
		t.Errorf("kills = %d, want 1 (bot-only discarded, human-on-bot kept)", kills)
	}

	for _, s := range st.stats[0] {
		if s.PlayerID == "BOT" {
			t.Errorf("bot got a stats snapshot")
		}
	}
	if len(st.stats[0]) != 1 || st.stats[0][0].Kills != 1 {
		t.Errorf("stats = %+v", st.stats[0])
	}
}

func TestClutchCredit(t *testing.T) {
	var lines []string
	lines = append(lines, identityLine(t))
	lines = append(lines, line(t, 10, `World triggered "Round_Start"`))
	// bob takes carol down, alice wins it out alone.
	lines = append(lines, killLine(t, 20, bob, carol, ""))
	lines = append(lines, killLine(t, 30, alice, bob, ""))
	lines = append(lines, line(t, 40, `World triggered "Round_End"`))
	players := scorePlayer("[U:1:111]", "alice", 2, "CT", 1, 0) + "," +
		scorePlayer("[U:1:333]", "carol", 4, "CT", 0, 1) + "," +
		scorePlayer("[U:1:222]", "bob", 3, "TERRORIST", 1, 1)
	lines = append(lines, scorecardLines(t, 40, "CT", players)...)
	lines = append(lines, accoladeLines(t, 50)...)
	lines = append(lines, gameOverLine(t, 60, "de_nuke", 1, 0))
	st := &fakeStore{}

	if _, err := run(t, lines, st); err != nil {
		t.Fatalf("run: %v", err)
	}

	clutches := map[string]int{}
	for _, s := range st.stats[0] {
		clutches[s.PlayerID] = s.ClutchesWon
	}
	if clutches["[U:1:111]"] != 1 {
		t.Errorf("alice clutches = %d, want 1", clutches["[U:1:111]"])
	}
	if clutches["[U:1:333]"] != 0 || clutches["[U:1:222]"] != 0 {
		t.Errorf("clutches = %v", clutches)
	}
}

func TestRatingBaselineFromStore(t *testing.T) {
	lines := append([]string{identityLine(t)}, matchLines(t, 10, "de_anubis", 1, 0)...)
	st := &fakeStore{
		RatingsFunc: func(ctx context.Context, playerIDs []string) (map[string]float64, error) {
			return map[string]float64{"[U:1:111]": 1400}, nil
		},
	}

	if _, err := run(t, lines, st); err != nil {
		t.Fatalf("run: %v", err)
	}

	ranks := map[string]int{}
	for _, s := range st.stats[0] {
		ranks[s.PlayerID] = s.Rank
	}
	// Alice entered at 1400; a win over a 1000 opponent moves her little.
	if ranks["[U:1:111]"] <= 1400 || ranks["[U:1:111]"] > 1405 {
		t.Errorf("alice rank = %d, want slightly above 1400", ranks["[U:1:111]"])
	}
	// Bob entered at the default 1000 and lost.
	if ranks["[U:1:222]"] >= 1000 || ranks["[U:1:222]"] < 970 {
		t.Errorf("bob rank = %d, want slightly below 1000", ranks["[U:1:222]"])
	}
}

func TestDedupErrorPropagates(t *testing.T) {
	lines := append([]string{identityLine(t)}, matchLines(t, 10, "de_anubis", 1, 0)...)
	boom := errors.New("connection refused")
	st := &fakeStore{
		ExistsGameFunc: func(ctx context.Context, key models.NaturalKey) (bool, error) {
			return false, boom
		},
	}

	_, err := run(t, lines, st)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}
