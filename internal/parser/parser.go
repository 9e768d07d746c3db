// Package parser recognizes single CS2 server log lines.
//
// Every line arrives as a JSON envelope {"time": <ISO-8601>, "log": <raw>}.
// ParseLine extracts the timestamp and runs the inner string through an
// ordered list of recognizers. Order matters: ServerIdentity is tried before
// any game pattern, and Attack before Kill, because an unescaped player name
// containing "killed" could otherwise shadow an attack line.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cs2central/stats-api/internal/models"
)

// Position is a world coordinate triple from the log.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// PlayerRef identifies a player as printed in the log:
// "<name><slot><steamid|BOT><team>".
type PlayerRef struct {
	Name    string      `json:"name"`
	Slot    int         `json:"slot"`
	SteamID string      `json:"steam_id"`
	Team    models.Team `json:"team"`
	Bot     bool        `json:"bot"`
}

// Record is the tagged result of recognizing one line.
type Record interface {
	Type() string
}

type (
	// ServerIdentity is emitted once when the dedicated server boots and
	// must be seen before any game-over is honored.
	ServerIdentity struct {
		AppServerID string `json:"app_server_id"`
	}

	Kill struct {
		Killer    PlayerRef `json:"killer"`
		Victim    PlayerRef `json:"victim"`
		KillerPos *Position `json:"killer_pos,omitempty"`
		VictimPos *Position `json:"victim_pos,omitempty"`
		Weapon    string    `json:"weapon"`
		Headshot  bool      `json:"headshot"`
		Modifiers []string  `json:"modifiers,omitempty"`
	}

	Attack struct {
		Attacker        PlayerRef `json:"attacker"`
		Victim          PlayerRef `json:"victim"`
		AttackerPos     *Position `json:"attacker_pos,omitempty"`
		VictimPos       *Position `json:"victim_pos,omitempty"`
		Weapon          string    `json:"weapon"`
		Damage          int       `json:"damage"`
		ArmorDamage     int       `json:"armor_damage"`
		HealthRemaining int       `json:"health_remaining"`
		ArmorRemaining  int       `json:"armor_remaining"`
		Hitgroup        string    `json:"hitgroup"`
	}

	Assist struct {
		Assister PlayerRef `json:"assister"`
		Victim   PlayerRef `json:"victim"`
		Flash    bool      `json:"flash"`
	}

	RoundStart struct{}

	// RoundEnd is the marker line only. The scorecard block that follows it
	// (JSON_BEGIN..JSON_END) is assembled by the caller, which owns the line
	// array, and decoded with ParseScorecard.
	RoundEnd struct{}

	GameOver struct {
		Mode            string `json:"mode"`
		MapGroup        string `json:"map_group"`
		Map             string `json:"map"`
		Score1          int    `json:"score1"`
		Score2          int    `json:"score2"`
		DurationMinutes int    `json:"duration_minutes"`
	}

	Accolade struct {
		Kind       string  `json:"kind"`
		PlayerName string  `json:"player_name"`
		PlayerSlot int     `json:"player_slot"`
		Value      float64 `json:"value"`
		Position   int     `json:"position"`
		Score      float64 `json:"score"`
	}

	BombPlant struct {
		Player PlayerRef `json:"player"`
		Site   string    `json:"site"`
	}

	BombDefuseBegin struct {
		Player  PlayerRef `json:"player"`
		WithKit bool      `json:"with_kit"`
	}

	BombDefused  struct{}
	BombExploded struct{}
)

func (ServerIdentity) Type() string  { return "server_identity" }
func (Kill) Type() string            { return "kill" }
func (Attack) Type() string          { return "attack" }
func (Assist) Type() string          { return "assist" }
func (RoundStart) Type() string      { return "round_start" }
func (RoundEnd) Type() string        { return "round_end" }
func (GameOver) Type() string        { return "game_over" }
func (Accolade) Type() string        { return "accolade" }
func (BombPlant) Type() string       { return "bomb_plant" }
func (BombDefuseBegin) Type() string { return "bomb_defuse_begin" }
func (BombDefused) Type() string     { return "bomb_defused" }
func (BombExploded) Type() string    { return "bomb_exploded" }

// playerPat matches "<name><slot><steamid|BOT><team>". Name is lazy so a
// quote inside a name cannot swallow the rest of the line.
const playerPat = `"(.*?)<(\d+)><(\[?[\w:_]+\]?)><(CT|TERRORIST|Unassigned|Spectator)?>"`

// posPat is an optional coordinate triple.
const posPat = `(?:\[(-?\d+) (-?\d+) (-?\d+)\] )?`

const (
	ServerIdentityPattern  = `ResetBreakpadAppId: Setting dedicated server app id: (\d+)`
	AttackPattern          = playerPat + ` ` + posPat + `attacked ` + playerPat + ` ` + posPat + `with "([\w-]+)" \(damage "(\d+)"\) \(damage_armor "(\d+)"\) \(health "(\d+)"\) \(armor "(\d+)"\) \(hitgroup "([\w ]+)"\)`
	KillPattern            = playerPat + ` ` + posPat + `killed ` + playerPat + ` ` + posPat + `with "([\w-]+)"(?: \(([a-z ]+)\))?`
	AssistPattern          = playerPat + ` (flash-)?assisted killing ` + playerPat
	RoundStartPattern      = `World triggered "Round_Start"`
	RoundEndPattern        = `World triggered "Round_End"`
	GameOverPattern        = `Game Over: (\w+) ([\w-]+) ([\w-]+) score (\d+):(\d+) after (\d+) min`
	AccoladePattern        = `ACCOLADE, FINAL: \{(\w+)\},\s+(.*?)<(\d+)>,\s+VALUE: ([\d.]+),\s+POS: (\d+),\s+SCORE: ([\d.]+)`
	BombPlantPattern       = playerPat + ` triggered "Planted_The_Bomb" at bombsite (A|B)`
	BombDefuseBeginPattern = playerPat + ` triggered "Begin_Bomb_Defuse_With(out)?_Kit"`
	BombDefusedPattern     = `Team "CT" triggered "SFUI_Notice_Bomb_Defused"`
	BombExplodedPattern    = `Team "TERRORIST" triggered "SFUI_Notice_Target_Bombed"`
)

type recordFunc func(r []string) Record

type recognizer struct {
	re  *regexp.Regexp
	fun recordFunc
}

// recognizers are attempted in order; first match wins.
var recognizers = []recognizer{
	{regexp.MustCompile(ServerIdentityPattern), newServerIdentity},
	{regexp.MustCompile(AttackPattern), newAttack},
	{regexp.MustCompile(KillPattern), newKill},
	{regexp.MustCompile(AssistPattern), newAssist},
	{regexp.MustCompile(RoundStartPattern), newRoundStart},
	{regexp.MustCompile(RoundEndPattern), newRoundEnd},
	{regexp.MustCompile(GameOverPattern), newGameOver},
	{regexp.MustCompile(AccoladePattern), newAccolade},
	{regexp.MustCompile(BombPlantPattern), newBombPlant},
	{regexp.MustCompile(BombDefuseBeginPattern), newBombDefuseBegin},
	{regexp.MustCompile(BombDefusedPattern), newBombDefused},
	{regexp.MustCompile(BombExplodedPattern), newBombExploded},
}

type envelope struct {
	Time time.Time `json:"time"`
	Log  string    `json:"log"`
}

// Entry is one lexed line: wall-clock timestamp, the inner log string, and
// the recognized record (nil when no pattern matched).
type Entry struct {
	Time time.Time
	Raw  string
	Rec  Record
}

// ParseLine unwraps the JSON envelope and recognizes the inner log string.
// An unrecognized inner string is not an error; Rec is simply nil. A broken
// envelope is an error the caller should log and skip.
func ParseLine(line string) (Entry, error) {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Entry{}, fmt.Errorf("log line envelope: %w", err)
	}
	if env.Time.IsZero() {
		return Entry{}, fmt.Errorf("log line envelope: missing time")
	}
	e := Entry{Time: env.Time.UTC(), Raw: env.Log}
	for _, rec := range recognizers {
		if m := rec.re.FindStringSubmatch(env.Log); m != nil {
			e.Rec = rec.fun(m)
			return e, nil
		}
	}
	return e, nil
}

func newServerIdentity(r []string) Record {
	return ServerIdentity{AppServerID: r[1]}
}

func newKill(r []string) Record {
	mods := strings.Fields(r[16])
	return Kill{
		Killer:    toPlayer(r[1:5]),
		KillerPos: toPos(r[5:8]),
		Victim:    toPlayer(r[8:12]),
		VictimPos: toPos(r[12:15]),
		Weapon:    r[15],
		Modifiers: mods,
		Headshot:  containsToken(mods, "headshot"),
	}
}

func newAttack(r []string) Record {
	return Attack{
		Attacker:        toPlayer(r[1:5]),
		AttackerPos:     toPos(r[5:8]),
		Victim:          toPlayer(r[8:12]),
		VictimPos:       toPos(r[12:15]),
		Weapon:          r[15],
		Damage:          toInt(r[16]),
		ArmorDamage:     toInt(r[17]),
		HealthRemaining: toInt(r[18]),
		ArmorRemaining:  toInt(r[19]),
		Hitgroup:        r[20],
	}
}

func newAssist(r []string) Record {
	return Assist{
		Assister: toPlayer(r[1:5]),
		Flash:    r[5] == "flash-",
		Victim:   toPlayer(r[6:10]),
	}
}

func newRoundStart(r []string) Record { return RoundStart{} }
func newRoundEnd(r []string) Record   { return RoundEnd{} }

func newGameOver(r []string) Record {
	return GameOver{
		Mode:            r[1],
		MapGroup:        r[2],
		Map:             r[3],
		Score1:          toInt(r[4]),
		Score2:          toInt(r[5]),
		DurationMinutes: toInt(r[6]),
	}
}

func newAccolade(r []string) Record {
	return Accolade{
		Kind:       r[1],
		PlayerName: r[2],
		PlayerSlot: toInt(r[3]),
		Value:      toFloat(r[4]),
		Position:   toInt(r[5]),
		Score:      toFloat(r[6]),
	}
}

func newBombPlant(r []string) Record {
	return BombPlant{Player: toPlayer(r[1:5]), Site: r[5]}
}

func newBombDefuseBegin(r []string) Record {
	return BombDefuseBegin{Player: toPlayer(r[1:5]), WithKit: r[5] != "out"}
}

func newBombDefused(r []string) Record  { return BombDefused{} }
func newBombExploded(r []string) Record { return BombExploded{} }

func toPlayer(r []string) PlayerRef {
	return PlayerRef{
		Name:    r[0],
		Slot:    toInt(r[1]),
		SteamID: r[2],
		Team:    models.TeamFromLog(r[3]),
		Bot:     r[2] == "BOT",
	}
}

// toPos converts captured coordinates; a missing or malformed capture yields
// nil, never a failure.
func toPos(r []string) *Position {
	x, errX := strconv.Atoi(r[0])
	y, errY := strconv.Atoi(r[1])
	z, errZ := strconv.Atoi(r[2])
	if errX != nil || errY != nil || errZ != nil {
		return nil
	}
	return &Position{X: x, Y: y, Z: z}
}

func toInt(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func containsToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}
