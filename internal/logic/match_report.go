package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/cs2central/stats-api/internal/models"
)

// timelineLimit caps how many events the report timeline returns.
const timelineLimit = 500

type matchReportService struct {
	pg PgPool
}

func NewMatchReportService(pg PgPool) MatchReportService {
	return &matchReportService{pg: pg}
}

type TimelineEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Kind      models.EventKind `json:"kind"`
	Actor     string           `json:"actor,omitempty"`
	Target    string           `json:"target,omitempty"`
	Weapon    string           `json:"weapon,omitempty"`
	Headshot  bool             `json:"headshot,omitempty"`
	Site      string           `json:"site,omitempty"`
}

type MatchReport struct {
	Game       models.Game                  `json:"game"`
	Scoreboard []models.PlayerStatsSnapshot `json:"scoreboard"`
	Accolades  []models.Accolade            `json:"accolades"`
	Timeline   []TimelineEvent              `json:"timeline"`
}

// GetMatchReport assembles the full report for one match. The game row is
// loaded first; scoreboard, accolades and timeline fan out concurrently.
func (s *matchReportService) GetMatchReport(ctx context.Context, gameID uuid.UUID) (*MatchReport, error) {
	report := &MatchReport{}

	err := s.pg.QueryRow(ctx, `
		SELECT id, server_id, map, mode, score1, score2, duration_minutes, start_time, end_time
		FROM games WHERE id = $1
	`, gameID).Scan(
		&report.Game.ID, &report.Game.ServerID, &report.Game.Map, &report.Game.Mode,
		&report.Game.Score1, &report.Game.Score2, &report.Game.Duration,
		&report.Game.StartTime, &report.Game.EndTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load game %s: %w", gameID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		report.Scoreboard, err = s.scoreboard(gctx, report.Game.EndTime)
		return err
	})
	g.Go(func() error {
		var err error
		report.Accolades, err = s.accolades(gctx, gameID)
		return err
	})
	g.Go(func() error {
		var err error
		report.Timeline, err = s.timeline(gctx, gameID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *matchReportService) scoreboard(ctx context.Context, gameEnd time.Time) ([]models.PlayerStatsSnapshot, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT player_id, game_timestamp, last_seen_nickname,
			kills, deaths, assists, headshot_kills,
			rounds_played, damage_dealt, clutches_won, rank
		FROM player_stats
		WHERE game_timestamp = $1
		ORDER BY kills DESC, player_id
	`, gameEnd)
	if err != nil {
		return nil, fmt.Errorf("query scoreboard: %w", err)
	}
	defer rows.Close()

	out := []models.PlayerStatsSnapshot{}
	for rows.Next() {
		var st models.PlayerStatsSnapshot
		if err := rows.Scan(
			&st.PlayerID, &st.GameTimestamp, &st.Nickname,
			&st.Kills, &st.Deaths, &st.Assists, &st.HeadshotKills,
			&st.RoundsPlayed, &st.DamageDealt, &st.ClutchesWon, &st.Rank,
		); err != nil {
			return nil, fmt.Errorf("scan scoreboard row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *matchReportService) accolades(ctx context.Context, gameID uuid.UUID) ([]models.Accolade, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT game_id, type, player_id, value, position, score
		FROM accolades
		WHERE game_id = $1
		ORDER BY type, position
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("query accolades: %w", err)
	}
	defer rows.Close()

	out := []models.Accolade{}
	for rows.Next() {
		var a models.Accolade
		if err := rows.Scan(&a.GameID, &a.Type, &a.PlayerID, &a.Value, &a.Position, &a.Score); err != nil {
			return nil, fmt.Errorf("scan accolade row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *matchReportService) timeline(ctx context.Context, gameID uuid.UUID) ([]TimelineEvent, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT timestamp, kind, actor_name, target_name, weapon, headshot, site
		FROM game_events
		WHERE game_id = $1
		  AND kind IN ('KILL', 'BOMB_PLANT', 'BOMB_DEFUSED', 'BOMB_EXPLODED', 'ROUND_START', 'ROUND_END')
		ORDER BY timestamp
		LIMIT $2
	`, gameID, timelineLimit)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	out := []TimelineEvent{}
	for rows.Next() {
		var t TimelineEvent
		if err := rows.Scan(&t.Timestamp, &t.Kind, &t.Actor, &t.Target, &t.Weapon, &t.Headshot, &t.Site); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
