package logic

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func TestGetMatchReportNotFound(t *testing.T) {
	pg := &MockPgPool{
		QueryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &MockRow{ErrVal: pgx.ErrNoRows}
		},
	}
	s := NewMatchReportService(pg)

	_, err := s.GetMatchReport(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetMatchReport(t *testing.T) {
	gameID := uuid.New()
	start := time.Date(2025, 11, 2, 20, 0, 0, 0, time.UTC)
	end := start.Add(47 * time.Minute)

	pg := &MockPgPool{
		QueryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &MockRow{Data: []any{
				gameID, "730", "de_anubis", "competitive", 13, 11, 47.0, start, end,
			}}
		},
		QueryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			switch {
			case strings.Contains(sql, "player_stats"):
				return &MockRows{Data: [][]any{
					{"[U:1:111]", end, "alice", 24, 10, 3, 12, 24, 2400.0, 1, 1032},
					{"[U:1:222]", end, "bob", 10, 24, 1, 2, 24, 1100.0, 0, 968},
				}}, nil
			case strings.Contains(sql, "accolades"):
				return &MockRows{Data: [][]any{
					{gameID, "mvps", "[U:1:111]", 7.0, 1, 21.0},
				}}, nil
			case strings.Contains(sql, "game_events"):
				return &MockRows{Data: [][]any{
					{start.Add(time.Minute), "KILL", "alice", "bob", "ak47", true, ""},
				}}, nil
			}
			t.Fatalf("unexpected query: %s", sql)
			return nil, nil
		},
	}
	s := NewMatchReportService(pg)

	got, err := s.GetMatchReport(context.Background(), gameID)
	if err != nil {
		t.Fatalf("GetMatchReport: %v", err)
	}
	if got.Game.Map != "de_anubis" || got.Game.Score1 != 13 {
		t.Errorf("game = %+v", got.Game)
	}
	if len(got.Scoreboard) != 2 || got.Scoreboard[0].Nickname != "alice" {
		t.Errorf("scoreboard = %+v", got.Scoreboard)
	}
	if len(got.Accolades) != 1 || got.Accolades[0].Type != "mvps" {
		t.Errorf("accolades = %+v", got.Accolades)
	}
	if len(got.Timeline) != 1 || !got.Timeline[0].Headshot {
		t.Errorf("timeline = %+v", got.Timeline)
	}
}

func TestGetMatchReportChildQueryFails(t *testing.T) {
	boom := errors.New("connection refused")
	pg := &MockPgPool{
		QueryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &MockRow{Data: []any{
				uuid.New(), "730", "de_anubis", "competitive", 13, 11, 47.0, time.Now(), time.Now(),
			}}
		},
		QueryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return nil, boom
		},
	}
	s := NewMatchReportService(pg)

	if _, err := s.GetMatchReport(context.Background(), uuid.New()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped query error", err)
	}
}
