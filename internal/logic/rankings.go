package logic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cs2central/stats-api/internal/models"
)

const (
	defaultLeaderboardLimit = 100
	maxLeaderboardLimit     = 500
	rankingsCacheTTL        = time.Minute
)

type rankingsService struct {
	pg     PgPool
	rdb    RedisClient
	logger *zap.SugaredLogger
}

func NewRankingsService(pg PgPool, rdb RedisClient, logger *zap.SugaredLogger) RankingsService {
	return &rankingsService{pg: pg, rdb: rdb, logger: logger}
}

// Leaderboard returns players ordered by their latest rating. Lifetime kill
// and death totals are summed across all snapshots; the rating comes from
// the most recent one.
func (s *rankingsService) Leaderboard(ctx context.Context, limit int) ([]models.RankingEntry, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}

	cacheKey := fmt.Sprintf("rankings:top:%d", limit)
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil {
			var cached []models.RankingEntry
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return cached, nil
			}
		} else if err != redis.Nil {
			s.logger.Warnw("Rankings cache read failed", "error", err)
		}
	}

	rows, err := s.pg.Query(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (player_id)
				player_id, last_seen_nickname, rank, game_timestamp
			FROM player_stats
			ORDER BY player_id, game_timestamp DESC
		),
		totals AS (
			SELECT player_id, SUM(kills) AS kills, SUM(deaths) AS deaths
			FROM player_stats
			GROUP BY player_id
		)
		SELECT l.player_id, l.last_seen_nickname, l.rank, t.kills, t.deaths, l.game_timestamp
		FROM latest l
		JOIN totals t USING (player_id)
		ORDER BY l.rank DESC, l.player_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []models.RankingEntry{}
	for rows.Next() {
		var e models.RankingEntry
		var kills, deaths int64
		if err := rows.Scan(&e.PlayerID, &e.Nickname, &e.Rank, &kills, &deaths, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		e.Kills = int(kills)
		e.Deaths = int(deaths)
		if deaths > 0 {
			e.KDRatio = float64(kills) / float64(deaths)
		} else {
			e.KDRatio = float64(kills)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.rdb != nil {
		if raw, err := json.Marshal(entries); err == nil {
			if err := s.rdb.Set(ctx, cacheKey, raw, rankingsCacheTTL).Err(); err != nil {
				s.logger.Warnw("Rankings cache write failed", "error", err)
			}
		}
	}
	return entries, nil
}
