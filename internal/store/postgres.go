// Package store is the transactional persistence adapter. A match and all of
// its children are committed in a single Postgres transaction; the natural
// key unique index makes concurrent ingests of the same log race safely.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cs2central/stats-api/internal/models"
)

const (
	maxCommitAttempts = 3
	retryBaseDelay    = 250 * time.Millisecond
	dedupCacheTTL     = 24 * time.Hour
)

// pgUniqueViolation is the SQLSTATE for a unique index conflict.
const pgUniqueViolation = "23505"

// transientCodes are SQLSTATEs worth retrying: serialization failures,
// deadlocks and admin-initiated shutdowns.
var transientCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"57P01": {}, // admin_shutdown
}

type Store struct {
	db     *pgxpool.Pool
	rdb    *redis.Client
	logger *zap.SugaredLogger
}

func New(db *pgxpool.Pool, rdb *redis.Client, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, rdb: rdb, logger: logger}
}

func dedupCacheKey(key models.NaturalKey) string {
	return "ingest:game:" + key.String()
}

// ExistsGame reports whether a match with this natural key has been
// committed. The Redis cache fronts the unique index; a cache miss falls
// through to Postgres.
func (s *Store) ExistsGame(ctx context.Context, key models.NaturalKey) (bool, error) {
	if s.rdb != nil {
		if _, err := s.rdb.Get(ctx, dedupCacheKey(key)).Result(); err == nil {
			return true, nil
		} else if err != redis.Nil {
			s.logger.Warnw("Dedup cache read failed, falling back to Postgres", "error", err)
		}
	}

	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM games WHERE server_id = $1 AND end_time = $2 AND map = $3)`,
		key.ServerID, key.EndTime, key.Map,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query game by natural key: %w", err)
	}

	if exists {
		s.cacheNaturalKey(ctx, key)
	}
	return exists, nil
}

func (s *Store) cacheNaturalKey(ctx context.Context, key models.NaturalKey) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, dedupCacheKey(key), "1", dedupCacheTTL).Err(); err != nil {
		s.logger.Warnw("Dedup cache write failed", "error", err)
	}
}

// CommitMatch writes a match and its events, accolades and stats snapshots
// atomically. A natural key conflict returns models.ErrAlreadyIngested;
// transient failures are retried with exponential backoff.
func (s *Store) CommitMatch(ctx context.Context, game *models.Game, events []models.GameEvent, accolades []models.Accolade, stats []models.PlayerStatsSnapshot) error {
	var err error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			s.logger.Warnw("Retrying match commit",
				"game_id", game.ID, "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = s.commitOnce(ctx, game, events, accolades, stats)
		if err == nil {
			s.cacheNaturalKey(ctx, game.NaturalKey())
			return nil
		}
		if errors.Is(err, models.ErrAlreadyIngested) {
			s.cacheNaturalKey(ctx, game.NaturalKey())
			return err
		}
		if !isTransient(err) {
			return err
		}
	}
	return fmt.Errorf("commit gave up after %d attempts: %w", maxCommitAttempts, err)
}

func (s *Store) commitOnce(ctx context.Context, game *models.Game, events []models.GameEvent, accolades []models.Accolade, stats []models.PlayerStatsSnapshot) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO games (id, server_id, map, mode, score1, score2, duration_minutes, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, game.ID, game.ServerID, game.Map, game.Mode, game.Score1, game.Score2, game.Duration, game.StartTime, game.EndTime)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.ErrAlreadyIngested
		}
		return fmt.Errorf("insert game: %w", err)
	}

	if err := copyEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := copyAccolades(ctx, tx, accolades); err != nil {
		return err
	}
	if err := copyStats(ctx, tx, stats); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func copyEvents(ctx context.Context, tx pgx.Tx, events []models.GameEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"game_events"},
		[]string{
			"id", "game_id", "kind", "timestamp", "round_start_ref",
			"actor_id", "actor_name", "actor_team",
			"target_id", "target_name", "target_team",
			"weapon", "headshot", "damage", "armor_damage", "hitgroup", "site", "scorecard",
		},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			ev := events[i]
			var scorecard []byte
			if len(ev.Scorecard) > 0 {
				b, err := json.Marshal(ev.Scorecard)
				if err != nil {
					return nil, fmt.Errorf("marshal scorecard: %w", err)
				}
				scorecard = b
			}
			return []any{
				ev.ID, ev.GameID, string(ev.Kind), ev.Timestamp, ev.RoundStartRef,
				ev.ActorID, ev.ActorName, string(ev.ActorTeam),
				ev.TargetID, ev.TargetName, string(ev.TargetTeam),
				ev.Weapon, ev.Headshot, ev.Damage, ev.ArmorDamage, ev.Hitgroup, ev.Site, scorecard,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy game events: %w", err)
	}
	return nil
}

func copyAccolades(ctx context.Context, tx pgx.Tx, accolades []models.Accolade) error {
	if len(accolades) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"accolades"},
		[]string{"game_id", "type", "player_id", "value", "position", "score"},
		pgx.CopyFromSlice(len(accolades), func(i int) ([]any, error) {
			a := accolades[i]
			return []any{a.GameID, a.Type, a.PlayerID, a.Value, a.Position, a.Score}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy accolades: %w", err)
	}
	return nil
}

func copyStats(ctx context.Context, tx pgx.Tx, stats []models.PlayerStatsSnapshot) error {
	if len(stats) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"player_stats"},
		[]string{
			"player_id", "game_timestamp", "last_seen_nickname",
			"kills", "deaths", "assists", "headshot_kills",
			"rounds_played", "damage_dealt", "clutches_won", "rank",
		},
		pgx.CopyFromSlice(len(stats), func(i int) ([]any, error) {
			st := stats[i]
			return []any{
				st.PlayerID, st.GameTimestamp, st.Nickname,
				st.Kills, st.Deaths, st.Assists, st.HeadshotKills,
				st.RoundsPlayed, st.DamageDealt, st.ClutchesWon, st.Rank,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy player stats: %w", err)
	}
	return nil
}

// Ratings returns the latest persisted rank per requested player. Players
// with no snapshot are simply absent from the result.
func (s *Store) Ratings(ctx context.Context, playerIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(playerIDs))
	if len(playerIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (player_id) player_id, rank
		FROM player_stats
		WHERE player_id = ANY($1)
		ORDER BY player_id, game_timestamp DESC
	`, playerIDs)
	if err != nil {
		return nil, fmt.Errorf("query ratings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var rank int
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		out[id] = float64(rank)
	}
	return out, rows.Err()
}

// DeleteGame removes a match and every row hanging off it, including the
// dedup cache entry, so the log can be re-ingested.
func (s *Store) DeleteGame(ctx context.Context, gameID uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var key models.NaturalKey
	err = tx.QueryRow(ctx,
		`SELECT server_id, end_time, map FROM games WHERE id = $1`, gameID,
	).Scan(&key.ServerID, &key.EndTime, &key.Map)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("load game %s: %w", gameID, err)
	}

	// Stats snapshots are keyed by (player, game end time), not game id.
	if _, err := tx.Exec(ctx, `DELETE FROM player_stats WHERE game_timestamp = $1`, key.EndTime); err != nil {
		return fmt.Errorf("delete player stats: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM accolades WHERE game_id = $1`, gameID); err != nil {
		return fmt.Errorf("delete accolades: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM game_events WHERE game_id = $1`, gameID); err != nil {
		return fmt.Errorf("delete game events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM games WHERE id = $1`, gameID); err != nil {
		return fmt.Errorf("delete game: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if s.rdb != nil {
		if err := s.rdb.Del(ctx, dedupCacheKey(key)).Err(); err != nil {
			s.logger.Warnw("Dedup cache delete failed", "error", err)
		}
	}
	return nil
}

// isTransient classifies a commit failure as retryable. Postgres errors are
// retried only for serialization, deadlock, shutdown and connection-class
// SQLSTATEs; anything that is not a Postgres error is assumed to be a
// network fault. Context cancellation is never retried.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := transientCodes[pgErr.Code]; ok {
			return true
		}
		// Class 08: connection exceptions.
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	return true
}
