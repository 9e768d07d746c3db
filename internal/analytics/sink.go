// Package analytics mirrors committed match events into ClickHouse for
// ad-hoc analysis. Postgres remains the system of record; a failed mirror
// write never fails an ingest.
package analytics

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/cs2central/stats-api/internal/models"
)

const insertEventsSQL = `
	INSERT INTO cs2_stats.match_events (
		event_id, game_id, server_id, map_name, kind, timestamp,
		round_start_ref, actor_id, actor_name, actor_team,
		target_id, target_name, target_team,
		weapon, headshot, damage, armor_damage, hitgroup, site
	)
`

const mirrorTimeout = 30 * time.Second

type Sink struct {
	ch     driver.Conn
	logger *zap.SugaredLogger
}

func NewSink(ch driver.Conn, logger *zap.SugaredLogger) *Sink {
	return &Sink{ch: ch, logger: logger}
}

// WriteMatch batches one committed match's events into ClickHouse.
func (s *Sink) WriteMatch(ctx context.Context, game *models.Game, events []models.GameEvent) error {
	batch, err := s.ch.PrepareBatch(ctx, insertEventsSQL)
	if err != nil {
		return err
	}

	for _, ev := range events {
		var roundRef string
		if ev.RoundStartRef != nil {
			roundRef = ev.RoundStartRef.String()
		}
		headshot := uint8(0)
		if ev.Headshot {
			headshot = 1
		}
		err := batch.Append(
			ev.ID.String(), game.ID.String(), game.ServerID, game.Map,
			string(ev.Kind), ev.Timestamp,
			roundRef, ev.ActorID, ev.ActorName, string(ev.ActorTeam),
			ev.TargetID, ev.TargetName, string(ev.TargetTeam),
			ev.Weapon, headshot, uint32(ev.Damage), uint32(ev.ArmorDamage), ev.Hitgroup, ev.Site,
		)
		if err != nil {
			s.logger.Warnw("Failed to append event to analytics batch", "kind", ev.Kind, "error", err)
			continue
		}
	}

	return batch.Send()
}
