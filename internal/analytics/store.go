package analytics

import (
	"context"

	"github.com/cs2central/stats-api/internal/match"
	"github.com/cs2central/stats-api/internal/models"
)

// Store decorates a match store so every successful commit is mirrored to
// ClickHouse in the background.
type Store struct {
	match.Store
	sink *Sink
}

func WrapStore(inner match.Store, sink *Sink) *Store {
	return &Store{Store: inner, sink: sink}
}

func (s *Store) CommitMatch(ctx context.Context, game *models.Game, events []models.GameEvent, accolades []models.Accolade, stats []models.PlayerStatsSnapshot) error {
	if err := s.Store.CommitMatch(ctx, game, events, accolades, stats); err != nil {
		return err
	}

	// Detached from the ingest context: the commit already succeeded and the
	// mirror write should not be cut short by job teardown.
	go func() {
		mctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.sink.WriteMatch(mctx, game, events); err != nil {
			s.sink.logger.Errorw("Analytics mirror write failed",
				"game_id", game.ID, "events", len(events), "error", err)
		}
	}()
	return nil
}
