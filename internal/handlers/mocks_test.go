package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/cs2central/stats-api/internal/logic"
	"github.com/cs2central/stats-api/internal/models"
)

// MockQueue implements IngestQueue for testing
type MockQueue struct {
	SubmitFunc     func(path string) (uuid.UUID, bool)
	QueueDepthFunc func() int
}

func (m *MockQueue) Submit(path string) (uuid.UUID, bool) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(path)
	}
	return uuid.New(), true
}

func (m *MockQueue) QueueDepth() int {
	if m.QueueDepthFunc != nil {
		return m.QueueDepthFunc()
	}
	return 0
}

// MockRankingsService implements logic.RankingsService for testing
type MockRankingsService struct {
	LeaderboardFunc func(ctx context.Context, limit int) ([]models.RankingEntry, error)
}

func (m *MockRankingsService) Leaderboard(ctx context.Context, limit int) ([]models.RankingEntry, error) {
	if m.LeaderboardFunc != nil {
		return m.LeaderboardFunc(ctx, limit)
	}
	return []models.RankingEntry{}, nil
}

// MockMatchReportService implements logic.MatchReportService for testing
type MockMatchReportService struct {
	GetMatchReportFunc func(ctx context.Context, gameID uuid.UUID) (*logic.MatchReport, error)
}

func (m *MockMatchReportService) GetMatchReport(ctx context.Context, gameID uuid.UUID) (*logic.MatchReport, error) {
	if m.GetMatchReportFunc != nil {
		return m.GetMatchReportFunc(ctx, gameID)
	}
	return &logic.MatchReport{}, nil
}
