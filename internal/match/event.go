package match

import (
	"time"

	"github.com/cs2central/stats-api/internal/models"
	"github.com/cs2central/stats-api/internal/parser"
)

// Event is one unit of the stream the state machine emits to the processor.
// Dispatch is by Kind; Record carries the lexed payload and is nil for the
// synthetic GAME_PROCESSED event. Scorecard is set on ROUND_END only.
type Event struct {
	Kind      models.EventKind
	Time      time.Time
	Record    parser.Record
	Scorecard *parser.Scorecard
}
