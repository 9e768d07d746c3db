// Package ingest drives one log file through the lexer, the match state
// machine and the event processor.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/cs2central/stats-api/internal/match"
	"github.com/cs2central/stats-api/internal/parser"
)

// DefaultMaxLogLines caps how many lines a single log may contain. A full
// competitive match is well under a hundred thousand lines.
const DefaultMaxLogLines = 1_000_000

// maxLineBytes bounds a single log line; scorecard JSON is the longest
// thing servers emit and stays far below this.
const maxLineBytes = 1 << 20

// ErrLogTooLarge means the log exceeded the configured line ceiling.
var ErrLogTooLarge = errors.New("log exceeds maximum line count")

// Report summarizes one ingest run.
type Report struct {
	Lines          int `json:"lines"`
	SkippedLines   int `json:"skipped_lines"`
	GamesCommitted int `json:"games_committed"`
}

type Driver struct {
	store    match.Store
	logger   *zap.SugaredLogger
	maxLines int
}

func NewDriver(store match.Store, logger *zap.SugaredLogger, maxLines int) *Driver {
	if maxLines <= 0 {
		maxLines = DefaultMaxLogLines
	}
	return &Driver{store: store, logger: logger, maxLines: maxLines}
}

// Run ingests one log. The whole log is lexed up front because match
// acceptance rewinds the cursor to replay rounds; the cursor then walks the
// entry array under the machine's control.
func (d *Driver) Run(ctx context.Context, r io.Reader) (*Report, error) {
	report := &Report{}

	entries, err := d.lex(r, report)
	if err != nil {
		return report, err
	}

	cx := match.NewContext()
	m := match.NewMachine(entries, d.store, cx, d.logger)
	p := match.NewProcessor(cx, d.store, d.logger)

	for i := 0; i < len(entries); {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("ingest aborted at line %d: %w", i, err)
		}

		step, err := m.Step(ctx, i)
		if err != nil {
			return report, err
		}
		if step.Event != nil {
			if err := p.Apply(ctx, step.Event); err != nil {
				return report, err
			}
		}
		i = step.Next + 1

		report.GamesCommitted = cx.Committed()
	}

	report.GamesCommitted = cx.Committed()
	return report, nil
}

func (d *Driver) lex(r io.Reader, report *Report) ([]parser.Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var entries []parser.Entry
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		if len(entries) >= d.maxLines {
			return nil, fmt.Errorf("%w: more than %d lines", ErrLogTooLarge, d.maxLines)
		}

		entry, err := parser.ParseLine(line)
		if err != nil {
			report.SkippedLines++
			d.logger.Debugw("Skipping unparseable line", "line", len(entries)+report.SkippedLines, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	report.Lines = len(entries)
	return entries, nil
}
