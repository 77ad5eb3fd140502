package verify

import (
	"fmt"

	"go.uber.org/zap"
)

type Stage int

const (
	StageScanning Stage = iota
	StageUnpacking
	StageParsingDedup
	StageValidating
	StageAggregating
	StageSummarized
)

func (s Stage) String() string {
	switch s {
	case StageScanning:
		return "scanning"
	case StageUnpacking:
		return "unpacking"
	case StageParsingDedup:
		return "parsing_dedup"
	case StageValidating:
		return "validating"
	case StageAggregating:
		return "aggregating"
	case StageSummarized:
		return "summarized"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// stageTracker only moves forward.
type stageTracker struct {
	current Stage
	logger  *zap.Logger
	visited []Stage
}

func newStageTracker(logger *zap.Logger) *stageTracker {
	tracker := &stageTracker{current: StageScanning, logger: logger, visited: []Stage{StageScanning}}
	logger.Debug("verify stage", zap.Stringer("stage", StageScanning))
	return tracker
}

func (t *stageTracker) advance(next Stage) {
	if next <= t.current {
		t.logger.Warn("ignoring backward stage transition",
			zap.Stringer("from", t.current),
			zap.Stringer("to", next),
		)
		return
	}
	t.current = next
	t.visited = append(t.visited, next)
	t.logger.Debug("verify stage", zap.Stringer("stage", next))
}
