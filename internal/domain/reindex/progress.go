package reindex

import (
	"context"
	"time"
)

// Progress is the most recent progress report of a task.
type Progress struct {
	Percent int64
	SubTask string
	Message string
	At      time.Time
}

// ProgressSink receives progress reports from a running command.
type ProgressSink interface {
	MakeProgress(ctx context.Context, percent int64, subTask, message string)
}

// NoopProgressSink discards progress.
type NoopProgressSink struct{}

func (NoopProgressSink) MakeProgress(context.Context, int64, string, string) {}

// PercentOf returns done as a whole percentage of total, clamped to [0,100].
// An empty total counts as finished.
func PercentOf(done, total int64) int64 {
	if total <= 0 {
		return 100
	}
	p := done * 100 / total
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
