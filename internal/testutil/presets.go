package testutil

import (
	"time"

	"github.com/zjrosen/batchflow/internal/batch"
	"github.com/zjrosen/batchflow/internal/engine"
)

// WithStandardTestData adds three settled batches created a day apart,
// oldest first:
//
//	completed  alice  upscale-enhance  a, b        both completed
//	partial    alice  alice/shots@v1   a, b, c     b failed
//	cancelled  bob    scene-to-video   a, b, c, d  a completed, rest cancelled
func (b *Builder) WithStandardTestData() *Builder {
	now := time.Now().UTC().Truncate(time.Millisecond)
	twoDaysAgo := now.Add(-48 * time.Hour)
	yesterday := now.Add(-24 * time.Hour)

	return b.
		WithBatch(
			Owner("alice"), Template("upscale-enhance"), CreatedAt(twoDaysAgo),
			Inputs("a", "b"),
			Results(
				NewResult("a", Step("enhance", engine.StepSuccess, 1)),
				NewResult("b", Step("enhance", engine.StepSuccess, 2)),
			),
			Status(batch.StatusCompleted)).
		WithBatch(
			Owner("alice"), Template("alice/shots@v1"), CreatedAt(yesterday),
			Inputs("a", "b", "c"),
			Results(
				NewResult("a"),
				NewResult("b", Step("upscale", engine.StepSuccess, 3), Failed("upscaler timed out")),
				NewResult("c", Took(3*time.Second)),
			),
			Status(batch.StatusCompleted)).
		WithBatch(
			Owner("bob"), Template("scene-to-video"), CreatedAt(now),
			Inputs("a", "b", "c", "d"),
			Results(NewResult("a", Step("animate", engine.StepSkipped, 0))),
			Status(batch.StatusCancelled))
}
