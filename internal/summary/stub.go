package summary

import (
	"context"
	"time"

	"github.com/nudgebot/ingestsvc/internal/domain"
)

// StubSummarizer is a deterministic, non-networked Summarizer used when no
// model tier is configured (local dev, tests). It echoes a fixed acknowledgment
// body rather than attempting real distillation.
type StubSummarizer struct{}

const stubBody = "Thesis: the provided text is available, but this placeholder does not perform true distillation.\n" +
	"Key points:\n" +
	"- A summary was requested for the item's canonical text.\n" +
	"- This implementation is a stub and should be replaced with a real model call.\n" +
	"Why it matters: it enables end-to-end plumbing ahead of model integration."

// Summarize implements Summarizer.
func (StubSummarizer) Summarize(_ context.Context, _ string, tier domain.ModelKey) (Result, error) {
	start := time.Now()
	return Result{
		Text:      stubBody,
		Provider:  "placeholder",
		Model:     string(tier) + ":" + domain.PromptVersion,
		LatencyMS: int(time.Since(start).Milliseconds()),
	}, nil
}
