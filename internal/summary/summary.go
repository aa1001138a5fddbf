// Package summary implements C6: the on-demand synchronous summary
// pipeline. It validates preconditions, truncates input, reserves an
// attempt slot, invokes a pluggable tier model, and persists the result
// alongside the flipped attempt row.
package summary

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nudgebot/ingestsvc/internal/apierr"
	"github.com/nudgebot/ingestsvc/internal/domain"
	"github.com/nudgebot/ingestsvc/internal/events"
	"github.com/nudgebot/ingestsvc/internal/obs"
)

// Result is what a Summarizer returns for one generation call.
type Result struct {
	Text      string
	Provider  string
	Model     string
	LatencyMS int
}

// Summarizer is the single interface every model tier implementation (real
// or stub) depends on, per the "pluggable model tier" design note.
type Summarizer interface {
	Summarize(ctx context.Context, text string, tier domain.ModelKey) (Result, error)
}

// ItemStore is the subset of *store.Store the engine needs, narrowed so
// tests can substitute a fake without pulling in pgx.
type ItemStore interface {
	GetItem(ctx context.Context, itemID, userID uuid.UUID) (domain.Item, error)
	GetItemContent(ctx context.Context, itemID uuid.UUID) (domain.ItemContent, error)
	ReserveSummaryAttempt(ctx context.Context, itemID uuid.UUID, modelKey domain.ModelKey, promptVersion string, startedAt time.Time) (domain.SummaryAttempt, error)
	CompleteSummaryAttempt(ctx context.Context, attemptID uuid.UUID, summary domain.ItemSummary, provider, model *string, finishedAt time.Time, latencyMS *int) error
	FailSummaryAttempt(ctx context.Context, attemptID uuid.UUID, finishedAt time.Time, detail string) error
}

// Engine drives C6.
type Engine struct {
	store      ItemStore
	summarizer Summarizer
	events     *events.Publisher
	metrics    *obs.Metrics
	defaultKey domain.ModelKey
}

// New builds an Engine. defaultKey is normalized (lowercased) before use;
// an invalid value falls back to ModelMid.
func New(st ItemStore, sz Summarizer, pub *events.Publisher, m *obs.Metrics, defaultModelKey string) *Engine {
	key := domain.ModelKey(strings.ToLower(defaultModelKey))
	if !domain.ValidModelKeys[key] {
		key = domain.ModelMid
	}
	return &Engine{store: st, summarizer: sz, events: pub, metrics: m, defaultKey: key}
}

// Summarize implements the full C6 procedure and returns the normalized
// plain-text summary body on success.
func (e *Engine) Summarize(ctx context.Context, itemID, userID uuid.UUID, rawModelKey string) (string, error) {
	ctx, span := obs.StartSpan(ctx, "summary.summarize")
	defer span.End()

	modelKey, err := domain.NormalizeModelKey(rawModelKey, e.defaultKey)
	if err != nil {
		return "", apierr.UserInput("Invalid model_key", err)
	}

	item, err := e.store.GetItem(ctx, itemID, userID)
	if err != nil {
		return "", apierr.NotFound("Item not found.", err)
	}
	if item.Status != domain.StatusSucceeded {
		return "", apierr.StateConflict("Item is not in succeeded status.", domain.ErrNotSucceeded)
	}

	content, err := e.store.GetItemContent(ctx, itemID)
	if err != nil {
		return "", apierr.Internal("failed to load item content", err)
	}
	if content.CanonicalText == nil || strings.TrimSpace(*content.CanonicalText) == "" {
		return "", apierr.StateConflict("Item has no canonical_text to summarize.", domain.ErrNoCanonicalText)
	}

	canonical := *content.CanonicalText
	runes := []rune(canonical)
	inputCharsOriginal := len(runes)
	truncated := canonical
	if len(runes) > domain.MaxInputChars {
		truncated = string(runes[:domain.MaxInputChars])
	}
	inputCharsUsed := len([]rune(truncated))

	startedAt := time.Now().UTC()
	// Reservation is best-effort bookkeeping: if it fails we still attempt
	// the summary call, per §4.6 step 2.
	attempt, reserveErr := e.store.ReserveSummaryAttempt(ctx, itemID, modelKey, domain.PromptVersion, startedAt)

	start := time.Now()
	res, err := e.summarizer.Summarize(ctx, truncated, modelKey)
	obs.TimeSince(e.metrics.SummaryDuration, start)
	if err != nil {
		e.failReservation(ctx, reserveErr == nil, attempt.ID, err.Error())
		e.metrics.SummaryAttempts.WithLabelValues(string(modelKey), "failed").Inc()
		return "", apierr.Internal("Summary generation failed.", err)
	}

	summaryText := normalizeOutput(res.Text)
	outputWords := wordCount(summaryText)

	summaryRow := domain.ItemSummary{
		ID:                 uuid.New(),
		ItemID:             itemID,
		UserID:             userID,
		ModelKey:           modelKey,
		PromptVersion:      domain.PromptVersion,
		InputCharsOriginal: inputCharsOriginal,
		InputCharsUsed:     inputCharsUsed,
		OutputWords:        outputWords,
		SummaryText:        summaryText,
	}

	finishedAt := time.Now().UTC()
	var latencyPtr *int
	if res.LatencyMS > 0 {
		latencyPtr = &res.LatencyMS
	}
	provider, model := strPtr(res.Provider), strPtr(res.Model)

	if reserveErr == nil {
		if err := e.store.CompleteSummaryAttempt(ctx, attempt.ID, summaryRow, provider, model, finishedAt, latencyPtr); err != nil {
			e.metrics.SummaryAttempts.WithLabelValues(string(modelKey), "failed").Inc()
			return "", apierr.Internal("failed to persist summary", err)
		}
	} else {
		// Reservation never landed; persisting the summary row alone still
		// satisfies the contract (the attempt table is best-effort logging).
		if err := e.persistSummaryOnly(ctx, summaryRow); err != nil {
			e.metrics.SummaryAttempts.WithLabelValues(string(modelKey), "failed").Inc()
			return "", apierr.Internal("failed to persist summary", err)
		}
	}

	e.metrics.SummaryAttempts.WithLabelValues(string(modelKey), "succeeded").Inc()
	e.events.ItemSummarized(ctx, events.ItemSummarized{ItemID: itemID, UserID: userID, ModelKey: string(modelKey)})
	return summaryText, nil
}

// persistSummaryOnly covers the rare path where ReserveSummaryAttempt itself
// failed: CompleteSummaryAttempt cannot flip a row that was never inserted,
// so it falls back to ReserveSummaryAttempt+CompleteSummaryAttempt in one
// shot via a fresh reservation.
func (e *Engine) persistSummaryOnly(ctx context.Context, summaryRow domain.ItemSummary) error {
	attempt, err := e.store.ReserveSummaryAttempt(ctx, summaryRow.ItemID, summaryRow.ModelKey, summaryRow.PromptVersion, time.Now().UTC())
	if err != nil {
		return err
	}
	return e.store.CompleteSummaryAttempt(ctx, attempt.ID, summaryRow, nil, nil, time.Now().UTC(), nil)
}

func (e *Engine) failReservation(ctx context.Context, reserved bool, attemptID uuid.UUID, detail string) {
	if !reserved {
		return
	}
	if err := e.store.FailSummaryAttempt(ctx, attemptID, time.Now().UTC(), shortDetail(detail)); err != nil {
		// Best-effort per §4.6 error path: the original failure is what the
		// caller sees regardless.
		_ = err
	}
}

func normalizeOutput(text string) string {
	text = strings.TrimSpace(text)
	words := strings.Fields(text)
	if len(words) > domain.WordCap {
		words = words[:domain.WordCap]
		return strings.Join(words, " ")
	}
	return text
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func shortDetail(msg string) string {
	const limit = 180
	if len(msg) <= limit {
		return msg
	}
	return msg[:limit-3] + "..."
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
