// Package ingestworker drives C4: claiming queued URL items, fetching and
// extracting their text outside any database lock, and writing back the
// resulting status transition in a short follow-up transaction.
package ingestworker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nudgebot/ingestsvc/internal/domain"
	"github.com/nudgebot/ingestsvc/internal/events"
	"github.com/nudgebot/ingestsvc/internal/extractor"
	"github.com/nudgebot/ingestsvc/internal/fetcher"
	"github.com/nudgebot/ingestsvc/internal/obs"
	"github.com/nudgebot/ingestsvc/internal/store"
)

// Config mirrors internal/config.WorkerConfig's fields relevant to C4's own
// pacing and retry policy (fetch/extract tuning lives in Fetcher/Extractor).
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	StaleAfter      time.Duration
	MaxAttempts     int
	MinChars        int
	MaxChars        int
}

// Worker runs the claim/process loop.
type Worker struct {
	cfg      Config
	store    *store.Store
	fetch    *fetcher.Fetcher
	metrics  *obs.Metrics
	events   *events.Publisher
	log      *slog.Logger
}

// New builds a Worker from its dependencies.
func New(cfg Config, st *store.Store, fe *fetcher.Fetcher, m *obs.Metrics, pub *events.Publisher, log *slog.Logger) *Worker {
	return &Worker{cfg: cfg, store: st, fetch: fe, metrics: m, events: pub, log: log}
}

// RunForever polls until ctx is canceled, matching the original service's
// "batch then sleep" cadence rather than a fixed-rate ticker: a backlog
// drains immediately, an empty queue sleeps the configured interval.
func (w *Worker) RunForever(ctx context.Context) {
	w.log.Info("ingestworker starting", "poll_interval", w.cfg.PollInterval, "batch_size", w.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("ingestworker stopping")
			return
		default:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error("claim_and_process_batch failed", "error", err)
		}

		var sleep time.Duration
		if processed == 0 {
			sleep = w.cfg.PollInterval
		} else {
			sleep = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// RunOnce requeues stale items, claims one batch, and processes each claimed
// item in turn, returning how many were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	requeued, err := w.store.RequeueStaleProcessing(ctx, w.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		w.metrics.StaleRequeuedTotal.Add(float64(requeued))
		w.log.Info("requeued_stale_processing", "count", requeued)
	}

	claimed, err := w.store.ClaimQueuedBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	w.metrics.ClaimBatchSize.Observe(float64(len(claimed)))
	if len(claimed) > 0 {
		w.log.Info("claimed_batch", "size", len(claimed))
	}

	for _, item := range claimed {
		w.processItem(ctx, item.ID)
	}
	return len(claimed), nil
}

// processItem fetches and extracts item's URL, then writes back exactly one
// ExtractionAttempt and the resulting status transition. A panic here is
// recovered by the deferred handler below and recorded as internal_error
// (status failed). An error returned by the write-back itself is only
// logged: no internal_error attempt is recorded and the item stays in
// processing until the stale-recovery sweep requeues it.
func (w *Worker) processItem(ctx context.Context, itemID uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			w.recordInternalError(ctx, itemID, "panic during processing")
		}
	}()

	ctx, span := obs.StartSpan(ctx, "ingestworker.process_item")
	defer span.End()

	startedAt := time.Now().UTC()

	item, err := w.store.GetItem(ctx, itemID, uuid.Nil)
	// GetItem scopes by owner; here we need the row regardless of owner, so
	// fall back to a dedicated lookup when the owner-scoped query misses.
	if err != nil {
		item, err = w.getItemAnyOwner(ctx, itemID)
		if err != nil {
			w.log.Warn("item missing; skipping", "item_id", itemID)
			return
		}
	}

	if item.SourceType != domain.SourceURL {
		w.log.Info("item source_type is not url; skipping", "item_id", itemID, "source_type", item.SourceType)
		return
	}
	if item.Status != domain.StatusProcessing {
		w.log.Info("item not in processing; skipping", "item_id", itemID, "status", item.Status)
		return
	}

	if item.RequestedURL == nil || *item.RequestedURL == "" {
		w.recordMissingLink(ctx, itemID, startedAt)
		return
	}

	fetchStart := time.Now()
	res := w.fetch.Fetch(ctx, *item.RequestedURL)
	obs.TimeSince(w.metrics.FetchDuration, fetchStart)

	var extractedText string
	var extractErrCode string
	if res.OK && res.Body != nil {
		extractStart := time.Now()
		extractedText, extractErrCode = extractor.Extract(string(res.Body), w.cfg.MinChars, w.cfg.MaxChars)
		obs.TimeSince(w.metrics.ExtractDuration, extractStart)
	}

	finishedAt := time.Now().UTC()
	contentLen := len(res.Body)

	if res.OK && extractedText != "" {
		w.applySuccess(ctx, itemID, item.UserID, startedAt, finishedAt, res, extractedText, contentLen)
		return
	}
	w.applyFailure(ctx, itemID, startedAt, finishedAt, res, extractErrCode, contentLen)
}

func (w *Worker) getItemAnyOwner(ctx context.Context, itemID uuid.UUID) (domain.Item, error) {
	// C4 operates across all users' items, so it looks the row up without an
	// ownership filter through the store's unscoped lookup.
	return w.store.GetItemUnscoped(ctx, itemID)
}

func (w *Worker) applySuccess(ctx context.Context, itemID, userID uuid.UUID, startedAt, finishedAt time.Time, res fetcher.Result, extractedText string, contentLen int) {
	httpStatus := &res.HTTPStatus
	if res.HTTPStatus == 0 {
		httpStatus = nil
	}
	out := store.ExtractionOutcome{
		Attempt: domain.ExtractionAttempt{
			ID: uuid.New(), StartedAt: startedAt, FinishedAt: &finishedAt,
			Result: domain.ResultSuccess, HTTPStatus: httpStatus,
			FinalURL: strPtr(res.FinalURL), ContentLength: intPtr(contentLen),
		},
		NextStatus:    mustTransition(domain.StatusProcessing, domain.EventExtractSucceeded),
		ExtractedText: &extractedText,
	}
	prev, _, err := w.store.RecordExtractionOutcome(ctx, itemID, out)
	if err != nil {
		w.log.Error("record_extraction_outcome failed", "item_id", itemID, "error", err)
		return
	}
	w.metrics.ExtractionAttempts.WithLabelValues("").Inc()
	w.metrics.ItemsIngestedTotal.WithLabelValues("succeeded").Inc()
	w.log.Info("item transition", "item_id", itemID, "from", prev, "to", domain.StatusSucceeded, "attempt_no", out.Attempt.AttemptNo, "chars", len(extractedText))
	w.events.ItemIngested(ctx, events.ItemIngested{ItemID: itemID, UserID: userID})
}

func (w *Worker) applyFailure(ctx context.Context, itemID uuid.UUID, startedAt, finishedAt time.Time, res fetcher.Result, extractErrCode string, contentLen int) {
	errorCode := res.ErrorCode
	errorDetail := res.ErrorDetail
	retryable := res.Retryable

	if res.OK {
		// Fetch succeeded but extraction failed: always non-retryable.
		errorCode = extractErrCode
		if errorCode == "" {
			errorCode = "extraction_failed"
		}
		switch errorCode {
		case "too_short":
			errorDetail = "We couldn't extract enough readable text from this page."
		case "empty_extraction":
			errorDetail = "We couldn't extract readable text from this page."
		default:
			if errorDetail == "" {
				errorDetail = "Extraction failed."
			}
		}
		retryable = false
	}

	var httpStatus *int
	if res.HTTPStatus != 0 {
		httpStatus = intPtr(res.HTTPStatus)
	}

	attempt := domain.ExtractionAttempt{
		ID: uuid.New(), StartedAt: startedAt, FinishedAt: &finishedAt,
		Result: domain.ResultError, ErrorCode: strPtr(errorCode), ErrorDetail: strPtr(shortDetail(errorDetail)),
		HTTPStatus: httpStatus, FinalURL: strPtr(res.FinalURL), ContentLength: intPtr(contentLen),
	}

	// attempt_no isn't known until the store assigns it inside its own
	// transaction, so the retry bound (attempt_no >= MaxAttempts) is also
	// decided there: the item never becomes externally visible as queued at
	// its final attempt_no, closing the window a concurrent claimer could
	// otherwise use to start a MaxAttempts+1'th attempt.
	detail := shortDetail("We couldn't read this link. Please open it and paste the article text here.")

	out := store.ExtractionOutcome{Attempt: attempt}
	if retryable {
		out.NextStatus = mustTransition(domain.StatusProcessing, domain.EventRetryable)
		out.StatusDetail = strPtr(shortDetail("retrying: " + errorCode))
		out.MaxAttempts = w.cfg.MaxAttempts
		out.GiveUpStatus = mustTransition(domain.StatusProcessing, domain.EventGiveUp)
		out.GiveUpDetail = &detail
	} else {
		out.NextStatus = mustTransition(domain.StatusProcessing, domain.EventGiveUp)
		out.StatusDetail = &detail
	}

	prev, nextStatus, err := w.store.RecordExtractionOutcome(ctx, itemID, out)
	if err != nil {
		w.log.Error("record_extraction_outcome failed", "item_id", itemID, "error", err)
		return
	}

	w.metrics.ExtractionAttempts.WithLabelValues(errorCode).Inc()
	w.metrics.ItemsIngestedTotal.WithLabelValues(string(nextStatus)).Inc()
	w.log.Warn("item transition", "item_id", itemID, "from", prev, "to", nextStatus, "error_code", errorCode, "http_status", res.HTTPStatus)
}

func (w *Worker) recordMissingLink(ctx context.Context, itemID uuid.UUID, startedAt time.Time) {
	finishedAt := time.Now().UTC()
	detail := "Missing link on item."
	out := store.ExtractionOutcome{
		Attempt: domain.ExtractionAttempt{
			ID: uuid.New(), StartedAt: startedAt, FinishedAt: &finishedAt,
			Result: domain.ResultError, ErrorCode: strPtr("missing_link"), ErrorDetail: &detail,
		},
		NextStatus:   mustTransition(domain.StatusProcessing, domain.EventGiveUp),
		StatusDetail: strPtr("We couldn't read this link. Please paste the text instead."),
	}
	if _, _, err := w.store.RecordExtractionOutcome(ctx, itemID, out); err != nil {
		w.log.Error("record_extraction_outcome(missing_link) failed", "item_id", itemID, "error", err)
		return
	}
	w.metrics.ExtractionAttempts.WithLabelValues("missing_link").Inc()
	w.metrics.ItemsIngestedTotal.WithLabelValues(string(domain.StatusNeedsUserText)).Inc()
}

func (w *Worker) recordInternalError(ctx context.Context, itemID uuid.UUID, detail string) {
	now := time.Now().UTC()
	out := store.ExtractionOutcome{
		Attempt: domain.ExtractionAttempt{
			ID: uuid.New(), StartedAt: now, FinishedAt: &now,
			Result: domain.ResultError, ErrorCode: strPtr("internal_error"), ErrorDetail: strPtr(shortDetail(detail)),
		},
		NextStatus:   mustTransition(domain.StatusProcessing, domain.EventInternalError),
		StatusDetail: strPtr("Internal error while processing."),
	}
	if _, _, err := w.store.RecordExtractionOutcome(ctx, itemID, out); err != nil {
		w.log.Error("failed_to_persist_internal_error", "item_id", itemID, "error", err)
	}
	w.metrics.ItemsIngestedTotal.WithLabelValues("failed").Inc()
}

func mustTransition(current domain.ItemStatus, ev domain.Event) domain.ItemStatus {
	next, err := domain.NextItemState(current, ev)
	if err != nil {
		// Every call site here is on a hardcoded, known-legal edge; a
		// mismatch means the state machine and this package have drifted.
		panic(err)
	}
	return next
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

func intPtr(n int) *int { return &n }
