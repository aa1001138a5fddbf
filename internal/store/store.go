// Package store is the sole Postgres access layer: every read and write the
// rest of the service performs against items, their content, and their
// attempt history goes through here. No other package imports pgx directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nudgebot/ingestsvc/internal/domain"
	"github.com/nudgebot/ingestsvc/pkg/fn"
	"github.com/nudgebot/ingestsvc/pkg/resilience"
)

// Store wraps a pool and implements every persistence operation C1 exposes
// to the API and worker components.
type Store struct {
	pool    *pgxpool.Pool
	breaker *resilience.Breaker
}

// New wraps an already-opened pool. Transaction starts go through a circuit
// breaker so a degraded database trips open after repeated connection
// failures instead of piling up blocked goroutines on every caller.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts)}
}

// beginTx starts a transaction through the breaker, expressed as an
// fn.Result so a tripped breaker and a failed Begin come back through the
// same Result[pgx.Tx] shape instead of a bare error.
func (s *Store) beginTx(ctx context.Context) (pgx.Tx, error) {
	result := resilience.CallResult(s.breaker, ctx, func(ctx context.Context) fn.Result[pgx.Tx] {
		return fn.FromPair(s.pool.Begin(ctx))
	})
	return result.Unwrap()
}

// GetOrCreateUser lazily materializes a user row the first time its id is
// observed, matching the auth boundary's "no separate signup step" policy.
func (s *Store) GetOrCreateUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING`, userID)
	return err
}

// CreateItem inserts item and its paired content row in one transaction.
func (s *Store) CreateItem(ctx context.Context, item domain.Item, content domain.ItemContent) (domain.Item, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO items (id, user_id, status, status_detail, source_type, requested_url, final_text_source, title)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		item.ID, item.UserID, item.Status, item.StatusDetail, item.SourceType,
		item.RequestedURL, item.FinalTextSource, item.Title)
	if err := row.Scan(&item.CreatedAt, &item.UpdatedAt); err != nil {
		return domain.Item{}, err
	}

	content.ItemID = item.ID
	_, err = tx.Exec(ctx, `
		INSERT INTO item_content (item_id, user_pasted_text, extracted_text, canonical_text)
		VALUES ($1, $2, $3, $4)`,
		content.ItemID, content.UserPastedText, content.ExtractedText, content.CanonicalText)
	if err != nil {
		return domain.Item{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Item{}, err
	}
	return item, nil
}

const itemColumns = `id, user_id, status, status_detail, source_type, requested_url, final_text_source, title, created_at, updated_at`

func scanItem(row pgx.Row) (domain.Item, error) {
	var it domain.Item
	err := row.Scan(&it.ID, &it.UserID, &it.Status, &it.StatusDetail, &it.SourceType,
		&it.RequestedURL, &it.FinalTextSource, &it.Title, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

// GetItem returns an item owned by userID, or domain.ErrItemNotFound.
func (s *Store) GetItem(ctx context.Context, itemID, userID uuid.UUID) (domain.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1 AND user_id = $2`, itemID, userID)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, domain.ErrItemNotFound
	}
	return it, err
}

// GetItemUnscoped returns an item by id regardless of owner. Only C4 uses
// this: the worker processes items across every user, so it cannot apply
// the owner filter every API-facing read goes through.
func (s *Store) GetItemUnscoped(ctx context.Context, itemID uuid.UUID) (domain.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, itemID)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, domain.ErrItemNotFound
	}
	return it, err
}

// GetItemContent returns the content row for itemID. A missing row (not yet
// populated, or already deleted alongside its item) returns a zero value
// with no error, matching the optional-content semantics callers expect.
func (s *Store) GetItemContent(ctx context.Context, itemID uuid.UUID) (domain.ItemContent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT item_id, user_pasted_text, extracted_text, canonical_text, updated_at
		FROM item_content WHERE item_id = $1`, itemID)
	var c domain.ItemContent
	err := row.Scan(&c.ItemID, &c.UserPastedText, &c.ExtractedText, &c.CanonicalText, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ItemContent{}, nil
	}
	return c, err
}

// Cursor is the decoded form of a list_items pagination cursor.
type Cursor struct {
	CreatedAt time.Time
	ItemID    uuid.UUID
}

// EncodeCursor renders c as "<RFC3339Nano created_at>|<uuid>".
func EncodeCursor(c Cursor) string {
	return fmt.Sprintf("%s|%s", c.CreatedAt.Format(time.RFC3339Nano), c.ItemID)
}

// DecodeCursor parses a cursor string, returning domain.ErrInvalidCursor on
// any malformed input.
func DecodeCursor(s string) (Cursor, error) {
	ts, idStr, ok := strings.Cut(s, "|")
	if !ok {
		return Cursor{}, domain.ErrInvalidCursor
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, domain.ErrInvalidCursor
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Cursor{}, domain.ErrInvalidCursor
	}
	return Cursor{CreatedAt: createdAt, ItemID: id}, nil
}

// ListItems returns up to limit items owned by userID, newest first, with an
// opaque cursor for the next page when more rows exist.
func (s *Store) ListItems(ctx context.Context, userID uuid.UUID, limit int, after *Cursor) ([]domain.Item, *Cursor, error) {
	var rows pgx.Rows
	var err error
	if after == nil {
		rows, err = s.pool.Query(ctx, `
			SELECT `+itemColumns+` FROM items WHERE user_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit+1)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+itemColumns+` FROM items WHERE user_id = $1
			AND (created_at < $2 OR (created_at = $2 AND id < $3))
			ORDER BY created_at DESC, id DESC LIMIT $4`, userID, after.CreatedAt, after.ItemID, limit+1)
	}
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *Cursor
	if len(items) > limit {
		last := items[limit-1]
		next = &Cursor{CreatedAt: last.CreatedAt, ItemID: last.ID}
		items = items[:limit]
	}
	return items, next, nil
}

// PatchItemText replaces an item's canonical text with user-supplied pasted
// text and moves it to succeeded. Callers must already have verified the
// item is owned by userID and is in needs_user_text.
func (s *Store) PatchItemText(ctx context.Context, itemID uuid.UUID, pastedText string) (domain.Item, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO item_content (item_id, user_pasted_text, canonical_text)
		VALUES ($1, $2, $2)
		ON CONFLICT (item_id) DO UPDATE SET
			user_pasted_text = EXCLUDED.user_pasted_text,
			canonical_text = EXCLUDED.canonical_text,
			updated_at = now()`, itemID, pastedText)
	if err != nil {
		return domain.Item{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE items SET
			status = $2, status_detail = NULL, final_text_source = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+itemColumns,
		itemID, domain.StatusSucceeded, domain.FinalFromPaste)
	it, err := scanItem(row)
	if err != nil {
		return domain.Item{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// RequeueStaleProcessing moves items stuck in processing past staleAfter
// back to queued, returning how many rows it touched.
func (s *Store) RequeueStaleProcessing(ctx context.Context, staleAfter time.Duration) (int, error) {
	staleBefore := time.Now().UTC().Add(-staleAfter)
	tag, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $1, status_detail = 'requeued after stale processing', updated_at = now()
		WHERE status = $2 AND updated_at < $3`,
		domain.StatusQueued, domain.StatusProcessing, staleBefore)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ClaimQueuedBatch atomically moves up to batchSize queued URL items to
// processing and returns them, using SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent worker instances never claim the same row twice.
func (s *Store) ClaimQueuedBatch(ctx context.Context, batchSize int) ([]domain.Item, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE status = $1 AND source_type = $2
		ORDER BY created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, domain.StatusQueued, domain.SourceURL, batchSize)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	var items []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, it)
		ids = append(ids, it.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE items SET status = $1, status_detail = 'processing', updated_at = now()
			WHERE id = ANY($2)`, domain.StatusProcessing, ids)
		if err != nil {
			return nil, err
		}
		for i := range items {
			items[i].Status = domain.StatusProcessing
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) nextExtractionAttemptNo(ctx context.Context, tx pgx.Tx, itemID uuid.UUID) (int, error) {
	var max *int
	err := tx.QueryRow(ctx, `SELECT MAX(attempt_no) FROM extraction_attempts WHERE item_id = $1`, itemID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

// ExtractionOutcome is the write-back the worker applies after a fetch and
// extraction attempt, whatever its result.
type ExtractionOutcome struct {
	Attempt      domain.ExtractionAttempt
	NextStatus   domain.ItemStatus
	StatusDetail *string
	// ExtractedText is set only on success; when non-nil it replaces the
	// item's canonical text and final_text_source is set to extracted_from_url.
	ExtractedText *string
	// MaxAttempts, GiveUpStatus and GiveUpDetail express the retry bound for
	// a retryable outcome: if the attempt_no this call is assigned turns out
	// to be >= MaxAttempts, the transaction substitutes GiveUpStatus/
	// GiveUpDetail for NextStatus/StatusDetail before committing, instead of
	// leaving the item briefly queued at its final attempt_no for a
	// concurrent claimer to pick up a attempt_no+1'th time. Zero MaxAttempts
	// (the non-retryable outcomes) disables the check.
	MaxAttempts  int
	GiveUpStatus domain.ItemStatus
	GiveUpDetail *string
}

// RecordExtractionOutcome writes one ExtractionAttempt row (with attempt_no
// computed from existing attempts) and applies the resulting item status
// transition, all in a single short transaction. It returns the item's
// status before and after the transition, for logging.
//
// A concurrent writer (the stale-recovery sweep racing a still-running
// worker, per the open question in §9) can insert an attempt with the same
// attempt_no between our MAX() read and our INSERT; on that unique-violation
// we recompute attempt_no and retry once.
func (s *Store) RecordExtractionOutcome(ctx context.Context, itemID uuid.UUID, out ExtractionOutcome) (prevStatus, newStatus domain.ItemStatus, err error) {
	prevStatus, newStatus, err = s.recordExtractionOutcomeOnce(ctx, itemID, out)
	if isUniqueViolation(err) {
		prevStatus, newStatus, err = s.recordExtractionOutcomeOnce(ctx, itemID, out)
	}
	return prevStatus, newStatus, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) recordExtractionOutcomeOnce(ctx context.Context, itemID uuid.UUID, out ExtractionOutcome) (domain.ItemStatus, domain.ItemStatus, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback(ctx)

	var prevStatus domain.ItemStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM items WHERE id = $1`, itemID).Scan(&prevStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", domain.ErrItemNotFound
		}
		return "", "", err
	}

	attemptNo, err := s.nextExtractionAttemptNo(ctx, tx, itemID)
	if err != nil {
		return "", "", err
	}
	out.Attempt.AttemptNo = attemptNo

	_, err = tx.Exec(ctx, `
		INSERT INTO extraction_attempts
			(id, item_id, attempt_no, started_at, finished_at, result, error_code, error_detail, http_status, final_url, content_length)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		out.Attempt.ID, itemID, attemptNo, out.Attempt.StartedAt, out.Attempt.FinishedAt,
		out.Attempt.Result, out.Attempt.ErrorCode, out.Attempt.ErrorDetail,
		out.Attempt.HTTPStatus, out.Attempt.FinalURL, out.Attempt.ContentLength)
	if err != nil {
		return "", "", err
	}

	newStatus := out.NextStatus
	newDetail := out.StatusDetail
	if out.MaxAttempts > 0 && attemptNo >= out.MaxAttempts && out.GiveUpStatus != "" {
		newStatus = out.GiveUpStatus
		newDetail = out.GiveUpDetail
	}

	if out.ExtractedText != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO item_content (item_id, extracted_text, canonical_text)
			VALUES ($1, $2, $2)
			ON CONFLICT (item_id) DO UPDATE SET
				extracted_text = EXCLUDED.extracted_text,
				canonical_text = EXCLUDED.canonical_text,
				updated_at = now()`, itemID, *out.ExtractedText)
		if err != nil {
			return "", "", err
		}
		_, err = tx.Exec(ctx, `
			UPDATE items SET status = $2, status_detail = $3, final_text_source = $4, updated_at = now()
			WHERE id = $1`, itemID, newStatus, newDetail, domain.FinalFromURL)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE items SET status = $2, status_detail = $3, updated_at = now()
			WHERE id = $1`, itemID, newStatus, newDetail)
	}
	if err != nil {
		return "", "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", "", err
	}
	return prevStatus, newStatus, nil
}

// ReserveSummaryAttempt inserts a SummaryAttempt row pre-marked failed, to be
// flipped to succeeded by CompleteSummaryAttempt. Matches the original
// engine's "reserve, then flip" bookkeeping: a crash between reservation and
// completion leaves an honest failed record instead of a missing one.
//
// attempt_no is unique per (item_id, model_key); a concurrent reservation
// for the same tier retries the MAX()+1 computation once on conflict.
func (s *Store) ReserveSummaryAttempt(ctx context.Context, itemID uuid.UUID, modelKey domain.ModelKey, promptVersion string, startedAt time.Time) (domain.SummaryAttempt, error) {
	attempt, err := s.reserveSummaryAttemptOnce(ctx, itemID, modelKey, promptVersion, startedAt)
	if isUniqueViolation(err) {
		attempt, err = s.reserveSummaryAttemptOnce(ctx, itemID, modelKey, promptVersion, startedAt)
	}
	return attempt, err
}

func (s *Store) reserveSummaryAttemptOnce(ctx context.Context, itemID uuid.UUID, modelKey domain.ModelKey, promptVersion string, startedAt time.Time) (domain.SummaryAttempt, error) {
	var attemptNo *int
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(attempt_no) FROM summary_attempts WHERE item_id = $1 AND model_key = $2`,
		itemID, modelKey).Scan(&attemptNo)
	if err != nil {
		return domain.SummaryAttempt{}, err
	}
	next := 1
	if attemptNo != nil {
		next = *attemptNo + 1
	}

	attempt := domain.SummaryAttempt{
		ID:            uuid.New(),
		ItemID:        itemID,
		AttemptNo:     next,
		ModelKey:      modelKey,
		PromptVersion: promptVersion,
		StartedAt:     startedAt,
		Status:        domain.SummaryAttemptFailed,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO summary_attempts (id, item_id, attempt_no, model_key, prompt_version, started_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		attempt.ID, attempt.ItemID, attempt.AttemptNo, attempt.ModelKey, attempt.PromptVersion, attempt.StartedAt, attempt.Status)
	if err != nil {
		return domain.SummaryAttempt{}, err
	}
	return attempt, nil
}

// CompleteSummaryAttempt persists the generated summary and flips attemptID
// to succeeded, in one transaction.
func (s *Store) CompleteSummaryAttempt(ctx context.Context, attemptID uuid.UUID, summary domain.ItemSummary, provider, model *string, finishedAt time.Time, latencyMS *int) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO item_summaries
			(id, item_id, user_id, model_key, provider, model, prompt_version, input_chars_original, input_chars_used, output_words, summary_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		summary.ID, summary.ItemID, summary.UserID, summary.ModelKey, provider, model, summary.PromptVersion,
		summary.InputCharsOriginal, summary.InputCharsUsed, summary.OutputWords, summary.SummaryText)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE summary_attempts SET
			provider = $2, model = $3, finished_at = $4, latency_ms = $5, status = $6, error_detail = NULL
		WHERE id = $1`, attemptID, provider, model, finishedAt, latencyMS, domain.SummaryAttemptSucceeded)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FailSummaryAttempt records why a reserved SummaryAttempt did not complete.
// Best-effort: callers swallow its error and still surface the original
// failure to the caller.
func (s *Store) FailSummaryAttempt(ctx context.Context, attemptID uuid.UUID, finishedAt time.Time, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE summary_attempts SET finished_at = $2, status = $3, error_detail = $4
		WHERE id = $1`, attemptID, finishedAt, domain.SummaryAttemptFailed, detail)
	return err
}
