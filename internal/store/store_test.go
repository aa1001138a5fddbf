//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nudgebot/ingestsvc/internal/domain"
)

var testDatabaseURL string

func TestMain(m *testing.M) {
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ingestsvc_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "start postgres container: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "connection string: %v\n", err)
		os.Exit(1)
	}
	testDatabaseURL = dsn

	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	pool, err := NewPool(ctx, testDatabaseURL)
	require.NoError(t, err)
	require.NoError(t, ApplySchema(ctx, pool))
	t.Cleanup(pool.Close)
	return New(pool)
}

func mustUser(t *testing.T, s *Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.GetOrCreateUser(context.Background(), id))
	return id
}

func TestCreateAndGetItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := mustUser(t, s)

	url := "https://example.com/article"
	created, err := s.CreateItem(ctx, domain.Item{
		ID:         uuid.New(),
		UserID:     userID,
		Status:     domain.StatusQueued,
		SourceType: domain.SourceURL,
		RequestedURL: &url,
	}, domain.ItemContent{})
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, created.Status)

	got, err := s.GetItem(ctx, created.ID, userID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, url, *got.RequestedURL)

	otherUser := uuid.New()
	_, err = s.GetItem(ctx, created.ID, otherUser)
	require.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestClaimQueuedBatchOrdersByAgeAndDoesNotReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := mustUser(t, s)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("https://example.com/%d", i)
		created, err := s.CreateItem(ctx, domain.Item{
			ID: uuid.New(), UserID: userID, Status: domain.StatusQueued,
			SourceType: domain.SourceURL, RequestedURL: &url,
		}, domain.ItemContent{})
		require.NoError(t, err)
		ids = append(ids, created.ID)
		time.Sleep(time.Millisecond)
	}

	claimed, err := s.ClaimQueuedBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, it := range claimed {
		require.Equal(t, domain.StatusProcessing, it.Status)
	}
	require.Equal(t, ids[0], claimed[0].ID)
	require.Equal(t, ids[1], claimed[1].ID)

	rest, err := s.ClaimQueuedBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, ids[2], rest[0].ID)
}

func TestListItemsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := mustUser(t, s)

	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("pasted %d", i)
		_, err := s.CreateItem(ctx, domain.Item{
			ID: uuid.New(), UserID: userID, Status: domain.StatusSucceeded,
			SourceType: domain.SourcePastedText,
		}, domain.ItemContent{UserPastedText: &text, CanonicalText: &text})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	page1, cursor1, err := s.ListItems(ctx, userID, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, cursor1)

	page2, cursor2, err := s.ListItems(ctx, userID, 2, cursor1)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotNil(t, cursor2)

	page3, cursor3, err := s.ListItems(ctx, userID, 2, cursor2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	require.Nil(t, cursor3)
}

func TestPatchItemTextFromNeedsUserText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := mustUser(t, s)

	url := "https://example.com/broken"
	it, err := s.CreateItem(ctx, domain.Item{
		ID: uuid.New(), UserID: userID, Status: domain.StatusNeedsUserText,
		SourceType: domain.SourceURL, RequestedURL: &url,
	}, domain.ItemContent{})
	require.NoError(t, err)

	updated, err := s.PatchItemText(ctx, it.ID, "pasted replacement text")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, updated.Status)
	require.Equal(t, domain.FinalFromPaste, *updated.FinalTextSource)

	content, err := s.GetItemContent(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, "pasted replacement text", *content.CanonicalText)
}

func TestRecordExtractionOutcomeSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := mustUser(t, s)

	url := "https://example.com/ok"
	it, err := s.CreateItem(ctx, domain.Item{
		ID: uuid.New(), UserID: userID, Status: domain.StatusProcessing,
		SourceType: domain.SourceURL, RequestedURL: &url,
	}, domain.ItemContent{})
	require.NoError(t, err)

	extracted := "enough readable text to pass the minimum length check many times over"
	_, _, err = s.RecordExtractionOutcome(ctx, it.ID, ExtractionOutcome{
		Attempt: domain.ExtractionAttempt{
			ID: uuid.New(), StartedAt: time.Now().UTC(), Result: domain.ResultSuccess,
		},
		NextStatus:    domain.StatusSucceeded,
		ExtractedText: &extracted,
	})
	require.NoError(t, err)

	got, err := s.GetItem(ctx, it.ID, userID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, got.Status)
	require.Equal(t, domain.FinalFromURL, *got.FinalTextSource)

	content, err := s.GetItemContent(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, extracted, *content.CanonicalText)
}

func TestRecordExtractionOutcomeGivesUpAtMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := mustUser(t, s)

	url := "https://example.com/flaky"
	it, err := s.CreateItem(ctx, domain.Item{
		ID: uuid.New(), UserID: userID, Status: domain.StatusProcessing,
		SourceType: domain.SourceURL, RequestedURL: &url,
	}, domain.ItemContent{})
	require.NoError(t, err)

	detail := "We couldn't read this link. Please open it and paste the article text here."
	retryOut := func() ExtractionOutcome {
		return ExtractionOutcome{
			Attempt:      domain.ExtractionAttempt{ID: uuid.New(), StartedAt: time.Now().UTC(), Result: domain.ResultError},
			NextStatus:   domain.StatusQueued,
			StatusDetail: strPtr("retrying"),
			MaxAttempts:  2,
			GiveUpStatus: domain.StatusNeedsUserText,
			GiveUpDetail: &detail,
		}
	}

	_, newStatus, err := s.RecordExtractionOutcome(ctx, it.ID, retryOut())
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, newStatus)

	// The second attempt hits MaxAttempts: the same transaction that records
	// the attempt also commits the give-up status, never leaving the item
	// visibly queued at its final attempt_no.
	_, newStatus, err = s.RecordExtractionOutcome(ctx, it.ID, retryOut())
	require.NoError(t, err)
	require.Equal(t, domain.StatusNeedsUserText, newStatus)

	got, err := s.GetItem(ctx, it.ID, userID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusNeedsUserText, got.Status)
}

func strPtr(s string) *string { return &s }

func TestSummaryAttemptReserveAndComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := mustUser(t, s)

	text := "some canonical text"
	it, err := s.CreateItem(ctx, domain.Item{
		ID: uuid.New(), UserID: userID, Status: domain.StatusSucceeded,
		SourceType: domain.SourcePastedText,
	}, domain.ItemContent{CanonicalText: &text})
	require.NoError(t, err)

	attempt, err := s.ReserveSummaryAttempt(ctx, it.ID, domain.ModelMid, domain.PromptVersion, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, attempt.AttemptNo)
	require.Equal(t, domain.SummaryAttemptFailed, attempt.Status)

	provider, model := "stub", "stub-v0"
	err = s.CompleteSummaryAttempt(ctx, attempt.ID, domain.ItemSummary{
		ID: uuid.New(), ItemID: it.ID, UserID: userID, ModelKey: domain.ModelMid,
		PromptVersion: domain.PromptVersion, InputCharsOriginal: len(text), InputCharsUsed: len(text),
		OutputWords: 3, SummaryText: "a short summary",
	}, &provider, &model, time.Now().UTC(), nil)
	require.NoError(t, err)

	attempt2, err := s.ReserveSummaryAttempt(ctx, it.ID, domain.ModelMid, domain.PromptVersion, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 2, attempt2.AttemptNo)
}
