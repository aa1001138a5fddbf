// Package domain defines the core entities, enums, and state machine for
// item ingestion and summarization. It is the validation gate at the
// boundaries of the store, the worker, and the API facade.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ItemStatus is the lifecycle state of an Item.
type ItemStatus string

const (
	StatusQueued         ItemStatus = "queued"
	StatusProcessing     ItemStatus = "processing"
	StatusNeedsUserText  ItemStatus = "needs_user_text"
	StatusSucceeded      ItemStatus = "succeeded"
	StatusFailed         ItemStatus = "failed"
)

// ValidItemStatuses is the set of recognized item statuses.
var ValidItemStatuses = map[ItemStatus]bool{
	StatusQueued:        true,
	StatusProcessing:    true,
	StatusNeedsUserText: true,
	StatusSucceeded:     true,
	StatusFailed:        true,
}

// SourceType is how an Item's content originates. Immutable after creation.
type SourceType string

const (
	SourceURL        SourceType = "url"
	SourcePastedText SourceType = "pasted_text"
)

// FinalTextSource records which path produced an Item's canonical text.
type FinalTextSource string

const (
	FinalFromURL   FinalTextSource = "extracted_from_url"
	FinalFromPaste FinalTextSource = "user_pasted_text"
)

// ModelKey is an abstract cost/quality tier for the summary engine.
type ModelKey string

const (
	ModelStrong ModelKey = "strong"
	ModelMid    ModelKey = "mid"
	ModelBudget ModelKey = "budget"
)

// ValidModelKeys is the set of recognized summary model tiers.
var ValidModelKeys = map[ModelKey]bool{
	ModelStrong: true,
	ModelMid:    true,
	ModelBudget: true,
}

// AttemptResult is the outcome of an ExtractionAttempt.
type AttemptResult string

const (
	ResultSuccess AttemptResult = "success"
	ResultError   AttemptResult = "error"
)

// SummaryAttemptStatus is the outcome of a SummaryAttempt.
type SummaryAttemptStatus string

const (
	SummaryAttemptSucceeded SummaryAttemptStatus = "succeeded"
	SummaryAttemptFailed    SummaryAttemptStatus = "failed"
)

// User owns a set of Items, created lazily on first observation of its id.
type User struct {
	ID        uuid.UUID
	CreatedAt time.Time
}

// Item is the unit of ingestion: a URL to fetch or text already pasted.
type Item struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Status          ItemStatus
	StatusDetail    *string
	SourceType      SourceType
	RequestedURL    *string
	FinalTextSource *FinalTextSource
	Title           *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ItemContent is 1:1 with Item, sharing its primary key.
type ItemContent struct {
	ItemID        uuid.UUID
	UserPastedText *string
	ExtractedText  *string
	CanonicalText  *string
	UpdatedAt      time.Time
}

// ExtractionAttempt is one append-only record of a fetch+extract try.
type ExtractionAttempt struct {
	ID            uuid.UUID
	ItemID        uuid.UUID
	AttemptNo     int
	StartedAt     time.Time
	FinishedAt    *time.Time
	Result        AttemptResult
	ErrorCode     *string
	ErrorDetail   *string
	HTTPStatus    *int
	FinalURL      *string
	ContentLength *int
}

// ItemSummary is one append-only generated summary.
type ItemSummary struct {
	ID                 uuid.UUID
	ItemID             uuid.UUID
	UserID             uuid.UUID
	ModelKey           ModelKey
	Provider           *string
	Model              *string
	PromptVersion      string
	InputCharsOriginal int
	InputCharsUsed     int
	OutputWords        int
	SummaryText        string
	CreatedAt          time.Time
}

// SummaryAttempt is one append-only record of a summary generation try.
type SummaryAttempt struct {
	ID          uuid.UUID
	ItemID      uuid.UUID
	AttemptNo   int
	ModelKey    ModelKey
	Provider    *string
	Model       *string
	PromptVersion string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      SummaryAttemptStatus
	ErrorDetail *string
	LatencyMS   *int
	CreatedAt   time.Time
}

const (
	// WordCap bounds the word count of a generated summary.
	WordCap = 120
	// MaxInputChars bounds how much canonical text is sent to a model.
	MaxInputChars = 20000
	// PromptVersion tags the prompt template used for summary generation.
	PromptVersion = "v0"
	// MaxAttempts bounds retryable ExtractionAttempts before an item moves
	// to needs_user_text.
	MaxAttempts = 2
)
