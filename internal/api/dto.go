package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/nudgebot/ingestsvc/internal/domain"
)

// createItemRequest is the JSON body for POST /items.
type createItemRequest struct {
	URL              string `json:"url,omitempty"`
	PastedText       string `json:"pasted_text,omitempty"`
	PreferPastedText bool   `json:"prefer_pasted_text,omitempty"`
}

// createItemResponse is the JSON body for POST /items.
type createItemResponse struct {
	ID     uuid.UUID        `json:"id"`
	Status domain.ItemStatus `json:"status"`
}

// itemListEntry is one row in GET /items.
type itemListEntry struct {
	ID              uuid.UUID               `json:"id"`
	Status          domain.ItemStatus        `json:"status"`
	StatusDetail    *string                  `json:"status_detail,omitempty"`
	SourceType      domain.SourceType        `json:"source_type"`
	RequestedURL    *string                  `json:"requested_url,omitempty"`
	FinalTextSource *domain.FinalTextSource  `json:"final_text_source,omitempty"`
	Title           *string                  `json:"title,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// itemListResponse is the JSON body for GET /items.
type itemListResponse struct {
	Items      []itemListEntry `json:"items"`
	NextCursor *string         `json:"next_cursor,omitempty"`
}

// itemContentOut is the optional content payload on GET /items/{id}.
type itemContentOut struct {
	UserPastedText *string   `json:"user_pasted_text,omitempty"`
	ExtractedText  *string   `json:"extracted_text,omitempty"`
	CanonicalText  *string   `json:"canonical_text,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// itemDetailResponse is the JSON body for GET /items/{id} and PATCH .../text.
type itemDetailResponse struct {
	itemListEntry
	Content *itemContentOut `json:"content,omitempty"`
}

// patchItemTextRequest is the JSON body for PATCH /items/{id}/text.
type patchItemTextRequest struct {
	PastedText string `json:"pasted_text"`
}

func toListEntry(it domain.Item) itemListEntry {
	return itemListEntry{
		ID:              it.ID,
		Status:          it.Status,
		StatusDetail:    it.StatusDetail,
		SourceType:      it.SourceType,
		RequestedURL:    it.RequestedURL,
		FinalTextSource: it.FinalTextSource,
		Title:           it.Title,
		CreatedAt:       it.CreatedAt,
		UpdatedAt:       it.UpdatedAt,
	}
}

func toDetailResponse(it domain.Item, content *domain.ItemContent) itemDetailResponse {
	resp := itemDetailResponse{itemListEntry: toListEntry(it)}
	if content != nil {
		resp.Content = &itemContentOut{
			UserPastedText: content.UserPastedText,
			ExtractedText:  content.ExtractedText,
			CanonicalText:  content.CanonicalText,
			UpdatedAt:      content.UpdatedAt,
		}
	}
	return resp
}
