// Package api implements the HTTP facade: request parsing, the lazy-user
// auth boundary, and translation of apierr.Kind into HTTP status codes. It
// holds no business logic of its own — every handler delegates to
// internal/store, internal/summary, or internal/ingestworker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nudgebot/ingestsvc/internal/apierr"
	"github.com/nudgebot/ingestsvc/internal/cache"
	"github.com/nudgebot/ingestsvc/internal/domain"
	"github.com/nudgebot/ingestsvc/internal/events"
	"github.com/nudgebot/ingestsvc/internal/ingestworker"
	"github.com/nudgebot/ingestsvc/internal/obs"
	"github.com/nudgebot/ingestsvc/internal/store"
	"github.com/nudgebot/ingestsvc/internal/summary"
)

const itemCacheTTL = 30 * time.Second

// Server wires the item and summary handlers against their dependencies.
type Server struct {
	store     *store.Store
	summary   *summary.Engine
	worker    *ingestworker.Worker
	events    *events.Publisher
	metrics   *obs.Metrics
	cache     cache.ItemCache
	log       *slog.Logger
	devUserID uuid.UUID
	env       string
}

// New builds a Server. worker may be nil if dev-mode nudging is disabled;
// itemCache may be cache.NoopCache{} to disable read-through caching.
func New(st *store.Store, sumEngine *summary.Engine, w *ingestworker.Worker, pub *events.Publisher, m *obs.Metrics, itemCache cache.ItemCache, log *slog.Logger, devUserID uuid.UUID, env string) *Server {
	return &Server{store: st, summary: sumEngine, worker: w, events: pub, metrics: m, cache: itemCache, log: log, devUserID: devUserID, env: env}
}

// Routes registers every handler on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /items", s.handleCreateItem)
	mux.HandleFunc("GET /items", s.handleListItems)
	mux.HandleFunc("GET /items/{id}", s.handleGetItem)
	mux.HandleFunc("PATCH /items/{id}/text", s.handlePatchItemText)
	mux.HandleFunc("POST /items/{id}/summary", s.handleCreateSummary)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// currentUserID implements the lazy-user auth boundary: an X-User-Id header
// must be a UUID if present, otherwise the configured dev user is used. The
// user row is created on first observation.
func (s *Server) currentUserID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-User-Id")
	userID := s.devUserID
	if raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.UUID{}, apierr.UserInput("Invalid X-User-Id header (must be UUID).", err)
		}
		userID = id
	}
	if err := s.store.GetOrCreateUser(r.Context(), userID); err != nil {
		return uuid.UUID{}, apierr.Internal("failed to resolve user", err)
	}
	return userID, nil
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.UserInput("invalid request body", err))
		return
	}

	input := domain.CreateItemInput{URL: body.URL, PastedText: body.PastedText, PreferPastedText: body.PreferPastedText}
	if err := domain.ValidateCreateItem(input); err != nil {
		writeError(w, apierr.UserInput(err.Error(), err))
		return
	}

	item := domain.Item{ID: uuid.New(), UserID: userID}
	var content domain.ItemContent

	if domain.UsesPastedTextPath(input) {
		// Immediate-succeed path: pasted text needs no worker round trip.
		final := domain.FinalFromPaste
		item.Status = domain.StatusSucceeded
		item.SourceType = domain.SourcePastedText
		item.FinalTextSource = &final
		content.UserPastedText = &body.PastedText
		content.CanonicalText = &body.PastedText
	} else {
		item.Status = domain.StatusQueued
		item.SourceType = domain.SourceURL
		item.RequestedURL = &body.URL
		if body.PastedText != "" {
			content.UserPastedText = &body.PastedText
		}
	}

	created, err := s.store.CreateItem(r.Context(), item, content)
	if err != nil {
		writeError(w, apierr.Internal("failed to create item", err))
		return
	}
	s.metrics.ItemsIngestedTotal.WithLabelValues(string(created.Status)).Inc()

	// Dev-only convenience: nudge one worker batch instead of waiting for the
	// next poll tick, matching the original service's BackgroundTasks hook.
	if s.env == "dev" && s.worker != nil && created.Status == domain.StatusQueued {
		go func() {
			if _, err := s.worker.RunOnce(context.Background()); err != nil {
				s.log.Warn("dev nudge: worker batch failed", "error", err)
			}
		}()
	}

	if created.Status == domain.StatusSucceeded {
		s.events.ItemIngested(r.Context(), events.ItemIngested{ItemID: created.ID, UserID: userID})
	}

	writeJSON(w, http.StatusOK, createItemResponse{ID: created.ID, Status: created.Status})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 1 || n > 100 {
			writeError(w, apierr.UserInput("limit must be an integer between 1 and 100", convErr))
			return
		}
		limit = n
	}

	var after *store.Cursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		c, decErr := store.DecodeCursor(raw)
		if decErr != nil {
			writeError(w, apierr.UserInput("Invalid cursor.", decErr))
			return
		}
		after = &c
	}

	items, next, err := s.store.ListItems(r.Context(), userID, limit, after)
	if err != nil {
		writeError(w, apierr.Internal("failed to list items", err))
		return
	}

	entries := make([]itemListEntry, len(items))
	for i, it := range items {
		entries[i] = toListEntry(it)
	}
	resp := itemListResponse{Items: entries}
	if next != nil {
		encoded := store.EncodeCursor(*next)
		resp.NextCursor = &encoded
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	itemID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.UserInput("invalid item id", err))
		return
	}

	includeContent := r.URL.Query().Get("include_content") == "true"
	cacheKey := itemCacheKey(itemID, includeContent)

	var cached itemDetailResponse
	if hit, _ := s.cache.Get(r.Context(), cacheKey, &cached); hit {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	item, err := s.store.GetItem(r.Context(), itemID, userID)
	if err != nil {
		writeError(w, mapNotFound(err, "Item not found."))
		return
	}

	var contentPtr *domain.ItemContent
	if includeContent {
		content, cErr := s.store.GetItemContent(r.Context(), itemID)
		if cErr != nil {
			writeError(w, apierr.Internal("failed to load item content", cErr))
			return
		}
		contentPtr = &content
	}

	resp := toDetailResponse(item, contentPtr)
	// Only succeeded/failed items are cached: queued/processing items change
	// too often for a 30s TTL to be worth the staleness risk.
	if item.Status == domain.StatusSucceeded || item.Status == domain.StatusFailed {
		_ = s.cache.Set(r.Context(), cacheKey, resp, itemCacheTTL)
	}
	writeJSON(w, http.StatusOK, resp)
}

func itemCacheKey(itemID uuid.UUID, includeContent bool) string {
	return fmt.Sprintf("item:%s:content=%t", itemID, includeContent)
}

func (s *Server) handlePatchItemText(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	itemID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.UserInput("invalid item id", err))
		return
	}

	var body patchItemTextRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.UserInput("invalid request body", err))
		return
	}
	if err := domain.ValidatePastedText(body.PastedText); err != nil {
		writeError(w, apierr.UserInput(err.Error(), err))
		return
	}

	existing, err := s.store.GetItem(r.Context(), itemID, userID)
	if err != nil {
		writeError(w, mapNotFound(err, "Item not found."))
		return
	}
	if existing.Status != domain.StatusNeedsUserText {
		writeError(w, apierr.StateConflict("Item is not in needs_user_text status.", domain.ErrNotNeedsUserText))
		return
	}

	updated, err := s.store.PatchItemText(r.Context(), itemID, body.PastedText)
	if err != nil {
		writeError(w, apierr.Internal("failed to update item text", err))
		return
	}

	content, err := s.store.GetItemContent(r.Context(), itemID)
	if err != nil {
		writeError(w, apierr.Internal("failed to load item content", err))
		return
	}

	_ = s.cache.Invalidate(r.Context(), itemCacheKey(itemID, true))
	_ = s.cache.Invalidate(r.Context(), itemCacheKey(itemID, false))
	s.events.ItemIngested(r.Context(), events.ItemIngested{ItemID: updated.ID, UserID: userID})
	writeJSON(w, http.StatusOK, toDetailResponse(updated, &content))
}

func (s *Server) handleCreateSummary(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	itemID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.UserInput("invalid item id", err))
		return
	}
	modelKey := r.URL.Query().Get("model_key")

	text, err := s.summary.Summarize(r.Context(), itemID, userID, modelKey)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

func mapNotFound(err error, message string) error {
	if errors.Is(err, domain.ErrItemNotFound) {
		return apierr.NotFound(message, err)
	}
	return apierr.Internal("unexpected store error", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps an apierr.Kind (or an unwrapped error, treated as
// internal) to its HTTP status and writes a JSON error body.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal(err.Error(), err)
	}

	status := http.StatusInternalServerError
	switch apiErr.Kind {
	case apierr.KindUserInput:
		status = http.StatusBadRequest
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindStateConflict:
		status = http.StatusConflict
	case apierr.KindInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Error: apiErr.Message})
}
