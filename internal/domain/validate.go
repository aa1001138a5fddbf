package domain

import "strings"

const (
	maxURLChars        = 4096
	maxPastedTextChars = 200000
)

// CreateItemInput is the validated shape of a POST /items body.
type CreateItemInput struct {
	URL              string
	PastedText       string
	PreferPastedText bool
}

// ValidateCreateItem checks a create-item request per spec: at least one of
// url or pasted_text, and length bounds on both. Which source wins when both
// are supplied is decided by UsesPastedTextPath.
func ValidateCreateItem(in CreateItemInput) error {
	hasURL := strings.TrimSpace(in.URL) != ""
	hasPaste := strings.TrimSpace(in.PastedText) != ""

	if !hasURL && !hasPaste {
		return NewValidationError("url/pasted_text", "", ErrMissingSubmission)
	}
	if hasURL && len(in.URL) > maxURLChars {
		return NewValidationError("url", in.URL, ErrURLTooLong)
	}
	if hasPaste && len(in.PastedText) > maxPastedTextChars {
		return NewValidationError("pasted_text", "", ErrPastedTextTooLong)
	}
	return nil
}

// UsesPastedTextPath reports whether create-item should take the immediate
// paste path rather than queuing a URL fetch.
func UsesPastedTextPath(in CreateItemInput) bool {
	hasURL := strings.TrimSpace(in.URL) != ""
	hasPaste := strings.TrimSpace(in.PastedText) != ""
	if !hasURL {
		return hasPaste
	}
	return hasPaste && in.PreferPastedText
}

// ValidatePastedText checks a PATCH .../text body.
func ValidatePastedText(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewValidationError("pasted_text", "", ErrEmptyPastedText)
	}
	if len(text) > maxPastedTextChars {
		return NewValidationError("pasted_text", "", ErrPastedTextTooLong)
	}
	return nil
}

// NormalizeModelKey lowercases and validates a requested model_key,
// defaulting to def when raw is empty.
func NormalizeModelKey(raw string, def ModelKey) (ModelKey, error) {
	if raw == "" {
		raw = string(def)
	}
	mk := ModelKey(strings.ToLower(raw))
	if !ValidModelKeys[mk] {
		return "", NewValidationError("model_key", raw, ErrInvalidModelKey)
	}
	return mk, nil
}
