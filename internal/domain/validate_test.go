package domain

import (
	"errors"
	"testing"
)

func TestValidateCreateItem_Valid(t *testing.T) {
	cases := []CreateItemInput{
		{URL: "https://example.com/article"},
		{PastedText: "hello world"},
		{URL: "https://example.com", PastedText: "hello", PreferPastedText: true},
	}
	for _, in := range cases {
		if err := ValidateCreateItem(in); err != nil {
			t.Errorf("expected valid for %+v, got %v", in, err)
		}
	}
}

func TestValidateCreateItem_MissingBoth(t *testing.T) {
	err := ValidateCreateItem(CreateItemInput{})
	if !errors.Is(err, ErrMissingSubmission) {
		t.Errorf("expected ErrMissingSubmission, got %v", err)
	}
}

func TestValidateCreateItem_URLTooLong(t *testing.T) {
	longURL := "https://example.com/"
	for len(longURL) <= 4096 {
		longURL += "a"
	}
	err := ValidateCreateItem(CreateItemInput{URL: longURL})
	if !errors.Is(err, ErrURLTooLong) {
		t.Errorf("expected ErrURLTooLong, got %v", err)
	}
}

func TestValidateCreateItem_PastedTextTooLong(t *testing.T) {
	text := make([]byte, 200001)
	for i := range text {
		text[i] = 'a'
	}
	err := ValidateCreateItem(CreateItemInput{PastedText: string(text)})
	if !errors.Is(err, ErrPastedTextTooLong) {
		t.Errorf("expected ErrPastedTextTooLong, got %v", err)
	}
}

func TestUsesPastedTextPath(t *testing.T) {
	cases := []struct {
		in   CreateItemInput
		want bool
	}{
		{CreateItemInput{PastedText: "hello"}, true},
		{CreateItemInput{URL: "https://example.com"}, false},
		{CreateItemInput{URL: "https://example.com", PastedText: "hi"}, false},
		{CreateItemInput{URL: "https://example.com", PastedText: "hi", PreferPastedText: true}, true},
	}
	for _, c := range cases {
		if got := UsesPastedTextPath(c.in); got != c.want {
			t.Errorf("UsesPastedTextPath(%+v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestValidatePastedText(t *testing.T) {
	if err := ValidatePastedText(""); !errors.Is(err, ErrEmptyPastedText) {
		t.Errorf("expected ErrEmptyPastedText, got %v", err)
	}
	if err := ValidatePastedText("  "); !errors.Is(err, ErrEmptyPastedText) {
		t.Errorf("expected ErrEmptyPastedText for whitespace, got %v", err)
	}
	if err := ValidatePastedText("hello"); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
}

func TestNormalizeModelKey(t *testing.T) {
	mk, err := NormalizeModelKey("", ModelMid)
	if err != nil || mk != ModelMid {
		t.Errorf("expected default mid, got %v, %v", mk, err)
	}
	mk, err = NormalizeModelKey("STRONG", ModelMid)
	if err != nil || mk != ModelStrong {
		t.Errorf("expected STRONG to normalize to strong, got %v, %v", mk, err)
	}
	_, err = NormalizeModelKey("nope", ModelMid)
	if !errors.Is(err, ErrInvalidModelKey) {
		t.Errorf("expected ErrInvalidModelKey, got %v", err)
	}
}
