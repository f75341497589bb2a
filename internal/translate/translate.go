// Package translate normalizes user prompts to the language the generation
// models were trained on. Translation is best-effort: a failing translator
// never blocks a generation, the original prompt is used instead.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zulandar/darkroom/internal/config"
)

// Translator converts free text to the backend's working language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Noop passes prompts through unchanged. Used when no translation service
// is configured.
type Noop struct{}

// Translate returns text unchanged.
func (Noop) Translate(_ context.Context, text string) (string, error) {
	return text, nil
}

// LibreTranslate calls a LibreTranslate-compatible HTTP endpoint.
type LibreTranslate struct {
	url    string
	target string
	client *http.Client
}

// NewLibreTranslate creates a LibreTranslate client for the given base URL.
func NewLibreTranslate(url, target string) *LibreTranslate {
	if target == "" {
		target = "en"
	}
	return &LibreTranslate{
		url:    url,
		target: target,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// FromConfig returns the configured translator: LibreTranslate when a URL is
// set, Noop otherwise.
func FromConfig(tc config.TranslateConfig) Translator {
	if tc.URL == "" {
		return Noop{}
	}
	return NewLibreTranslate(tc.URL, tc.Target)
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

// Translate posts the text to the /translate endpoint with source language
// auto-detection.
func (lt *LibreTranslate) Translate(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(translateRequest{
		Q:      text,
		Source: "auto",
		Target: lt.target,
		Format: "text",
	})
	if err != nil {
		return "", fmt.Errorf("translate: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lt.url+"/translate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("translate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lt.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translate: unexpected status %d", resp.StatusCode)
	}

	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("translate: decode response: %w", err)
	}
	if out.TranslatedText == "" {
		return "", fmt.Errorf("translate: empty response")
	}
	return out.TranslatedText, nil
}
