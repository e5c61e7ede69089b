package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
)

// Google calls the Cloud Translation v2 REST API. It needs an API key.
type Google struct {
	url    string
	client *http.Client
}

type googleRequest struct {
	Q      string `json:"q"`
	Target string `json:"target"`
	Source string `json:"source,omitempty"`
	Format string `json:"format"`
}

type googleResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText         string `json:"translatedText"`
			DetectedSourceLanguage string `json:"detectedSourceLanguage"`
		} `json:"translations"`
	} `json:"data"`
}

// NewGoogle creates a Google provider for the v2 endpoint at baseURL.
func NewGoogle(baseURL string, client *http.Client) *Google {
	if client == nil {
		client = http.DefaultClient
	}
	return &Google{url: baseURL, client: client}
}

func (g *Google) Name() string             { return "google" }
func (g *Google) RequiresCredential() bool { return true }
func (g *Google) Markers() []string        { return nil }

func (g *Google) Translate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(googleRequest{Q: req.Text, Target: req.Target, Source: req.Source, Format: "text"})
	if err != nil {
		return "", err
	}

	u, err := url.Parse(g.url)
	if err != nil {
		return "", fmt.Errorf("parse google url: %w", err)
	}
	q := u.Query()
	q.Set("key", req.Credential)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp googleResponse
	if err := doJSON(g.client, g.Name(), httpReq, &resp); err != nil {
		return "", err
	}
	if len(resp.Data.Translations) == 0 {
		return "", ErrEmptyResult
	}
	return html.UnescapeString(resp.Data.Translations[0].TranslatedText), nil
}
