package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// LibreTranslate calls a LibreTranslate /translate endpoint.
type LibreTranslate struct {
	url    string
	client *http.Client
}

type libreRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type libreResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

// NewLibreTranslate creates a provider for the endpoint at url.
func NewLibreTranslate(url string, client *http.Client) *LibreTranslate {
	if client == nil {
		client = http.DefaultClient
	}
	return &LibreTranslate{url: url, client: client}
}

func (l *LibreTranslate) Name() string             { return "libretranslate" }
func (l *LibreTranslate) RequiresCredential() bool { return false }
func (l *LibreTranslate) Markers() []string        { return nil }

func (l *LibreTranslate) Translate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(libreRequest{Q: req.Text, Source: req.Source, Target: req.Target, Format: "text"})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp libreResponse
	if err := doJSON(l.client, l.Name(), httpReq, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New("libretranslate: " + resp.Error)
	}
	return resp.TranslatedText, nil
}
