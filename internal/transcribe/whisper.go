package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// WhisperClient talks to a whisper.cpp server (or any server exposing the
// same /inference and /load endpoints).
type WhisperClient struct {
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
}

// TranscribeOpts are per-request options. Zero-value fields are omitted from
// the request.
type TranscribeOpts struct {
	Temperature float64
	Language    string // empty or "auto" lets the engine detect
	Prompt      string
}

// WhisperResponse is the parsed verbose_json response.
type WhisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("whisper API error (status %d): %s", e.Status, e.Body)
}

// NewWhisperClient creates a client for the server at baseURL.
func NewWhisperClient(baseURL, model string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Transcribe sends an in-memory WAV file to /inference.
func (wc *WhisperClient) Transcribe(ctx context.Context, wav []byte, opts TranscribeOpts) (*WhisperResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	if opts.Language != "" && opts.Language != "auto" {
		w.WriteField("language", opts.Language)
	} else {
		w.WriteField("language", "auto")
	}
	w.WriteField("temperature", fmt.Sprintf("%.2f", opts.Temperature))
	w.WriteField("temperature_inc", "0.00")
	w.WriteField("response_format", "verbose_json")
	if opts.Prompt != "" {
		w.WriteField("prompt", opts.Prompt)
	}
	w.Close()

	body, err := wc.post(ctx, "/inference", w.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	var result WhisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// LoadModel asks the server to swap to the model file at path.
func (wc *WhisperClient) LoadModel(ctx context.Context, path string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("model", path)
	w.Close()

	_, err := wc.post(ctx, "/load", w.FormDataContentType(), &buf)
	return err
}

func (wc *WhisperClient) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// isServerFault reports whether err points at the engine rather than at the
// segment: transport failures and 5xx responses.
func isServerFault(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	var syntax *json.SyntaxError
	return !errors.As(err, &syntax)
}
