package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// myMemoryMaxRunes is the longest query the free tier accepts.
const myMemoryMaxRunes = 500

// MyMemory calls the free MyMemory translation API.
type MyMemory struct {
	url    string
	client *http.Client
}

type myMemoryResponse struct {
	ResponseData struct {
		TranslatedText string `json:"translatedText"`
	} `json:"responseData"`
	// responseStatus is a number on success and sometimes a string on error.
	ResponseStatus  json.RawMessage `json:"responseStatus"`
	ResponseDetails string          `json:"responseDetails"`
}

// NewMyMemory creates a MyMemory provider for the /get endpoint at baseURL.
func NewMyMemory(baseURL string, client *http.Client) *MyMemory {
	if client == nil {
		client = http.DefaultClient
	}
	return &MyMemory{url: baseURL, client: client}
}

func (m *MyMemory) Name() string             { return "mymemory" }
func (m *MyMemory) RequiresCredential() bool { return false }

func (m *MyMemory) Markers() []string {
	return []string{
		"MYMEMORY WARNING",
		"QUERY LENGTH LIMIT EXCEEDED",
		"INVALID LANGUAGE PAIR",
		"PLEASE SELECT TWO DISTINCT LANGUAGES",
		"NO QUERY SPECIFIED",
	}
}

func (m *MyMemory) Translate(ctx context.Context, req Request) (string, error) {
	u, err := url.Parse(m.url)
	if err != nil {
		return "", fmt.Errorf("parse mymemory url: %w", err)
	}
	q := u.Query()
	q.Set("q", truncateRunes(req.Text, myMemoryMaxRunes))
	q.Set("langpair", req.Source+"|"+req.Target)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	var resp myMemoryResponse
	if err := doJSON(m.client, m.Name(), httpReq, &resp); err != nil {
		return "", err
	}
	if status := strings.Trim(string(resp.ResponseStatus), `"`); status != "200" {
		return "", fmt.Errorf("mymemory status %s: %s", status, resp.ResponseDetails)
	}
	return resp.ResponseData.TranslatedText, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
