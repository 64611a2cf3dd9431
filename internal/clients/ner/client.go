package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/httpx"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
)

// Span is one named-entity mention found in a chunk of text.
type Span struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Client talks to the optional NER sidecar. Extraction uses it to seed
// entity spans when the LLM extractor is unavailable or as a cross-check.
type Client interface {
	Available() bool
	ExtractSpans(ctx context.Context, text string) ([]Span, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client
}

// NewFromEnv builds the client from NER_SERVICE_URL. A missing URL is not an
// error; the returned client reports Available() == false.
func NewFromEnv(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("NER_SERVICE_URL")), "/")
	timeout := envutil.Seconds("NER_TIMEOUT_SECONDS", 10*time.Second)

	return &client{
		log:        log.With("service", "NERClient"),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *client) Available() bool {
	return c != nil && c.baseURL != ""
}

func (c *client) ExtractSpans(ctx context.Context, text string) ([]Span, error) {
	if !c.Available() {
		return nil, fmt.Errorf("ner service not configured")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return []Span{}, nil
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]string{"text": text}); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/entities", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("ner read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out struct {
		Spans []Span `json:"spans"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ner decode response: %w", err)
	}

	spans := out.Spans[:0]
	for _, s := range out.Spans {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		if s.Confidence <= 0 {
			s.Confidence = 0.5
		}
		spans = append(spans, s)
	}
	return spans, nil
}
