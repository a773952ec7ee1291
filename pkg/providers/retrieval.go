package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nlazarev/chatgate/pkg/logger"
)

// RetrievalClient queries an external knowledge-retrieval service. Like the
// chat client it is stateless and never retries.
type RetrievalClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewRetrievalClient(baseURL, apiKey string, timeout time.Duration) (*RetrievalClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("retrieval service URL is required")
	}

	return &RetrievalClient{
		name:       "retrieval",
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *RetrievalClient) Name() string {
	return c.name
}

// Query posts the user's question, optionally with a short slice of recent
// conversation, and decodes {answer, sources, confidence}.
func (c *RetrievalClient) Query(ctx context.Context, query string, contextPayload map[string]interface{}, userID string) (*RetrievalResult, error) {
	requestBody := map[string]interface{}{
		"query":   query,
		"user_id": userID,
	}
	if len(contextPayload) > 0 {
		requestBody["context"] = contextPayload
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.name, err)
	}

	logger.DebugCF("providers", "Sending retrieval request", map[string]interface{}{
		"provider": c.name,
		"user":     userID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chatgate/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", c.name, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &APIError{Provider: c.name, Message: extractAPIError(body, resp.StatusCode)}
	}

	var result RetrievalResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", c.name, ErrMalformedResponse)
	}

	return &result, nil
}
