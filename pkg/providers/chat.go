// ChatGate - admission-controlled LLM chat pipeline
// License: MIT

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nlazarev/chatgate/pkg/logger"
)

const DefaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"

// ChatClient is a stateless adapter over a chat-completions HTTP API.
// It never retries; fallback policy belongs to the orchestrator.
type ChatClient struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	httpClient   *http.Client
}

func NewChatClient(apiKey, apiBase, proxy, defaultModel string, timeout time.Duration) (*ChatClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("chat provider API key is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		apiBase = DefaultOpenRouterAPIBase
	}

	client := &http.Client{Timeout: timeout}
	if proxy = strings.TrimSpace(proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse chat provider proxy: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return &ChatClient{
		name:         "openrouter",
		apiKey:       apiKey,
		apiBase:      apiBase,
		defaultModel: strings.TrimSpace(defaultModel),
		httpClient:   client,
	}, nil
}

func (c *ChatClient) Name() string {
	return c.name
}

func (c *ChatClient) Generate(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = c.defaultModel
	}

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if opts.MaxTokens > 0 {
		requestBody["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		requestBody["temperature"] = opts.Temperature
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.name, err)
	}

	logger.DebugCF("providers", "Sending generation request", map[string]interface{}{
		"provider": c.name,
		"model":    model,
		"messages": len(messages),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

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

	return c.parseResponse(body, model)
}

func (c *ChatClient) parseResponse(body []byte, requestedModel string) (*ChatResult, error) {
	var apiResponse struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *UsageInfo `json:"usage"`
		Model string     `json:"model"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", c.name, ErrMalformedResponse)
	}

	// Some upstreams return errors with a 200 status.
	if apiResponse.Error != nil {
		return nil, &APIError{Provider: c.name, Message: apiResponse.Error.Message}
	}
	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("%s response has no choices: %w", c.name, ErrMalformedResponse)
	}

	model := apiResponse.Model
	if model == "" {
		model = requestedModel
	}

	return &ChatResult{
		Content: apiResponse.Choices[0].Message.Content,
		Model:   model,
		Usage:   apiResponse.Usage,
	}, nil
}

// extractAPIError pulls the upstream {error:{message}} out of an error body,
// falling back to the raw status.
func extractAPIError(body []byte, status int) string {
	var errResponse struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResponse); err == nil && errResponse.Error.Message != "" {
		return errResponse.Error.Message
	}
	return fmt.Sprintf("request failed with status %d", status)
}
