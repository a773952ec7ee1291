package providers

import "encoding/json"

// Message is one chat-completions message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UsageInfo mirrors the usage block of chat-completions responses.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatOptions tunes a single generation request. Zero values fall back to
// the client's defaults.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatResult is a successful generation response.
type ChatResult struct {
	Content string
	Model   string
	Usage   *UsageInfo
}

// RetrievalResult is a successful retrieval-provider response. Sources are
// kept opaque; callers only ever count them.
type RetrievalResult struct {
	Answer     string            `json:"answer"`
	Sources    []json.RawMessage `json:"sources"`
	Confidence float64           `json:"confidence"`
}
