// ChatGate - admission-controlled LLM chat pipeline
// License: MIT

// Package agent orchestrates reply generation: it composes the context
// store with the generation and retrieval providers under one of three
// response modes, with a fallback cascade when the preferred path fails.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nlazarev/chatgate/pkg/contextstore"
	"github.com/nlazarev/chatgate/pkg/logger"
	"github.com/nlazarev/chatgate/pkg/providers"
)

type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeRetrieval Mode = "retrieval"
	ModeHybrid    Mode = "hybrid"
)

// DefaultConfidenceThreshold gates retrieval-answer injection in hybrid
// mode. The value is a tuning choice, not a derived constant.
const DefaultConfidenceThreshold = 0.3

// retrievalContextTurns is how many recent turns accompany a retrieval query.
const retrievalContextTurns = 3

const (
	ProviderPrimary   = "primary"
	ProviderRetrieval = "retrieval"
	ProviderHybrid    = "hybrid"
)

const apologyText = "Sorry, something went wrong while generating a reply. Please try again later."

type ChatProvider interface {
	Generate(ctx context.Context, messages []providers.Message, opts providers.ChatOptions) (*providers.ChatResult, error)
}

type RetrievalProvider interface {
	Query(ctx context.Context, query string, contextPayload map[string]interface{}, userID string) (*providers.RetrievalResult, error)
}

type ContextStore interface {
	Append(ctx context.Context, user, role, content string, now time.Time) error
	Read(ctx context.Context, user string, now time.Time) []contextstore.Turn
}

// Request describes one generation pass.
type Request struct {
	User          string
	Text          string
	Mode          Mode
	ModelOverride string
	Now           time.Time
}

// Result is what every generation pass resolves to; no error escapes Generate.
type Result struct {
	Text           string
	ProviderUsed   string
	Model          string
	TokensConsumed int
	Success        bool
	ErrorDetail    string
}

type Options struct {
	Model               string
	MaxTokens           int
	Temperature         float64
	SystemPrompt        string
	ConfidenceThreshold float64
	UseContext          bool
}

type Orchestrator struct {
	store     ContextStore
	chat      ChatProvider
	retrieval RetrievalProvider
	opts      Options
}

// NewOrchestrator wires the generation pipeline. retrieval may be nil; the
// retrieval and hybrid modes then behave as if retrieval always failed.
// A negative ConfidenceThreshold selects the default; zero is a real
// threshold, so any positive confidence clears it.
func NewOrchestrator(store ContextStore, chat ChatProvider, retrieval RetrievalProvider, opts Options) *Orchestrator {
	if opts.ConfidenceThreshold < 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return &Orchestrator{store: store, chat: chat, retrieval: retrieval, opts: opts}
}

// Generate runs one pass through the decision flow selected by req.Mode.
// The caller has already appended the user's turn to the context store;
// every successful path appends the assistant's reply here.
func (o *Orchestrator) Generate(ctx context.Context, req Request) Result {
	var result Result
	switch req.Mode {
	case ModeRetrieval:
		result = o.generateRetrieval(ctx, req)
	case ModeHybrid:
		result = o.generateHybrid(ctx, req)
	default:
		result = o.generateDirect(ctx, req, nil)
	}

	if result.Success {
		o.appendAssistantTurn(ctx, req, result.Text)
	}
	return result
}

// generateDirect calls the primary provider once over the context window.
// extraSystem messages (hybrid injection) go between the system prompt and
// the conversation.
func (o *Orchestrator) generateDirect(ctx context.Context, req Request, extraSystem []providers.Message) Result {
	messages := make([]providers.Message, 0, 8)
	if o.opts.SystemPrompt != "" {
		messages = append(messages, providers.Message{Role: contextstore.RoleSystem, Content: o.opts.SystemPrompt})
	}
	messages = append(messages, extraSystem...)

	if o.opts.UseContext {
		// The window already ends with the just-appended user turn.
		for _, turn := range o.store.Read(ctx, req.User, req.Now) {
			messages = append(messages, providers.Message{Role: turn.Role, Content: turn.Content})
		}
	} else {
		messages = append(messages, providers.Message{Role: contextstore.RoleUser, Content: req.Text})
	}

	model := req.ModelOverride
	if model == "" {
		model = o.opts.Model
	}
	chatResult, err := o.chat.Generate(ctx, messages, providers.ChatOptions{
		Model:       model,
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
	})
	if err != nil {
		logger.ErrorCF("agent", "Primary provider failed", map[string]interface{}{
			"user":  req.User,
			"error": err.Error(),
		})
		return Result{Text: apologyText, ProviderUsed: ProviderPrimary, Success: false, ErrorDetail: err.Error()}
	}

	result := Result{
		Text:         chatResult.Content,
		ProviderUsed: ProviderPrimary,
		Model:        chatResult.Model,
		Success:      true,
	}
	if len(extraSystem) > 0 {
		result.ProviderUsed = ProviderHybrid
	}
	if chatResult.Usage != nil {
		result.TokensConsumed = chatResult.Usage.TotalTokens
	}
	return result
}

func (o *Orchestrator) generateRetrieval(ctx context.Context, req Request) Result {
	retrieved, err := o.queryRetrieval(ctx, req)
	if err != nil {
		logger.ErrorCF("agent", "Retrieval provider failed", map[string]interface{}{
			"user":  req.User,
			"error": err.Error(),
		})
		return Result{Text: apologyText, ProviderUsed: ProviderRetrieval, Success: false, ErrorDetail: err.Error()}
	}

	text := retrieved.Answer
	if n := len(retrieved.Sources); n > 0 {
		text = fmt.Sprintf("%s\n\n(sources: %d)", text, n)
	}
	// Retrieval-only responses report zero token usage.
	return Result{Text: text, ProviderUsed: ProviderRetrieval, Success: true}
}

// generateHybrid tries retrieval first (best-effort), injects a confident
// answer as extra system context, then runs the direct flow. A primary
// failure degrades to the already-obtained retrieval answer when there is
// one; only when both paths fail does the apology surface.
func (o *Orchestrator) generateHybrid(ctx context.Context, req Request) Result {
	retrieved, err := o.queryRetrieval(ctx, req)
	if err != nil {
		logger.WarnCF("agent", "Retrieval failed in hybrid mode, continuing direct", map[string]interface{}{
			"user":  req.User,
			"error": err.Error(),
		})
		retrieved = nil
	}

	var extraSystem []providers.Message
	if retrieved != nil && retrieved.Confidence > o.opts.ConfidenceThreshold {
		extraSystem = []providers.Message{{
			Role:    contextstore.RoleSystem,
			Content: "Relevant knowledge-base answer for the user's question:\n" + retrieved.Answer,
		}}
	}

	result := o.generateDirect(ctx, req, extraSystem)
	if result.Success {
		return result
	}

	if retrieved != nil {
		logger.WarnCF("agent", "Primary failed in hybrid mode, degrading to retrieval answer", map[string]interface{}{
			"user": req.User,
		})
		text := retrieved.Answer
		if n := len(retrieved.Sources); n > 0 {
			text = fmt.Sprintf("%s\n\n(sources: %d)", text, n)
		}
		return Result{Text: text, ProviderUsed: ProviderRetrieval, Success: true}
	}

	return result
}

func (o *Orchestrator) queryRetrieval(ctx context.Context, req Request) (*providers.RetrievalResult, error) {
	if o.retrieval == nil {
		return nil, fmt.Errorf("retrieval provider not configured")
	}

	var contextPayload map[string]interface{}
	if turns := o.store.Read(ctx, req.User, req.Now); len(turns) > 0 {
		if len(turns) > retrievalContextTurns {
			turns = turns[len(turns)-retrievalContextTurns:]
		}
		lines := make([]string, 0, len(turns))
		for _, turn := range turns {
			lines = append(lines, turn.Role+": "+turn.Content)
		}
		contextPayload = map[string]interface{}{
			"conversation": strings.Join(lines, "\n"),
		}
	}

	return o.retrieval.Query(ctx, req.Text, contextPayload, req.User)
}

func (o *Orchestrator) appendAssistantTurn(ctx context.Context, req Request, text string) {
	// The reply has already been produced; losing the context append must
	// not take the reply down with it.
	if err := o.store.Append(ctx, req.User, contextstore.RoleAssistant, text, req.Now); err != nil {
		logger.ErrorCF("agent", "Failed to record assistant turn", map[string]interface{}{
			"user":  req.User,
			"error": err.Error(),
		})
	}
}
