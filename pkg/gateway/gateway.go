// ChatGate - admission-controlled LLM chat pipeline
// License: MIT

// Package gateway is the transport-agnostic inbound surface: one call per
// user message, admission first, then the generation pipeline. Every path
// resolves to reply text; no error ever reaches the transport.
package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nlazarev/chatgate/pkg/agent"
	"github.com/nlazarev/chatgate/pkg/audit"
	"github.com/nlazarev/chatgate/pkg/contextstore"
	"github.com/nlazarev/chatgate/pkg/gate"
	"github.com/nlazarev/chatgate/pkg/logger"
	"github.com/nlazarev/chatgate/pkg/observability"
	"github.com/nlazarev/chatgate/pkg/ratelimit"
)

const (
	deniedText       = "You do not have access to this bot. Contact the administrator to request access."
	rateLimitedText  = "You have exceeded the message limit. Try again in %d seconds."
	storeFailureText = "Sorry, I could not process your message right now. Please try again later."

	warnCooldown = 60 * time.Second
)

// AuditLog records finished exchanges. Implementations must tolerate being
// called concurrently; failures are logged, never surfaced.
type AuditLog interface {
	Record(ctx context.Context, e audit.Entry) error
}

type ContextStore interface {
	Append(ctx context.Context, user, role, content string, now time.Time) error
	Clear(ctx context.Context, user string) error
	Summarize(ctx context.Context, user string, now time.Time) contextstore.Summary
}

type Orchestrator interface {
	Generate(ctx context.Context, req agent.Request) agent.Result
}

type Gateway struct {
	gate    *gate.Gate
	warns   *ratelimit.WarnTracker
	store   ContextStore
	orch    Orchestrator
	audit   AuditLog // optional
	metrics *observability.Metrics

	mu    sync.Mutex
	mode  agent.Mode
	locks map[string]*sync.Mutex
}

func New(g *gate.Gate, store ContextStore, orch Orchestrator, auditLog AuditLog, metrics *observability.Metrics, mode agent.Mode) *Gateway {
	return &Gateway{
		gate:    g,
		warns:   ratelimit.NewWarnTracker(warnCooldown),
		store:   store,
		orch:    orch,
		audit:   auditLog,
		metrics: metrics,
		mode:    mode,
		locks:   make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing all processing for one user.
// Requests from distinct users proceed in parallel; a single user's
// admission check, context appends and generation form one unit.
func (g *Gateway) userLock(user string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[user]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[user] = lock
	}
	return lock
}

// SetMode switches the response mode for subsequent messages.
func (g *Gateway) SetMode(mode agent.Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
}

func (g *Gateway) currentMode() agent.Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// HandleUserMessage processes one inbound text message and returns the
// reply text. An empty reply means nothing should be sent (suppressed
// rate-limit warning).
func (g *Gateway) HandleUserMessage(ctx context.Context, user, text string, now time.Time) string {
	lock := g.userLock(user)
	lock.Lock()
	defer lock.Unlock()

	dec := g.gate.Authorize(user, now)
	if !dec.Allowed {
		switch dec.Reason {
		case gate.ReasonNotInAllowList:
			g.metrics.IncRequest(observability.OutcomeDeniedAllow)
			return deniedText
		default:
			g.metrics.IncRequest(observability.OutcomeRateLimited)
			if !g.warns.ShouldWarn(user, now) {
				return ""
			}
			seconds := int(math.Ceil(dec.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			return fmt.Sprintf(rateLimitedText, seconds)
		}
	}

	if err := g.store.Append(ctx, user, contextstore.RoleUser, text, now); err != nil {
		logger.ErrorCF("gateway", "Failed to append user turn", map[string]interface{}{
			"user":  user,
			"error": err.Error(),
		})
		g.metrics.IncRequest(observability.OutcomeStoreError)
		g.metrics.IncContextAppendFailure()
		return storeFailureText
	}

	started := time.Now()
	result := g.orch.Generate(ctx, agent.Request{
		User: user,
		Text: text,
		Mode: g.currentMode(),
		Now:  now,
	})
	g.metrics.ObserveGenerationLatency(time.Since(started))

	if result.Success {
		g.metrics.IncRequest(observability.OutcomeOK)
	} else {
		g.metrics.IncRequest(observability.OutcomeProviderError)
		g.metrics.IncProviderError(result.ProviderUsed)
	}

	g.recordAudit(ctx, user, text, result)

	logger.InfoCF("gateway", "Processed message", map[string]interface{}{
		"user":     user,
		"provider": result.ProviderUsed,
		"success":  result.Success,
		"tokens":   result.TokensConsumed,
	})

	return result.Text
}

func (g *Gateway) recordAudit(ctx context.Context, user, text string, result agent.Result) {
	if g.audit == nil {
		return
	}
	err := g.audit.Record(ctx, audit.Entry{
		UserID:      user,
		UserMessage: text,
		BotResponse: result.Text,
		Provider:    result.ProviderUsed,
		Model:       result.Model,
		TokensUsed:  result.TokensConsumed,
	})
	if err != nil {
		// Audit storage must never cost the user their reply.
		logger.ErrorCF("gateway", "Failed to record audit entry", map[string]interface{}{
			"user":  user,
			"error": err.Error(),
		})
	}
}

// ClearContext wipes the user's conversation window immediately.
func (g *Gateway) ClearContext(ctx context.Context, user string) error {
	lock := g.userLock(user)
	lock.Lock()
	defer lock.Unlock()
	return g.store.Clear(ctx, user)
}

// ContextSummary reports the state of the user's conversation window.
func (g *Gateway) ContextSummary(ctx context.Context, user string, now time.Time) contextstore.Summary {
	return g.store.Summarize(ctx, user, now)
}
