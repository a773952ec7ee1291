// Package gate decides whether an inbound request may proceed at all:
// allow-list membership first, then the per-user rate limit.
package gate

import (
	"strings"
	"time"

	"github.com/nlazarev/chatgate/pkg/logger"
	"github.com/nlazarev/chatgate/pkg/ratelimit"
)

type Reason string

const (
	ReasonNotInAllowList Reason = "not_in_allow_list"
	ReasonRateLimited    Reason = "rate_limited"
)

// Decision is the outcome of an authorization check. RetryAfter is set only
// for rate-limit denials.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

type Gate struct {
	allowed map[string]struct{}
	open    bool
	limiter *ratelimit.Limiter
}

// New builds an admission gate. An empty allow-list means open mode: every
// user is allowed through to the rate limiter. That is a deliberate
// operational default, so it is logged rather than rejected.
func New(allowList []string, limiter *ratelimit.Limiter) *Gate {
	allowed := make(map[string]struct{}, len(allowList))
	for _, id := range allowList {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		allowed[id] = struct{}{}
	}

	open := len(allowed) == 0
	if open {
		logger.WarnC("gate", "No allowed users configured - allowing all users")
	}

	return &Gate{allowed: allowed, open: open, limiter: limiter}
}

// Authorize short-circuits on allow-list membership, then defers to the
// rate limiter, which consumes a slot on admission.
func (g *Gate) Authorize(user string, now time.Time) Decision {
	if !g.open {
		if _, ok := g.allowed[user]; !ok {
			logger.WarnCF("gate", "Unauthorized access attempt", map[string]interface{}{"user": user})
			return Decision{Allowed: false, Reason: ReasonNotInAllowList}
		}
	}

	dec := g.limiter.Admit(user, now)
	if !dec.Allowed {
		logger.WarnCF("gate", "Rate limit exceeded", map[string]interface{}{
			"user":        user,
			"retry_after": dec.RetryAfter.String(),
		})
		return Decision{Allowed: false, Reason: ReasonRateLimited, RetryAfter: dec.RetryAfter}
	}

	return Decision{Allowed: true}
}
