package gateway

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nlazarev/chatgate/pkg/agent"
	"github.com/nlazarev/chatgate/pkg/audit"
	"github.com/nlazarev/chatgate/pkg/contextstore"
	"github.com/nlazarev/chatgate/pkg/gate"
	"github.com/nlazarev/chatgate/pkg/ratelimit"
)

type stubStore struct {
	mu        sync.Mutex
	appended  []contextstore.Turn
	appendErr error
	cleared   []string
}

func (s *stubStore) Append(_ context.Context, user, role, content string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, contextstore.Turn{Role: role, Content: content, CreatedAt: now})
	return nil
}

func (s *stubStore) Clear(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, user)
	return nil
}

func (s *stubStore) Summarize(_ context.Context, _ string, _ time.Time) contextstore.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contextstore.Summary{Count: len(s.appended)}
}

type stubOrchestrator struct {
	result   agent.Result
	inFlight atomic.Int32
	overlap  atomic.Bool
	calls    atomic.Int32
	lastReq  agent.Request
}

func (s *stubOrchestrator) Generate(_ context.Context, req agent.Request) agent.Result {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	time.Sleep(5 * time.Millisecond)
	s.inFlight.Add(-1)
	s.calls.Add(1)
	s.lastReq = req
	return s.result
}

type stubAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (s *stubAudit) Record(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func newTestGateway(allowList []string, limit int, store *stubStore, orch *stubOrchestrator, auditLog AuditLog) *Gateway {
	g := gate.New(allowList, ratelimit.NewLimiter(limit, time.Minute))
	return New(g, store, orch, auditLog, nil, agent.ModeDirect)
}

func TestHandleUserMessage_Success(t *testing.T) {
	store := &stubStore{}
	orch := &stubOrchestrator{result: agent.Result{
		Text:           "generated reply",
		ProviderUsed:   agent.ProviderPrimary,
		Model:          "test-model",
		TokensConsumed: 20,
		Success:        true,
	}}
	auditLog := &stubAudit{}
	gw := newTestGateway(nil, 10, store, orch, auditLog)

	reply := gw.HandleUserMessage(context.Background(), "42", "hello", time.Now())
	if reply != "generated reply" {
		t.Fatalf("unexpected reply %q", reply)
	}

	if len(store.appended) != 1 || store.appended[0].Role != contextstore.RoleUser {
		t.Fatalf("expected user turn appended before generation, got %+v", store.appended)
	}
	if orch.lastReq.User != "42" || orch.lastReq.Mode != agent.ModeDirect {
		t.Fatalf("unexpected orchestrator request %+v", orch.lastReq)
	}

	if len(auditLog.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(auditLog.entries))
	}
	entry := auditLog.entries[0]
	if entry.Provider != agent.ProviderPrimary || entry.TokensUsed != 20 || entry.BotResponse != "generated reply" {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
}

func TestHandleUserMessage_DeniedByAllowList(t *testing.T) {
	store := &stubStore{}
	orch := &stubOrchestrator{}
	gw := newTestGateway([]string{"42"}, 10, store, orch, nil)

	reply := gw.HandleUserMessage(context.Background(), "13", "hello", time.Now())
	if !strings.Contains(reply, "do not have access") {
		t.Fatalf("expected access-denied text, got %q", reply)
	}
	if orch.calls.Load() != 0 {
		t.Fatalf("denied request must not reach the orchestrator")
	}
	if len(store.appended) != 0 {
		t.Fatalf("denied request must not mutate context")
	}
}

func TestHandleUserMessage_RateLimitWarningSuppressed(t *testing.T) {
	store := &stubStore{}
	orch := &stubOrchestrator{result: agent.Result{Text: "ok", Success: true, ProviderUsed: agent.ProviderPrimary}}
	gw := newTestGateway(nil, 1, store, orch, nil)
	now := time.Unix(1_700_000_000, 0)

	if reply := gw.HandleUserMessage(context.Background(), "42", "first", now); reply != "ok" {
		t.Fatalf("first message should pass, got %q", reply)
	}

	warn := gw.HandleUserMessage(context.Background(), "42", "second", now.Add(time.Second))
	if !strings.Contains(warn, "exceeded the message limit") {
		t.Fatalf("expected rate-limit warning, got %q", warn)
	}
	if !strings.Contains(warn, "seconds") {
		t.Fatalf("warning should carry retry seconds, got %q", warn)
	}

	// A second denial inside the cooldown stays silent.
	if reply := gw.HandleUserMessage(context.Background(), "42", "third", now.Add(2*time.Second)); reply != "" {
		t.Fatalf("expected suppressed warning, got %q", reply)
	}
}

func TestHandleUserMessage_StoreFailureShortCircuits(t *testing.T) {
	store := &stubStore{appendErr: contextstore.ErrStoreUnavailable}
	orch := &stubOrchestrator{}
	gw := newTestGateway(nil, 10, store, orch, nil)

	reply := gw.HandleUserMessage(context.Background(), "42", "hello", time.Now())
	if !strings.Contains(reply, "could not process") {
		t.Fatalf("expected store-failure apology, got %q", reply)
	}
	if orch.calls.Load() != 0 {
		t.Fatalf("generation must not run after a failed user-turn append")
	}
}

func TestHandleUserMessage_AuditFailureKeepsReply(t *testing.T) {
	store := &stubStore{}
	orch := &stubOrchestrator{result: agent.Result{Text: "reply", Success: true, ProviderUsed: agent.ProviderPrimary}}
	auditLog := &stubAudit{err: context.DeadlineExceeded}
	gw := newTestGateway(nil, 10, store, orch, auditLog)

	if reply := gw.HandleUserMessage(context.Background(), "42", "hello", time.Now()); reply != "reply" {
		t.Fatalf("audit failure must not affect the reply, got %q", reply)
	}
}

func TestHandleUserMessage_SerializedPerUser(t *testing.T) {
	store := &stubStore{}
	orch := &stubOrchestrator{result: agent.Result{Text: "ok", Success: true, ProviderUsed: agent.ProviderPrimary}}
	gw := newTestGateway(nil, 100, store, orch, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gw.HandleUserMessage(context.Background(), "same-user", "msg", time.Now())
		}()
	}
	wg.Wait()

	if orch.overlap.Load() {
		t.Fatalf("requests for one user must not be processed concurrently")
	}
	if orch.calls.Load() != 8 {
		t.Fatalf("expected all 8 requests processed, got %d", orch.calls.Load())
	}
}

func TestSetMode(t *testing.T) {
	orch := &stubOrchestrator{result: agent.Result{Text: "ok", Success: true, ProviderUsed: agent.ProviderRetrieval}}
	gw := newTestGateway(nil, 10, &stubStore{}, orch, nil)

	gw.SetMode(agent.ModeRetrieval)
	gw.HandleUserMessage(context.Background(), "42", "hello", time.Now())

	if orch.lastReq.Mode != agent.ModeRetrieval {
		t.Fatalf("expected retrieval mode after switch, got %q", orch.lastReq.Mode)
	}
}

func TestClearContext(t *testing.T) {
	store := &stubStore{}
	gw := newTestGateway(nil, 10, store, &stubOrchestrator{}, nil)

	if err := gw.ClearContext(context.Background(), "42"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(store.cleared) != 1 || store.cleared[0] != "42" {
		t.Fatalf("expected clear forwarded to store, got %v", store.cleared)
	}
}
