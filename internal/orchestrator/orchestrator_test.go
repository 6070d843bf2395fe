package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/pkg/types"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent map[string][]OutboundMessage
}

func (t *fakeTransport) Send(connID string, msg OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sent == nil {
		t.sent = make(map[string][]OutboundMessage)
	}
	t.sent[connID] = append(t.sent[connID], msg)
	return nil
}

func (t *fakeTransport) messages(connID string) []OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OutboundMessage, len(t.sent[connID]))
	copy(out, t.sent[connID])
	return out
}

func (t *fakeTransport) ofType(connID, msgType string) []OutboundMessage {
	var out []OutboundMessage
	for _, m := range t.messages(connID) {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakeAdapter struct {
	opts agent.Options

	mu      sync.Mutex
	active  bool
	prompts []string
	aborts  int
	closed  bool
	mode    types.PermissionMode
}

func (a *fakeAdapter) Start(ctx context.Context, prompt string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return agent.ErrQueryInFlight
	}
	a.active = true
	a.prompts = append(a.prompts, prompt)
	return nil
}

func (a *fakeAdapter) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborts++
	a.active = false
}

func (a *fakeAdapter) SetPermissionMode(mode types.PermissionMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
}

func (a *fakeAdapter) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.active = false
	return nil
}

func (a *fakeAdapter) promptList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.prompts))
	copy(out, a.prompts)
	return out
}

func (a *fakeAdapter) emit(e agent.Event) {
	a.opts.Callbacks.OnEvent(e)
}

// finish completes the in-flight query with the given usage, mirroring the
// order a real runtime reports it: the query goes idle before the result
// event lands.
func (a *fakeAdapter) finish(u *agent.Usage) {
	a.mu.Lock()
	a.active = false
	a.mu.Unlock()
	a.emit(agent.Event{Kind: agent.KindResult, Usage: u})
}

type adapterHook struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
}

func (h *adapterHook) factory(opts agent.Options) (agent.Adapter, error) {
	a := &fakeAdapter{opts: opts, mode: opts.PermissionMode}
	h.mu.Lock()
	h.adapters = append(h.adapters, a)
	h.mu.Unlock()
	return a, nil
}

func (h *adapterHook) last() *fakeAdapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.adapters) == 0 {
		return nil
	}
	return h.adapters[len(h.adapters)-1]
}

type fixture struct {
	orch      *Orchestrator
	store     *storage.Store
	global    *permission.GlobalAllowlist
	transport *fakeTransport
	hook      *adapterHook
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := storage.New(t.TempDir())
	global, err := permission.LoadGlobalAllowlist(context.Background(), store)
	require.NoError(t, err)

	tr := &fakeTransport{}
	hook := &adapterHook{}
	return &fixture{
		orch:      New(store, global, tr, hook.factory, nil, opts...),
		store:     store,
		global:    global,
		transport: tr,
		hook:      hook,
	}
}

func (f *fixture) start(t *testing.T, sessionID, connID string, clientCount int) *fakeAdapter {
	t.Helper()
	f.orch.StartOrResume(context.Background(), StartRequest{
		SessionID:          sessionID,
		ConnectionID:       connID,
		WorkingDir:         "/tmp/work",
		ClientMessageCount: clientCount,
	})
	a := f.hook.last()
	require.NotNil(t, a)
	return a
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestColdStartSendsReadyState(t *testing.T) {
	f := newFixture(t)
	f.start(t, "sess-1", "conn-1", 0)

	msgs := f.transport.messages("conn-1")
	require.NotEmpty(t, msgs)
	assert.Equal(t, MsgSessionReady, msgs[0].Type)
	assert.Equal(t, types.PermissionDefault, msgs[0].PermissionMode)

	thinking := f.transport.ofType("conn-1", MsgThinking)
	require.Len(t, thinking, 1)
	assert.False(t, *thinking[0].Thinking)

	assert.Empty(t, f.transport.ofType("conn-1", MsgMessage))
	assert.Len(t, f.transport.ofType("conn-1", MsgAllowedTools), 1)
	assert.Len(t, f.transport.ofType("conn-1", MsgGlobalAllowedTools), 1)
}

func TestColdStartReplaysOnlyUnseenHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, f.store.AppendMessages(ctx, "sess-1", types.Message{Role: types.RoleUser, Content: c}))
	}
	usage := &types.ContextUsage{TokensUsed: 1234, ContextWindow: 200000}
	require.NoError(t, f.store.UpdateSession(ctx, "sess-1", func(m *types.SessionMeta) {
		m.ContextUsage = usage
	}))

	f.start(t, "sess-1", "conn-1", 3)

	replayed := f.transport.ofType("conn-1", MsgMessage)
	require.Len(t, replayed, 2)
	assert.Equal(t, "m4", replayed[0].Content)
	assert.Equal(t, "m5", replayed[1].Content)
	for _, m := range replayed {
		assert.True(t, m.Replay)
	}

	results := f.transport.ofType("conn-1", MsgResult)
	require.Len(t, results, 1)
	assert.Equal(t, 1234, results[0].Usage.TokensUsed)
}

func TestReplayClientAheadOfServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AppendMessages(ctx, "sess-1", types.Message{Role: types.RoleUser, Content: "m1"}))

	f.start(t, "sess-1", "conn-1", 10)

	assert.Empty(t, f.transport.ofType("conn-1", MsgMessage))
}

func TestResumeMovesOwnershipAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, c := range []string{"m1", "m2"} {
		require.NoError(t, f.store.AppendMessages(ctx, "sess-1", types.Message{Role: types.RoleUser, Content: c}))
	}
	a := f.start(t, "sess-1", "conn-1", 0)

	f.orch.StartOrResume(ctx, StartRequest{SessionID: "sess-1", ConnectionID: "conn-2", ClientMessageCount: 1})
	f.orch.StartOrResume(ctx, StartRequest{SessionID: "sess-1", ConnectionID: "conn-2", ClientMessageCount: 1})

	// Same agent, no second adapter.
	assert.Same(t, a, f.hook.last())

	replayed := f.transport.ofType("conn-2", MsgMessage)
	require.Len(t, replayed, 2)
	assert.Equal(t, "m2", replayed[0].Content)
	assert.Equal(t, "m2", replayed[1].Content)

	// Events now go to the new owner only.
	f.orch.SendMessage(ctx, "sess-1", "hello")
	assert.Len(t, f.transport.ofType("conn-2", MsgThinking), 3)
	assert.Len(t, f.transport.ofType("conn-1", MsgThinking), 1)
}

func TestSendMessageWhileBusyIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	f.orch.SendMessage(ctx, "sess-1", "first")
	f.orch.SendMessage(ctx, "sess-1", "second")

	assert.Equal(t, []string{"first"}, a.promptList())
	assert.Empty(t, f.transport.ofType("conn-1", MsgError))

	history, err := f.store.GetMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "first", history[0].Content)
}

func TestResultUsageFormula(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)
	f.orch.SendMessage(ctx, "sess-1", "go")

	a.finish(&agent.Usage{InputTokens: 100, CacheReadInputTokens: 900, CostUSD: 0.25})

	results := f.transport.ofType("conn-1", MsgResult)
	require.Len(t, results, 1)
	assert.Equal(t, 1000, results[0].Usage.TokensUsed)
	assert.Equal(t, 200000, results[0].Usage.ContextWindow)
	assert.Equal(t, 0.25, results[0].Usage.CostUSD)

	meta, err := f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, meta.ContextUsage)
	assert.Equal(t, 1000, meta.ContextUsage.TokensUsed)

	thinking := f.transport.ofType("conn-1", MsgThinking)
	assert.False(t, *thinking[len(thinking)-1].Thinking)
}

func TestAssistantEventsAppendAndRelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	a.emit(agent.Event{Kind: agent.KindAssistant, Message: json.RawMessage(`{"text":"old"}`), Replay: true})
	a.emit(agent.Event{Kind: agent.KindAssistant, Message: json.RawMessage(`{"text":"new"}`)})

	msgs := f.transport.ofType("conn-1", MsgMessage)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Replay)
	assert.False(t, msgs[1].Replay)

	// Runtime replays are relayed but never re-persisted.
	history, err := f.store.GetMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSystemInitAdvertisesConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	a.emit(agent.Event{Kind: agent.KindSystemInit, ConversationID: "conv-9", SlashCommands: []string{"/compact", "/help"}})

	cmds := f.transport.ofType("conn-1", MsgSlashCommands)
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"/compact", "/help"}, cmds[0].Commands)

	meta, err := f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-9", meta.ConversationID)

	thinking := f.transport.ofType("conn-1", MsgThinking)
	assert.True(t, *thinking[len(thinking)-1].Thinking)
}

func TestToolResultRelayedByInvocation(t *testing.T) {
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	a.emit(agent.Event{Kind: agent.KindUser, ToolUseID: "tool-1", ToolResult: json.RawMessage(`"done"`)})

	res := f.transport.ofType("conn-1", MsgToolResult)
	require.Len(t, res, 1)
	assert.Equal(t, "tool-1", res[0].InvocationID)
	assert.JSONEq(t, `"done"`, string(res[0].Result))
}

func TestPermissionFlowRememberSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	resCh := make(chan agent.PermissionResult, 1)
	go func() {
		resCh <- a.opts.Callbacks.OnPermission(ctx, "Bash", map[string]any{"command": "pnpm build"}, "inv-1")
	}()

	eventually(t, func() bool {
		return len(f.transport.ofType("conn-1", MsgPermissionRequest)) == 1
	}, "permission request relayed")
	req := f.transport.ofType("conn-1", MsgPermissionRequest)[0]
	assert.Equal(t, "inv-1", req.InvocationID)
	assert.Equal(t, "Bash", req.ToolName)
	assert.Contains(t, req.Title, "pnpm")

	f.orch.RespondToPermission(ctx, "sess-1", "inv-1", permission.Resolution{Allow: true, Remember: true})

	res := <-resCh
	assert.True(t, res.Allow)

	allowed := f.transport.ofType("conn-1", MsgAllowedTools)
	require.NotEmpty(t, allowed)
	assert.Contains(t, allowed[len(allowed)-1].Patterns, "Bash(pnpm build)")
	assert.Empty(t, f.global.Patterns())

	meta, err := f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Contains(t, meta.AllowedTools, "Bash(pnpm build)")

	// The decision force-broadcasts the thinking flag even when unchanged.
	thinking := f.transport.ofType("conn-1", MsgThinking)
	assert.True(t, *thinking[len(thinking)-1].Thinking)
}

func TestPermissionRememberGlobal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	resCh := make(chan agent.PermissionResult, 1)
	go func() {
		resCh <- a.opts.Callbacks.OnPermission(ctx, "Read", map[string]any{"file_path": "/etc/hosts"}, "inv-1")
	}()
	eventually(t, func() bool {
		return len(f.transport.ofType("conn-1", MsgPermissionRequest)) == 1
	}, "permission request relayed")

	f.orch.RespondToPermission(ctx, "sess-1", "inv-1", permission.Resolution{Allow: true, Remember: true, Global: true})
	assert.True(t, (<-resCh).Allow)

	assert.Contains(t, f.global.Patterns(), "Read(/etc/hosts)")
	meta, err := f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, meta.AllowedTools)
}

func TestPermissionDenyCarriesMarker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	resCh := make(chan agent.PermissionResult, 1)
	go func() {
		resCh <- a.opts.Callbacks.OnPermission(ctx, "Bash", map[string]any{"command": "rm -rf /"}, "inv-1")
	}()
	eventually(t, func() bool {
		return len(f.transport.ofType("conn-1", MsgPermissionRequest)) == 1
	}, "permission request relayed")

	f.orch.RespondToPermission(ctx, "sess-1", "inv-1", permission.Resolution{Allow: false, Message: "use the cleanup script"})

	res := <-resCh
	assert.False(t, res.Allow)
	assert.True(t, strings.HasPrefix(res.Message, "The user doesn't want to proceed with this tool use. "))
	assert.Contains(t, res.Message, "use the cleanup script")
}

func TestPermissionAutoAllowedBySessionList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)
	f.orch.SetAllowedTools(ctx, "sess-1", []string{"Bash(git status)"})

	res := a.opts.Callbacks.OnPermission(ctx, "Bash", map[string]any{"command": "git status --short"}, "inv-1")
	assert.True(t, res.Allow)
	assert.Empty(t, f.transport.ofType("conn-1", MsgPermissionRequest))
}

func TestAbortRejectsPendingPermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)
	f.orch.SendMessage(ctx, "sess-1", "go")

	resCh := make(chan agent.PermissionResult, 1)
	go func() {
		resCh <- a.opts.Callbacks.OnPermission(ctx, "Write", map[string]any{"file_path": "/tmp/x"}, "inv-1")
	}()
	eventually(t, func() bool {
		return len(f.transport.ofType("conn-1", MsgPermissionRequest)) == 1
	}, "permission request relayed")

	f.orch.Abort(ctx, "sess-1")

	res := <-resCh
	assert.False(t, res.Allow)
	assert.Equal(t, 1, func() int { a.mu.Lock(); defer a.mu.Unlock(); return a.aborts }())

	thinking := f.transport.ofType("conn-1", MsgThinking)
	assert.False(t, *thinking[len(thinking)-1].Thinking)
}

func TestResumeResendsPendingPermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	go a.opts.Callbacks.OnPermission(ctx, "Bash", map[string]any{"command": "make test"}, "inv-1")
	eventually(t, func() bool {
		return len(f.transport.ofType("conn-1", MsgPermissionRequest)) == 1
	}, "permission request relayed")

	f.orch.StartOrResume(ctx, StartRequest{SessionID: "sess-1", ConnectionID: "conn-2"})

	resent := f.transport.ofType("conn-2", MsgPermissionRequest)
	require.Len(t, resent, 1)
	assert.Equal(t, "inv-1", resent[0].InvocationID)
}

func TestQueuedMessagesDrainOneAtATime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.QueueMessage(ctx, "sess-1", "q1"))
	require.NoError(t, f.store.QueueMessage(ctx, "sess-1", "q2"))

	a := f.start(t, "sess-1", "conn-1", 0)

	// Cold start drains exactly the queue head.
	eventually(t, func() bool {
		return len(a.promptList()) == 1
	}, "first queued message delivered")
	assert.Equal(t, "q1", a.promptList()[0])

	// The next drain point is the query result.
	a.finish(nil)
	eventually(t, func() bool {
		return len(a.promptList()) == 2
	}, "second queued message delivered")
	assert.Equal(t, "q2", a.promptList()[1])

	// Queued deliveries render as programmatic turns for the client.
	msgs := f.transport.ofType("conn-1", MsgMessage)
	require.NotEmpty(t, msgs)
	assert.True(t, msgs[0].Programmatic)
}

func TestSendMessageToSessionQueuesWhenBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, "sess-1", "conn-1", 0)
	f.orch.SendMessage(ctx, "sess-1", "long task")

	require.NoError(t, f.orch.SendMessageToSession(ctx, "sess-1", "handoff"))

	queued, err := f.store.GetPendingMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "handoff", queued[0].Text)
}

func TestSendMessageToSessionDeliversWhenIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	require.NoError(t, f.orch.SendMessageToSession(ctx, "sess-1", "handoff"))

	assert.Equal(t, []string{"handoff"}, a.promptList())
	queued, err := f.store.GetPendingMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestSendMessageToSessionInactiveQueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.orch.SendMessageToSession(ctx, "sess-ghost", "later"))

	queued, err := f.store.GetPendingMessages(ctx, "sess-ghost")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "later", queued[0].Text)
}

func TestSetPermissionModePersistsAndPropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	f.orch.SetPermissionMode(ctx, "sess-1", types.PermissionAcceptEdits)

	a.mu.Lock()
	mode := a.mode
	a.mu.Unlock()
	assert.Equal(t, types.PermissionAcceptEdits, mode)

	meta, err := f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.PermissionAcceptEdits, meta.PermissionMode)

	status, err := f.orch.Status(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.PermissionAcceptEdits, status.PermissionMode)
}

func TestGlobalAllowlistChangeBroadcast(t *testing.T) {
	f := newFixture(t)
	f.start(t, "sess-1", "conn-1", 0)
	f.start(t, "sess-2", "conn-2", 0)

	f.orch.SetGlobalAllowedTools([]string{"Read(*)"})

	for _, conn := range []string{"conn-1", "conn-2"} {
		msgs := f.transport.ofType(conn, MsgGlobalAllowedTools)
		require.NotEmpty(t, msgs, conn)
		assert.Equal(t, []string{"Read(*)"}, msgs[len(msgs)-1].Patterns)
	}
}

func TestShutdownRejectsPendingAndClosesAdapters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.start(t, "sess-1", "conn-1", 0)

	resCh := make(chan agent.PermissionResult, 1)
	go func() {
		resCh <- a.opts.Callbacks.OnPermission(ctx, "Bash", map[string]any{"command": "sleep 60"}, "inv-1")
	}()
	eventually(t, func() bool {
		return len(f.transport.ofType("conn-1", MsgPermissionRequest)) == 1
	}, "permission request relayed")

	f.orch.Shutdown()

	res := <-resCh
	assert.False(t, res.Allow)
	assert.Contains(t, res.Message, "server shutdown")

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	assert.True(t, closed)

	// The orchestrator takes no further work.
	f.orch.StartOrResume(ctx, StartRequest{SessionID: "sess-2", ConnectionID: "conn-9"})
	assert.Empty(t, f.transport.messages("conn-9"))
}

func TestStatusFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.PutSession(ctx, &types.SessionMeta{
		ID:             "sess-cold",
		PermissionMode: types.PermissionPlan,
		HistoryLen:     7,
	}))

	status, err := f.orch.Status(ctx, "sess-cold")
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Equal(t, types.PermissionPlan, status.PermissionMode)
	assert.Equal(t, 7, status.HistoryLen)

	_, err = f.orch.Status(ctx, "sess-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryWindowReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithHistoryWindow(2))
	for _, c := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, f.store.AppendMessages(ctx, "sess-1", types.Message{Role: types.RoleUser, Content: c}))
	}

	// The in-memory tail holds only m3, m4; a client at index 1 still gets
	// m2 onward from the store.
	f.start(t, "sess-1", "conn-1", 1)

	replayed := f.transport.ofType("conn-1", MsgMessage)
	require.Len(t, replayed, 3)
	assert.Equal(t, "m2", replayed[0].Content)
	assert.Equal(t, "m4", replayed[2].Content)
}
