// Package orchestrator owns the authoritative table of active agent
// sessions. It multiplexes each long-running agent conversation across a
// series of transient client connections, gates tool invocations through
// the per-session permission gate, and serves the resume protocol that
// brings a reconnecting client back to a consistent view of history.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/pkg/types"
)

const (
	// contextWindowFallback is used when a result event does not advertise
	// the model's context window.
	contextWindowFallback = 200000

	// defaultHistoryWindow bounds the in-memory history tail per session.
	// The persisted history in the store stays unbounded.
	defaultHistoryWindow = 200
)

// Transport delivers outbound messages to a specific client connection.
// The orchestrator never broadcasts; every send targets the connection that
// currently owns the session.
type Transport interface {
	Send(connectionID string, msg OutboundMessage) error
}

// session is the authoritative in-memory record of one active session. All
// mutations happen under its own mutex; sessions never share a lock, so
// unrelated conversations proceed in parallel.
type session struct {
	id string

	mu             sync.Mutex
	connID         string
	conversationID string
	workingDir     string
	thinking       bool
	mode           types.PermissionMode
	slashCommands  []string
	usage          *types.ContextUsage

	// tail is the bounded in-memory window of the newest messages;
	// historyTotal counts the full persisted history.
	tail         []types.Message
	historyTotal int

	gate    *permission.Gate
	adapter agent.Adapter
}

// getAdapter and getGate exist because both fields are assigned during cold
// start under the session lock; every later reader goes through these.
func (s *session) getAdapter() agent.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter
}

func (s *session) getGate() *permission.Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// Orchestrator routes inbound client actions to sessions and relays agent
// events back to each session's owning connection.
type Orchestrator struct {
	store      *storage.Store
	global     *permission.GlobalAllowlist
	transport  Transport
	newAdapter agent.Factory
	bus        *event.Bus

	historyWindow int
	defaultMode   types.PermissionMode

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistoryWindow overrides the bounded in-memory history tail size.
func WithHistoryWindow(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyWindow = n
		}
	}
}

// WithDefaultPermissionMode sets the mode given to sessions that have
// never chosen one.
func WithDefaultPermissionMode(mode types.PermissionMode) Option {
	return func(o *Orchestrator) {
		if types.ValidPermissionMode(string(mode)) {
			o.defaultMode = mode
		}
	}
}

// New creates an Orchestrator. Mutations of the shared global allow-list
// are echoed to every active session's owning connection.
func New(store *storage.Store, global *permission.GlobalAllowlist, transport Transport, factory agent.Factory, bus *event.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		global:        global,
		transport:     transport,
		newAdapter:    factory,
		bus:           bus,
		historyWindow: defaultHistoryWindow,
		defaultMode:   types.PermissionDefault,
		sessions:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	global.OnChange(o.broadcastGlobalAllowlist)
	return o
}

// StartRequest carries the parameters of a start_or_resume call.
type StartRequest struct {
	SessionID    string
	ConnectionID string
	WorkingDir   string
	// ResumeToken resumes a runtime conversation on a cold start.
	ResumeToken string
	// Fork branches a new runtime conversation off ResumeToken.
	Fork bool
	// PermissionMode overrides the stored mode when non-empty.
	PermissionMode types.PermissionMode
	// ClientMessageCount is how many history messages the client already
	// has; the resume protocol replays only what lies beyond it.
	ClientMessageCount int
}

// StartOrResume attaches a connection to a session. An already-active
// session is resumed in place: ownership moves to the new connection and
// the backing agent is untouched. Otherwise the session is cold-started
// from the store. Either way the connection receives the ready
// acknowledgment, replayed history, pending permission requests and
// advertised slash commands.
func (o *Orchestrator) StartOrResume(ctx context.Context, req StartRequest) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	sess, ok := o.sessions[req.SessionID]
	if ok {
		o.mu.Unlock()
		o.resume(sess, req)
		return
	}

	sess = &session{
		id:         req.SessionID,
		connID:     req.ConnectionID,
		workingDir: req.WorkingDir,
		mode:       o.defaultMode,
	}
	o.sessions[req.SessionID] = sess
	o.mu.Unlock()

	o.coldStart(ctx, sess, req)
}

// resume reassigns session ownership and runs the resume protocol. The
// agent keeps running; only the observer changes.
func (o *Orchestrator) resume(sess *session, req StartRequest) {
	sess.mu.Lock()
	sess.connID = req.ConnectionID
	o.sendStateLocked(sess, req.ClientMessageCount)
	sess.mu.Unlock()

	logging.Info().
		Str("sessionID", sess.id).
		Str("connectionID", req.ConnectionID).
		Int("clientMessages", req.ClientMessageCount).
		Msg("session resumed")
	o.publish(event.Event{Type: event.SessionResumed, SessionID: sess.id})
}

// coldStart loads durable state, constructs the adapter and replays loaded
// history to the connection exactly as a resume would.
func (o *Orchestrator) coldStart(ctx context.Context, sess *session, req StartRequest) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	meta, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logging.Error().Err(err).Str("sessionID", req.SessionID).Msg("load session metadata")
	}

	var allowed []string
	resumeToken := req.ResumeToken
	if meta != nil {
		allowed = meta.AllowedTools
		if meta.PermissionMode != "" {
			sess.mode = meta.PermissionMode
		}
		if meta.ContextUsage != nil {
			sess.usage = meta.ContextUsage
		}
		if resumeToken == "" {
			resumeToken = meta.ConversationID
		}
		if sess.workingDir == "" {
			sess.workingDir = meta.WorkingDir
		}
	}
	if req.PermissionMode != "" {
		sess.mode = req.PermissionMode
	}

	history, err := o.store.GetMessages(ctx, req.SessionID)
	if err != nil {
		logging.Error().Err(err).Str("sessionID", req.SessionID).Msg("load session history")
	}
	sess.historyTotal = len(history)
	if len(history) > o.historyWindow {
		history = history[len(history)-o.historyWindow:]
	}
	sess.tail = history

	sess.gate = permission.NewGate(req.SessionID, allowed, o.global)

	adapter, err := o.newAdapter(agent.Options{
		WorkingDir:     sess.workingDir,
		ResumeToken:    resumeToken,
		Fork:           req.Fork,
		PermissionMode: sess.mode,
		Callbacks: agent.Callbacks{
			OnEvent:      func(e agent.Event) { o.handleAgentEvent(sess, e) },
			OnError:      func(err error) { o.relayAgentError(sess, err) },
			OnPermission: o.permissionFunc(sess),
		},
	})
	if err != nil {
		logging.Error().Err(err).Str("sessionID", req.SessionID).Msg("construct agent adapter")
		o.send(req.ConnectionID, errorMsg(req.SessionID, err.Error()))
	}
	sess.adapter = adapter

	if err := o.store.UpdateSession(ctx, req.SessionID, func(m *types.SessionMeta) {
		m.WorkingDir = sess.workingDir
		m.PermissionMode = sess.mode
		m.AllowedTools = allowed
	}); err != nil {
		logging.Warn().Err(err).Str("sessionID", req.SessionID).Msg("persist session metadata")
	}

	o.sendStateLocked(sess, req.ClientMessageCount)

	logging.Info().
		Str("sessionID", req.SessionID).
		Str("connectionID", req.ConnectionID).
		Int("history", sess.historyTotal).
		Msg("session started")
	o.publish(event.Event{Type: event.SessionStarted, SessionID: sess.id})

	// A cold start is a drain point for queued cross-session messages.
	// Delivery takes the session lock again, so it runs after setup ends.
	go o.drainQueued(context.WithoutCancel(ctx), sess)
}

// sendStateLocked runs the resume protocol for the current owning
// connection. Caller holds sess.mu.
func (o *Orchestrator) sendStateLocked(sess *session, clientCount int) {
	connID := sess.connID

	o.send(connID, readyMsg(sess.id, sess.mode))
	o.send(connID, thinkingMsg(sess.id, sess.thinking))

	// Replay only what the client has not seen. A client reporting at
	// least the full history gets nothing, so a pure reconnect never
	// duplicates messages.
	start := clientCount
	if start > sess.historyTotal {
		start = sess.historyTotal
	}
	for _, m := range o.historyFromLocked(sess, start) {
		o.send(connID, messageMsg(sess.id, m, true))
	}

	if sess.usage != nil {
		o.send(connID, resultMsg(sess.id, *sess.usage))
	}
	if sess.gate != nil {
		for _, req := range sess.gate.Pending() {
			o.send(connID, permissionRequestMsg(sess.id, req.InvocationID, req.ToolName, requestTitle(req.ToolName, req.Input), req.Input))
		}
		o.send(connID, allowedToolsMsg(sess.id, sess.gate.Allowed()))
	}
	if len(sess.slashCommands) > 0 {
		o.send(connID, slashCommandsMsg(sess.id, sess.slashCommands))
	}
	o.send(connID, globalAllowedToolsMsg(sess.id, o.global.Patterns()))
}

// historyFromLocked returns history entries from index start onward,
// reloading from the store when start falls below the in-memory tail.
func (o *Orchestrator) historyFromLocked(sess *session, start int) []types.Message {
	if start >= sess.historyTotal {
		return nil
	}
	tailStart := sess.historyTotal - len(sess.tail)
	if start >= tailStart {
		return sess.tail[start-tailStart:]
	}

	full, err := o.store.GetMessages(context.Background(), sess.id)
	if err != nil {
		logging.Error().Err(err).Str("sessionID", sess.id).Msg("reload history for replay")
		return sess.tail
	}
	if start > len(full) {
		return nil
	}
	return full[start:]
}

// lookup returns the active session, or nil.
func (o *Orchestrator) lookup(sessionID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[sessionID]
}

// send delivers one message to a connection; failures are logged only. A
// dead connection simply misses events until it resumes.
func (o *Orchestrator) send(connID string, msg OutboundMessage) {
	if connID == "" {
		return
	}
	if err := o.transport.Send(connID, msg); err != nil {
		logging.Debug().
			Err(err).
			Str("connectionID", connID).
			Str("messageType", msg.Type).
			Msg("transport send failed")
	}
}

// sendToOwner delivers to the session's current owning connection.
func (o *Orchestrator) sendToOwner(sess *session, msg OutboundMessage) {
	sess.mu.Lock()
	connID := sess.connID
	sess.mu.Unlock()
	o.send(connID, msg)
}

// broadcastGlobalAllowlist echoes a global allow-list change to every
// active session's owning connection.
func (o *Orchestrator) broadcastGlobalAllowlist(patterns []string) {
	o.mu.Lock()
	sessions := make([]*session, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	o.mu.Unlock()

	for _, sess := range sessions {
		o.sendToOwner(sess, globalAllowedToolsMsg(sess.id, patterns))
	}
	o.publish(event.Event{Type: event.AllowlistUpdated, Data: patterns})
}

func (o *Orchestrator) publish(e event.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}
