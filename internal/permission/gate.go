// Package permission brokers tool-invocation approvals: every tool call the
// agent proposes either clears the allow-lists immediately or suspends as a
// pending request until a human decision arrives from the client.
package permission

import (
	"sort"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/internal/allowlist"
	"github.com/agentdeck/agentdeck/internal/logging"
)

// denyMarker prefixes every deny message relayed to the agent so it treats
// the feedback as authoritative and does not retry the same action.
const denyMarker = "The user doesn't want to proceed with this tool use. "

// Decision is the outcome of a permission request.
type Decision struct {
	Allow bool
	// UpdatedInput optionally replaces the tool input on allow; nil keeps
	// the original input unchanged.
	UpdatedInput map[string]any
	// Message carries the human's feedback on deny.
	Message string
}

// PendingRequest is a tool invocation suspended on a human decision.
type PendingRequest struct {
	InvocationID string
	ToolName     string
	Input        map[string]any

	seq  uint64
	resp chan Decision
}

// Resolution describes how a human answered a permission request.
type Resolution struct {
	Allow bool
	// Message is the human's feedback, relayed to the agent on deny.
	Message string
	// UpdatedInput optionally replaces the tool input on allow.
	UpdatedInput map[string]any
	// Remember records the invocation's pattern so it is never asked again:
	// on the session allow-list, or the global one when Global is set.
	Remember bool
	Global   bool
}

// Gate is the per-session permission broker. All methods are safe for
// concurrent use; a Request may stay pending for hours without holding any
// lock.
type Gate struct {
	sessionID string
	global    *GlobalAllowlist

	mu      sync.Mutex
	allowed []string
	pending map[string]*PendingRequest
	nextSeq uint64
}

// NewGate creates a gate for one session. The session allow-list is the
// slice loaded from the store; the global list is shared across sessions.
func NewGate(sessionID string, allowed []string, global *GlobalAllowlist) *Gate {
	return &Gate{
		sessionID: sessionID,
		global:    global,
		allowed:   append([]string(nil), allowed...),
		pending:   make(map[string]*PendingRequest),
	}
}

// Request checks a tool invocation against the session and global
// allow-lists. On a hit it reports auto=true and no channel: the invocation
// proceeds with its input unchanged and no human is contacted. Otherwise it
// registers a pending request keyed by invocation id and returns a channel
// that receives exactly one Decision.
func (g *Gate) Request(toolName string, input map[string]any, invocationID string) (<-chan Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if allowlist.Allowed(toolName, input, g.allowed, g.global.Patterns()) {
		logging.Debug().
			Str("sessionID", g.sessionID).
			Str("tool", toolName).
			Msg("tool invocation auto-allowed")
		return nil, true
	}

	if existing, ok := g.pending[invocationID]; ok {
		// The adapter re-asked for an id that is still pending; keep the
		// original continuation.
		return existing.resp, false
	}

	g.nextSeq++
	req := &PendingRequest{
		InvocationID: invocationID,
		ToolName:     toolName,
		Input:        input,
		seq:          g.nextSeq,
		resp:         make(chan Decision, 1),
	}
	g.pending[invocationID] = req
	return req.resp, false
}

// Resolve renders a human decision for a pending invocation. The second
// return is false when the id is unknown or already resolved, making repeat
// calls a no-op. On allow with Remember set, the invocation's pattern is
// added to the session allow-list, or to the global one (persisted
// immediately) when Global is set.
func (g *Gate) Resolve(invocationID string, res Resolution) (*PendingRequest, bool) {
	g.mu.Lock()
	req, ok := g.pending[invocationID]
	if !ok {
		g.mu.Unlock()
		return nil, false
	}
	delete(g.pending, invocationID)

	var pattern string
	if res.Allow && res.Remember {
		pattern = allowlist.Pattern(req.ToolName, req.Input)
		if !res.Global {
			g.allowed = append(g.allowed, pattern)
		}
	}
	g.mu.Unlock()

	if pattern != "" && res.Global {
		g.global.Add(pattern)
	}

	decision := Decision{Allow: res.Allow, UpdatedInput: res.UpdatedInput}
	if !res.Allow {
		decision.Message = denyMessage(res.Message)
	}
	req.resp <- decision
	return req, true
}

// RejectAll denies every pending invocation with the given message. Used on
// session abort and server shutdown so no continuation is ever left
// dangling.
func (g *Gate) RejectAll(message string) []*PendingRequest {
	g.mu.Lock()
	rejected := make([]*PendingRequest, 0, len(g.pending))
	for _, req := range g.pending {
		rejected = append(rejected, req)
	}
	g.pending = make(map[string]*PendingRequest)
	g.mu.Unlock()

	for _, req := range rejected {
		req.resp <- Decision{Allow: false, Message: denyMessage(message)}
	}
	return rejected
}

// denyMessage prefixes the stable marker unless the caller already did.
func denyMessage(message string) string {
	if strings.HasPrefix(message, denyMarker) {
		return message
	}
	return denyMarker + message
}

// Pending returns the still-suspended requests in registration order, for
// replay to a resuming client.
func (g *Gate) Pending() []*PendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	reqs := make([]*PendingRequest, 0, len(g.pending))
	for _, req := range g.pending {
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].seq < reqs[j].seq })
	return reqs
}

// Allowed returns a copy of the session allow-list.
func (g *Gate) Allowed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.allowed...)
}

// SetAllowed replaces the session allow-list wholesale. Pending requests
// are not re-evaluated.
func (g *Gate) SetAllowed(patterns []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed = append([]string(nil), patterns...)
}
