package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sibylgw/sibyl/internal/events"
	"github.com/sibylgw/sibyl/internal/tools"
)

// PeerState is the lifecycle state of one peer connection.
type PeerState int

const (
	// StateConnecting: channel open, no tools registered yet.
	StateConnecting PeerState = iota

	// StateRegistered: the peer has announced at least one tool.
	StateRegistered

	// StateClosed: channel gone; tools unregistered, pending calls
	// rejected.
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrPeerClosed rejects calls whose peer disconnected before
// answering.
var ErrPeerClosed = fmt.Errorf("bridge peer disconnected")

// ErrCallTimeout rejects calls the peer never answered in time.
type ErrCallTimeout struct {
	Tool    string
	Timeout time.Duration
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("remote tool %q did not answer within %s", e.Tool, e.Timeout)
}

// Peer is one connected remote tool provider.
type Peer struct {
	id       string
	conn     *websocket.Conn
	registry *tools.Registry
	pending  *pendingTable
	timeout  time.Duration
	logger   *slog.Logger
	bus      *events.Bus

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   PeerState

	closeOnce sync.Once
	onClose   func(p *Peer)
}

func newPeer(conn *websocket.Conn, registry *tools.Registry, timeout time.Duration, logger *slog.Logger, bus *events.Bus, onClose func(*Peer)) *Peer {
	id := uuid.NewString()[:8]
	return &Peer{
		id:       id,
		conn:     conn,
		registry: registry,
		pending:  newPendingTable(),
		timeout:  timeout,
		logger:   logger.With("peer", id),
		bus:      bus,
		state:    StateConnecting,
		onClose:  onClose,
	}
}

// ID returns the peer's connection-scoped identifier.
func (p *Peer) ID() string { return p.id }

// State returns the peer's current lifecycle state.
func (p *Peer) State() PeerState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// origin tags this peer's registry entries so they can be removed
// together on disconnect.
func (p *Peer) origin() string {
	return "peer:" + p.id
}

// readLoop pumps messages until the connection drops, then runs the
// close transition.
func (p *Peer) readLoop() {
	defer p.close()
	for {
		var msg Envelope
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("peer closed channel")
			} else {
				p.logger.Warn("peer read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case TypeRegisterTools:
			p.handleRegister(msg.Tools)
		case TypeToolResult:
			p.handleResult(msg)
		default:
			p.logger.Warn("unknown bridge message type", "type", msg.Type)
		}
	}
}

// handleRegister installs a proxying handler for each announced
// tool. Re-announcing replaces earlier declarations.
func (p *Peer) handleRegister(decls []ToolDecl) {
	for _, decl := range decls {
		decl := decl
		p.registry.Register(&tools.Tool{
			Name:        decl.Name,
			Description: decl.Description,
			Parameters:  decl.Parameters,
			Origin:      p.origin(),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return p.callTool(ctx, decl.Name, args)
			},
		})
	}

	p.stateMu.Lock()
	if p.state == StateConnecting && len(decls) > 0 {
		p.state = StateRegistered
	}
	p.stateMu.Unlock()

	names := make([]string, len(decls))
	for i, d := range decls {
		names[i] = d.Name
	}
	p.logger.Info("peer registered tools", "tools", names)
	p.bus.Emit(events.SourceBridge, events.KindPeerConnected, map[string]any{
		"peer":  p.id,
		"tools": names,
	})
}

// callTool sends a call_tool frame and waits for the correlated
// tool_result, the timeout, or cancellation.
func (p *Peer) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if p.State() == StateClosed {
		return "", ErrPeerClosed
	}

	callID := uuid.NewString()[:8]
	ch := p.pending.add(callID)

	err := p.writeJSON(Envelope{
		Type: TypeCallTool,
		ID:   callID,
		Name: name,
		Args: args,
	})
	if err != nil {
		p.pending.remove(callID)
		return "", fmt.Errorf("send call_tool: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		return decodeResult(res.result), nil
	case <-ctx.Done():
		p.pending.remove(callID)
		return "", ctx.Err()
	case <-time.After(p.timeout):
		// The entry may already be gone if a result raced the timer;
		// remove is a no-op then.
		p.pending.remove(callID)
		return "", &ErrCallTimeout{Tool: name, Timeout: p.timeout}
	}
}

// handleResult settles the pending call for msg.ID. A result for an
// unknown id (already timed out, or duplicate) is dropped.
func (p *Peer) handleResult(msg Envelope) {
	res := callResult{result: msg.Result}
	if msg.Error != "" {
		res.err = fmt.Errorf("remote tool failed: %s", msg.Error)
	}
	if !p.pending.settle(msg.ID, res) {
		p.logger.Debug("dropping result for unknown call", "id", msg.ID)
	}
}

// decodeResult renders a tool_result payload as the string fed back
// to the model. A bare JSON string is unquoted; anything else is the
// raw JSON.
func decodeResult(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (p *Peer) writeJSON(msg Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(msg)
}

// close runs the Closed transition exactly once: unregister the
// peer's tools so later calls fail fast with Not-Found, and reject
// calls still in flight.
func (p *Peer) close() {
	p.closeOnce.Do(func() {
		p.stateMu.Lock()
		p.state = StateClosed
		p.stateMu.Unlock()

		removed := p.registry.UnregisterOrigin(p.origin())
		rejected := p.pending.rejectAll(ErrPeerClosed)
		p.conn.Close()

		p.logger.Info("peer closed", "tools_removed", removed, "calls_rejected", rejected)
		p.bus.Emit(events.SourceBridge, events.KindPeerClosed, map[string]any{
			"peer":           p.id,
			"tools_removed":  removed,
			"calls_rejected": rejected,
		})
		if p.onClose != nil {
			p.onClose(p)
		}
	})
}
