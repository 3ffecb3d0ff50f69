// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (agent loop, tool bridge,
// scheduler) to subscribers (MQTT status publisher, future metrics
// collector). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the tool-call orchestration loop.
	SourceAgent = "agent"
	// SourceBridge identifies events from the remote tool bridge.
	SourceBridge = "bridge"
	// SourceScheduler identifies events from the task scheduler.
	SourceScheduler = "scheduler"
	// SourceMemory identifies events from the memory index manager.
	SourceMemory = "memory"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of an agent run.
	// Data: run_id, agent_id.
	KindRunStart = "run_start"
	// KindLLMCall signals the start of a completion call.
	// Data: run_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a completion call.
	// Data: run_id, iter, model, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: run_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: run_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRunComplete signals the end of an agent run.
	// Data: run_id, agent_id, iterations, elapsed_ms.
	KindRunComplete = "run_complete"

	// KindPeerConnected signals a tool worker registered over the bridge.
	// Data: peer_id, tools.
	KindPeerConnected = "peer_connected"
	// KindPeerClosed signals a tool worker disconnected.
	// Data: peer_id, tools_removed.
	KindPeerClosed = "peer_closed"

	// KindTaskFired signals a scheduled task has begun executing.
	// Data: task_id, agent_id.
	KindTaskFired = "task_fired"
	// KindTaskSkipped signals a scheduled trigger was skipped because a
	// run for the same agent was already in flight.
	// Data: task_id, agent_id.
	KindTaskSkipped = "task_skipped"
	// KindTaskComplete signals a scheduled task has finished executing.
	// Data: task_id, agent_id, ok, duration_ms.
	KindTaskComplete = "task_complete"

	// KindSyncComplete signals a memory document re-index finished.
	// Data: agent_id, chunks, embedded.
	KindSyncComplete = "sync_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Emit is a convenience wrapper that stamps the current time.
// Safe to call on a nil receiver (no-op).
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
