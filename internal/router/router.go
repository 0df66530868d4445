// Package router implements the Channel Router (CR): the map from an
// external channel_id to a live session handle, plus the per-client
// response sink bookkeeping that lets a Gateway deliver an AgentResponse
// back to exactly the adapter connection that produced the triggering
// ChannelEvent.
//
// The map uses copy-on-replace entries (a fresh map built and swapped under
// a mutex) rather than in-place mutation, so a reader never observes a
// torn update and never holds a lock across an unrelated await — the same
// hazard the teacher's channel adapter registry avoids with its capability
// maps (internal/channels.Registry).
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpista/openpista/internal/sessions"
	"github.com/openpista/openpista/pkg/models"
)

// ChannelEvent is an inbound message from an adapter, immutable after
// ingestion.
type ChannelEvent struct {
	ChannelID     string
	SessionHint   string
	UserMessage   string
	Metadata      map[string]any
	ClientID      string // identifies the adapter connection that produced this event, for sink routing
	ReceivedAt    time.Time
}

// CancellationCause describes why a turn ended without a normal terminal
// AgentResponse.
type CancellationCause string

const (
	CancelNone      CancellationCause = ""
	CancelUserStop  CancellationCause = "user_stop"
	CancelSession   CancellationCause = "session_deleted"
	CancelDisconnect CancellationCause = "channel_disconnect"
	CancelShutdown  CancellationCause = "process_shutdown"
)

// AgentResponse is an outbound message, emitted at most once per terminal
// turn outcome.
type AgentResponse struct {
	ChannelID         string
	SessionID         string
	Content           string
	IsError           bool
	CancellationCause CancellationCause
}

// Sink is a per-client response destination registered by an adapter. A nil
// error from Send means delivery was accepted for dispatch, not necessarily
// that the remote end received it.
type Sink interface {
	Send(ctx context.Context, resp AgentResponse) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, resp AgentResponse) error

func (f SinkFunc) Send(ctx context.Context, resp AgentResponse) error { return f(ctx, resp) }

// sessionEntry is the immutable value stored per channel_id; replaced, never
// mutated, on update.
type sessionEntry struct {
	sessionID string
}

// Router is the Channel Router (CR).
type Router struct {
	store sessions.Store

	mu       sync.RWMutex
	byChannel map[string]sessionEntry // channel_id -> session handle

	sinksMu sync.RWMutex
	sinks   map[string]Sink // client_id -> sink
	// broadcast holds the last-registered sink per channel_id, used as the
	// fallback when the exact client_id sink is absent.
	broadcast map[string]Sink
}

// New creates a Channel Router backed by the given Conversation Store for
// session lookups/creation.
func New(store sessions.Store) *Router {
	return &Router{
		store:     store,
		byChannel: make(map[string]sessionEntry),
		sinks:     make(map[string]Sink),
		broadcast: make(map[string]Sink),
	}
}

// Ensure maps a channel_id (optionally guided by a session_hint) to a
// session, creating one lazily on first contact. If session_hint names a
// session that exists, that session is adopted and the channel_id mapping
// is updated to point at it; otherwise Ensure looks up the existing mapping
// for channel_id, or creates a fresh session.
func (r *Router) Ensure(ctx context.Context, agentID string, channel models.ChannelType, channelID string, sessionHint string) (*models.Session, error) {
	if sessionHint != "" {
		if sess, err := r.store.Get(ctx, sessionHint); err == nil && sess != nil {
			r.setEntry(channelID, sess.ID)
			return sess, nil
		}
	}

	if entry, ok := r.getEntry(channelID); ok {
		if sess, err := r.store.Get(ctx, entry.sessionID); err == nil && sess != nil {
			return sess, nil
		}
		// Stale mapping (session was deleted out from under us): fall through
		// to create a fresh one.
	}

	key := sessions.SessionKey(agentID, channel, channelID)
	sess, err := r.store.GetOrCreate(ctx, key, agentID, channel, channelID)
	if err != nil {
		return nil, err
	}
	r.setEntry(channelID, sess.ID)
	return sess, nil
}

func (r *Router) getEntry(channelID string) (sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byChannel[channelID]
	return e, ok
}

// setEntry replaces the channel_id -> session mapping by swapping in a
// freshly built map, never mutating the live one in place.
func (r *Router) setEntry(channelID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]sessionEntry, len(r.byChannel)+1)
	for k, v := range r.byChannel {
		next[k] = v
	}
	next[channelID] = sessionEntry{sessionID: sessionID}
	r.byChannel = next
}

// Forget drops a channel_id's session mapping, used when a session is
// deleted so a later event for the same channel_id lazily creates a new one.
func (r *Router) Forget(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byChannel[channelID]; !ok {
		return
	}
	next := make(map[string]sessionEntry, len(r.byChannel))
	for k, v := range r.byChannel {
		if k == channelID {
			continue
		}
		next[k] = v
	}
	r.byChannel = next
}

// RegisterSink stores the per-client response channel. Also registers it as
// the per-channel_id broadcast fallback, matching the teacher's "adapters
// that accept broadcast" behavior for clients that never differentiate by
// client_id.
func (r *Router) RegisterSink(clientID, channelID string, sink Sink) {
	r.sinksMu.Lock()
	defer r.sinksMu.Unlock()
	r.sinks[clientID] = sink
	r.broadcast[channelID] = sink
}

// UnregisterSink drops a per-client sink. AR drops its clone of a sink to
// interrupt delivery cleanly on cancellation; Unregister is the adapter-side
// teardown when the underlying connection itself goes away.
func (r *Router) UnregisterSink(clientID string) {
	r.sinksMu.Lock()
	defer r.sinksMu.Unlock()
	delete(r.sinks, clientID)
}

// RouteResponse delivers an AgentResponse to the client-specific sink; if
// the exact sink is absent (the client disconnected mid-turn, or the
// adapter never registers per-client sinks), it falls back to the
// per-channel_id broadcast sink.
func (r *Router) RouteResponse(ctx context.Context, clientID string, resp AgentResponse) error {
	r.sinksMu.RLock()
	sink, ok := r.sinks[clientID]
	if !ok {
		sink, ok = r.broadcast[resp.ChannelID]
	}
	r.sinksMu.RUnlock()
	if !ok {
		return nil
	}
	return sink.Send(ctx, resp)
}

// NewEventID mints a unique id for an inbound event when the adapter does
// not supply one (ChannelEvent is otherwise adapter-defined on the wire).
func NewEventID() string { return uuid.NewString() }
