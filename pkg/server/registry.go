package server

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
)

// ErrSessionRegistered is returned when a session is registered twice.
var ErrSessionRegistered = errors.New("session already registered")

// NodeRegistry tracks the established sessions of each node. A node may
// hold several sessions at once, as a pooled client does.
type NodeRegistry interface {
	Register(ctx context.Context, node *envelope.Node, ch *channel.Channel) error
	Unregister(ctx context.Context, node *envelope.Node, ch *channel.Channel) error
}

// MemoryRegistry is a NodeRegistry held in process memory, keyed by node
// and then by session id.
type MemoryRegistry struct {
	mu    sync.RWMutex
	nodes map[string]map[string]*channel.Channel
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{nodes: make(map[string]map[string]*channel.Channel)}
}

// Register implements NodeRegistry.
func (r *MemoryRegistry) Register(_ context.Context, node *envelope.Node, ch *channel.Channel) error {
	key := normalize(node.String())
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.nodes[key]
	if !ok {
		sessions = make(map[string]*channel.Channel)
		r.nodes[key] = sessions
	}
	if _, ok := sessions[ch.SessionID()]; ok {
		return ErrSessionRegistered
	}
	sessions[ch.SessionID()] = ch
	return nil
}

// Unregister implements NodeRegistry.
func (r *MemoryRegistry) Unregister(_ context.Context, node *envelope.Node, ch *channel.Channel) error {
	key := normalize(node.String())
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.nodes[key]
	delete(sessions, ch.SessionID())
	if len(sessions) == 0 {
		delete(r.nodes, key)
	}
	return nil
}

// Get returns the channels of node, ordered by session id.
func (r *MemoryRegistry) Get(node *envelope.Node) ([]*channel.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions, ok := r.nodes[normalize(node.String())]
	if !ok {
		return nil, false
	}
	out := make([]*channel.Channel, 0, len(sessions))
	for _, id := range slices.Sorted(maps.Keys(sessions)) {
		out = append(out, sessions[id])
	}
	return out, true
}

// Len returns the number of registered sessions.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.nodes {
		n += len(sessions)
	}
	return n
}

func normalize(s string) string { return strings.ToLower(s) }
