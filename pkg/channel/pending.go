package channel

import (
	"sync"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/metrics"
)

// PendingCommands correlates outbound command requests with their
// responses by id. It is safe for concurrent use and may be shared by
// several channels, as the multiplexer does.
//
// Every registered id is removed exactly once: by Resolve, by Remove or
// by Close.
type PendingCommands struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	waiters map[string]chan *envelope.Command
	closed  bool
}

// NewPendingCommands returns an empty table. m may be nil.
func NewPendingCommands(m *metrics.Metrics) *PendingCommands {
	return &PendingCommands{
		metrics: m,
		waiters: make(map[string]chan *envelope.Command),
	}
}

// Register reserves id and returns the channel its response is delivered
// on. The channel is closed without a value if the table is closed first.
func (p *PendingCommands) Register(id string) (<-chan *envelope.Command, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrChannelClosed
	}
	if _, ok := p.waiters[id]; ok {
		return nil, ErrDuplicateCommandID
	}
	w := make(chan *envelope.Command, 1)
	p.waiters[id] = w
	p.metrics.CommandPending(1)
	return w, nil
}

// Resolve delivers cmd to the waiter registered under its id and reports
// whether there was one.
func (p *PendingCommands) Resolve(cmd *envelope.Command) bool {
	if cmd == nil || cmd.ID == "" {
		return false
	}

	p.mu.Lock()
	w, ok := p.waiters[cmd.ID]
	if ok {
		delete(p.waiters, cmd.ID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	p.metrics.CommandPending(-1)
	w <- cmd
	return true
}

// Remove drops the waiter for id and reports whether it was present.
func (p *PendingCommands) Remove(id string) bool {
	p.mu.Lock()
	_, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	if ok {
		p.metrics.CommandPending(-1)
	}
	return ok
}

// Has reports whether id is awaiting a response.
func (p *PendingCommands) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.waiters[id]
	return ok
}

// Len returns the number of pending commands.
func (p *PendingCommands) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Close wakes every waiter without a response and rejects further
// registrations.
func (p *PendingCommands) Close() {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan *envelope.Command)
	p.closed = true
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	p.metrics.CommandPending(-len(waiters))
}
