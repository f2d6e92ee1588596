package halts

import (
	"sync"

	"market-alerts/internal/alerting"
)

// OpenMessage is the notification currently open for one halt episode.
type OpenMessage struct {
	Handle   alerting.Handle
	Title    string
	Hash     string
	Timeline []alerting.TimelineEntry
	// ImageName is the chart attachment of the created message, if any.
	ImageName string
}

// TargetState holds the open messages of one target. Callers hold mu while
// working on the target.
type TargetState struct {
	mu   sync.Mutex
	open map[string]*OpenMessage
}

func (s *TargetState) get(symbol string) (*OpenMessage, bool) {
	msg, ok := s.open[symbol]
	return msg, ok
}

func (s *TargetState) put(symbol string, msg *OpenMessage) {
	s.open[symbol] = msg
}

func (s *TargetState) clear(symbol string) {
	delete(s.open, symbol)
}

// HandleCache maps (target, symbol) to the open message handle.
type HandleCache struct {
	mu      sync.Mutex
	targets map[string]*TargetState
}

// NewHandleCache returns an empty cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{targets: make(map[string]*TargetState)}
}

// Target returns the state for target, creating it on first use.
func (c *HandleCache) Target(target string) *TargetState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.targets[target]
	if !ok {
		state = &TargetState{open: make(map[string]*OpenMessage)}
		c.targets[target] = state
	}
	return state
}

// Forget drops every open handle of target.
func (c *HandleCache) Forget(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, target)
}

// Open returns a copy of the open message for (target, symbol).
func (c *HandleCache) Open(target, symbol string) (OpenMessage, bool) {
	c.mu.Lock()
	state, ok := c.targets[target]
	c.mu.Unlock()
	if !ok {
		return OpenMessage{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	msg, ok := state.open[symbol]
	if !ok {
		return OpenMessage{}, false
	}
	return *msg, true
}

// Len counts open handles across targets.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	states := make([]*TargetState, 0, len(c.targets))
	for _, s := range c.targets {
		states = append(states, s)
	}
	c.mu.Unlock()

	n := 0
	for _, s := range states {
		s.mu.Lock()
		n += len(s.open)
		s.mu.Unlock()
	}
	return n
}
