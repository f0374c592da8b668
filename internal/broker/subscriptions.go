package broker

import (
	"sync"

	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// Filter narrows which messages a subscription accepts. Empty fields accept
// everything on that axis; Metadata entries are exact-match predicates.
type Filter struct {
	Types    []v1.MessageType  `json:"types,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Matches reports whether the message passes the filter.
func (f *Filter) Matches(msg *v1.Message) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == msg.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for k, want := range f.Metadata {
		if msg.Metadata[k] != want {
			return false
		}
	}
	return true
}

// subscriptionTable tracks explicit broker subscriptions per agent.
type subscriptionTable struct {
	mu   sync.RWMutex
	subs map[string]*Filter
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{subs: make(map[string]*Filter)}
}

func (t *subscriptionTable) set(agentID string, filter *Filter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if filter == nil {
		filter = &Filter{}
	}
	t.subs[agentID] = filter
}

func (t *subscriptionTable) drop(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, agentID)
}

func (t *subscriptionTable) get(agentID string) (*Filter, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.subs[agentID]
	return f, ok
}

// matching returns all explicitly subscribed agents whose filter accepts the
// message, excluding the sender.
func (t *subscriptionTable) matching(msg *v1.Message) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for agentID, filter := range t.subs {
		if agentID == msg.From {
			continue
		}
		if filter.Matches(msg) {
			out = append(out, agentID)
		}
	}
	return out
}

// snapshot returns the table contents for persistence.
func (t *subscriptionTable) snapshot() map[string]*Filter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*Filter, len(t.subs))
	for k, v := range t.subs {
		out[k] = v
	}
	return out
}
