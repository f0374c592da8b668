package registry

import (
	"os"
	"path/filepath"

	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// SubscriptionRecord is the persisted form of a broker subscription.
type SubscriptionRecord struct {
	AgentID  string            `json:"agent_id"`
	Types    []v1.MessageType  `json:"types,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"` // exact-match predicate
}

// Relationships captures the collaboration topology: who subscribes to what
// and which agents have delegated tasks to which.
type Relationships struct {
	Subscriptions []SubscriptionRecord `json:"subscriptions"`
	Delegations   map[string][]string  `json:"delegations,omitempty"` // delegator -> delegatees
}

func (s *Store) relationshipsPath() string {
	return filepath.Join(s.root, relationshipsFile)
}

// SaveRelationships rewrites the topology document.
func (s *Store) SaveRelationships(rel *Relationships) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit("update", "relationships", "topology", func() error {
		return s.writeJSONAtomic(s.relationshipsPath(), rel)
	})
}

// LoadRelationships reads the topology document, empty when absent.
func (s *Store) LoadRelationships() (*Relationships, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rel Relationships
	if err := readJSON(s.relationshipsPath(), &rel); err != nil {
		if os.IsNotExist(err) {
			return &Relationships{}, nil
		}
		return nil, fatalCorrupt(relationshipsFile, err)
	}
	return &rel, nil
}
