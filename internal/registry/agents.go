package registry

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func (s *Store) agentsPath() string {
	return filepath.Join(s.root, agentsFile)
}

func (s *Store) loadAgents() error {
	var list []*v1.Agent
	if err := readJSON(s.agentsPath(), &list); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fatalCorrupt(agentsFile, err)
	}
	for _, a := range list {
		s.agents[a.ID] = a
	}
	return nil
}

// persistAgents rewrites agents.json from the in-memory map, sorted by ID
// for stable diffs.
func (s *Store) persistAgents() error {
	list := make([]*v1.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		list = append(list, a)
	}
	sort.Slice(list, func(i, k int) bool { return list[i].ID < list[k].ID })
	return s.writeJSONAtomic(s.agentsPath(), list)
}

// CreateAgent persists a new agent record.
func (s *Store) CreateAgent(agent *v1.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.ID]; exists {
		return errdefs.Conflict("agent %s already exists", agent.ID)
	}
	s.agents[agent.ID] = agent.Clone()
	return s.commit("add", "agent", agent.ID, s.persistAgents)
}

// UpdateAgent replaces an existing agent record.
func (s *Store) UpdateAgent(agent *v1.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.ID]; !exists {
		return errdefs.NotFound("agent %s", agent.ID)
	}
	s.agents[agent.ID] = agent.Clone()
	return s.commit("update", "agent", agent.ID, s.persistAgents)
}

// DeleteAgent removes an agent record.
func (s *Store) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[id]; !exists {
		return errdefs.NotFound("agent %s", id)
	}
	delete(s.agents, id)
	return s.commit("delete", "agent", id, s.persistAgents)
}

// GetAgent returns a copy of the agent record.
func (s *Store) GetAgent(id string) (*v1.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, errdefs.NotFound("agent %s", id)
	}
	return agent.Clone(), nil
}

// ListAgents returns copies of all agents sorted by ID.
func (s *Store) ListAgents() []*v1.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*v1.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		list = append(list, a.Clone())
	}
	sort.Slice(list, func(i, k int) bool { return list[i].ID < list[k].ID })
	return list
}
