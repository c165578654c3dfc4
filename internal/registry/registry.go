// Package registry holds the static catalog of automation agents. The
// catalog is assembled once at startup — from compiled-in defaults or a
// JSON file — validated, and read-only from then on, so lookups need no
// locking.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/runrelay/relay/internal/model"
)

// ErrNotFound is returned when no agent has the requested id.
var ErrNotFound = errors.New("registry: agent not found")

// Registry is an immutable agent catalog.
type Registry struct {
	byID  map[string]model.AgentDescriptor
	order []string
}

// New builds a registry from agents. Ids must be unique and non-empty;
// every agent needs an entry command.
func New(agents []model.AgentDescriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]model.AgentDescriptor, len(agents))}
	for _, a := range agents {
		if a.ID == "" {
			return nil, fmt.Errorf("registry: agent %q has empty id", a.Name)
		}
		if a.EntryCommand == "" {
			return nil, fmt.Errorf("registry: agent %q has no entry command", a.ID)
		}
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate agent id %q", a.ID)
		}
		r.byID[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// LoadFile builds a registry from a JSON file holding an array of agent
// descriptors.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var agents []model.AgentDescriptor
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	return New(agents)
}

// List returns all agents ordered by id.
func (r *Registry) List() []model.AgentDescriptor {
	out := make([]model.AgentDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Get returns the agent with the given id, or ErrNotFound.
func (r *Registry) Get(id string) (model.AgentDescriptor, error) {
	a, ok := r.byID[id]
	if !ok {
		return model.AgentDescriptor{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return a, nil
}

// Len reports the number of registered agents.
func (r *Registry) Len() int { return len(r.byID) }

// Defaults is the compiled-in catalog used when no agents file is
// configured.
func Defaults() []model.AgentDescriptor {
	return []model.AgentDescriptor{
		{
			ID:           "deploy",
			Name:         "Deployer",
			Description:  "Builds and deploys a service to the named environment.",
			EntryCommand: "run deploy env=<environment>",
		},
		{
			ID:           "rollback",
			Name:         "Rollback",
			Description:  "Rolls a service back to its previous release.",
			EntryCommand: "run rollback service=<name>",
			Confirm:      true,
		},
		{
			ID:           "smoke-test",
			Name:         "Smoke tester",
			Description:  "Runs the post-deploy smoke suite against an environment.",
			EntryCommand: "run smoke-test env=<environment>",
		},
	}
}
