// Package action defines the response actions run when a destination is
// banned or unbanned.
package action

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"FlowGuard/internal/config"

	log "github.com/sirupsen/logrus"
)

// Kind says whether an event starts or lifts a mitigation.
type Kind int

const (
	Ban Kind = iota
	Unban
)

func (k Kind) String() string {
	switch k {
	case Ban:
		return "ban"
	case Unban:
		return "unban"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is everything an action learns about a decision. Actions never see
// the flow cache itself.
type Event struct {
	Kind  Kind       `json:"kind"`
	Addr  netip.Addr `json:"addr"`
	Rule  string     `json:"rule,omitempty"`
	Value float64    `json:"value,omitempty"`
	At    time.Time  `json:"at"`
}

// Action is one response mechanism.
type Action interface {
	Name() string
	Execute(ctx context.Context, ev Event) error
}

// Factory builds an action from its configuration block.
type Factory func(cfg config.ActionConfig) (Action, error)

// registry holds the mapping of action types to their factory functions.
var registry = make(map[string]Factory)

// Register makes an action type available to Create. It panics on duplicate
// names.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("action type '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered lists the known action types.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds every enabled action in cfgs.
func Create(cfgs []config.ActionConfig) ([]Action, error) {
	var actions []Action
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		log.Printf("Creating action of type '%s'", cfg.Type)

		factory, ok := registry[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("unknown action type: '%s'", cfg.Type)
		}
		a, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("error creating action type '%s': %w", cfg.Type, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}
