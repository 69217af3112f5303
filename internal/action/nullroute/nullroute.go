// Package nullroute blackholes banned destinations on upstream routers by
// logging in over SSH or Telnet and adding a static route to Null0.
package nullroute

import (
	"context"
	"errors"
	"fmt"

	"FlowGuard/internal/action"
	"FlowGuard/internal/config"

	log "github.com/sirupsen/logrus"
)

func init() {
	action.Register("nullroute", func(cfg config.ActionConfig) (action.Action, error) {
		return New(cfg.NullRoute)
	})
}

// NullRoute is the action pushing null routes to every configured router.
type NullRoute struct {
	targets []Target
	dialers map[Protocol]dialFunc
}

// New creates the action for the routers listed in cfg.
func New(cfg config.NullRouteConfig) (*NullRoute, error) {
	targets, err := Targets(cfg)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("nullroute action has no targets")
	}
	return &NullRoute{
		targets: targets,
		dialers: map[Protocol]dialFunc{SSH: dialSSH, Telnet: dialTelnet},
	}, nil
}

func (n *NullRoute) Name() string { return "nullroute" }

// Execute updates every router. A router that fails does not keep the others
// from being updated; the joined error lists all failures.
func (n *NullRoute) Execute(ctx context.Context, ev action.Event) error {
	var errs []error
	for _, t := range n.targets {
		entry := log.WithFields(log.Fields{"router": t.Host, "type": t.Type, "protocol": t.Protocol})
		if err := n.apply(ctx, t, ev); err != nil {
			entry.Warnf("nullroute %s of %s failed: %v", ev.Kind, ev.Addr, err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Host, err))
			continue
		}
		entry.Infof("nullroute %s of %s applied", ev.Kind, ev.Addr)
	}
	return errors.Join(errs...)
}

func (n *NullRoute) apply(ctx context.Context, t Target, ev action.Event) error {
	s, err := n.dialers[t.Protocol](ctx, t)
	if err != nil {
		return err
	}
	return converse(s, commands(t, ev.Kind, ev.Addr))
}
