package trigger

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"FlowGuard/internal/action"
	"FlowGuard/internal/config"
	"FlowGuard/internal/eventloop"
	"FlowGuard/internal/flowcache"
	"FlowGuard/internal/metrics"

	log "github.com/sirupsen/logrus"
)

// Dispatcher accepts ban and unban events without blocking.
type Dispatcher interface {
	Dispatch(ev action.Event) bool
}

// Ban is an active mitigation.
type Ban struct {
	Addr  netip.Addr `json:"addr"`
	Rule  string     `json:"rule"`
	Value float64    `json:"value"`
	Since time.Time  `json:"since"`
	Until time.Time  `json:"until"`
}

// Evaluator checks every destination against the rules. All methods except
// Start and Stop run on the loop owning the cache.
type Evaluator struct {
	cache    *flowcache.Cache
	dispatch Dispatcher
	rules    []config.TriggerRule
	interval time.Duration
	banFor   time.Duration
	now      func() time.Time

	bans  map[netip.Addr]*Ban
	timer *eventloop.Timer
}

// Option customises an Evaluator.
type Option func(*Evaluator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// NewEvaluator creates an evaluator for cfg.
func NewEvaluator(cfg config.TriggerConfig, cache *flowcache.Cache, d Dispatcher, opts ...Option) (*Evaluator, error) {
	interval, err := config.ParsePositiveDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for trigger: %w", err)
	}
	banFor, err := config.ParsePositiveDuration(cfg.BanDuration)
	if err != nil {
		return nil, fmt.Errorf("invalid ban_duration for trigger: %w", err)
	}
	for _, rule := range cfg.Rules {
		if _, ok := Value(rule.Metric, flowcache.DestinationView{}); !ok {
			return nil, fmt.Errorf("trigger rule '%s': unknown metric '%s'", rule.Name, rule.Metric)
		}
	}
	e := &Evaluator{
		cache:    cache,
		dispatch: d,
		rules:    cfg.Rules,
		interval: interval,
		banFor:   banFor,
		now:      time.Now,
		bans:     make(map[netip.Addr]*Ban),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start evaluates the rules every check interval on loop.
func (e *Evaluator) Start(loop *eventloop.Loop) {
	e.timer = loop.Every("trigger", e.interval, e.Evaluate)
	log.Printf("Trigger started with %d rule(s), checking every %s.", len(e.rules), e.interval)
}

// Stop halts the periodic evaluation. Active bans are left in place.
func (e *Evaluator) Stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Evaluate lifts expired bans, then bans every destination matching a rule.
func (e *Evaluator) Evaluate() {
	now := e.now()
	e.expire(now)

	for _, dst := range e.cache.Destinations() {
		if _, banned := e.bans[dst.Addr]; banned {
			continue
		}
		for _, rule := range e.rules {
			value, ok := Match(rule, dst)
			if !ok {
				continue
			}
			e.ban(rule, dst.Addr, value, now)
			break
		}
	}
	metrics.TriggerActiveBans.Set(float64(len(e.bans)))
}

func (e *Evaluator) ban(rule config.TriggerRule, addr netip.Addr, value float64, now time.Time) {
	b := &Ban{Addr: addr, Rule: rule.Name, Value: value, Since: now, Until: now.Add(e.banFor)}
	e.bans[addr] = b
	metrics.TriggerMatches.WithLabelValues(rule.Name).Inc()
	log.WithFields(log.Fields{
		"addr":      addr,
		"rule":      rule.Name,
		"metric":    rule.Metric,
		"value":     value,
		"threshold": rule.Threshold,
		"until":     b.Until,
	}).Warn("destination banned")
	e.dispatch.Dispatch(action.Event{Kind: action.Ban, Addr: addr, Rule: rule.Name, Value: value, At: now})
}

// expire lifts bans whose time is up and forgets the flows recorded for them.
func (e *Evaluator) expire(now time.Time) {
	for addr, b := range e.bans {
		if now.Before(b.Until) {
			continue
		}
		delete(e.bans, addr)
		e.cache.ClearDestination(addr)
		log.WithFields(log.Fields{"addr": addr, "rule": b.Rule}).Info("ban expired")
		e.dispatch.Dispatch(action.Event{Kind: action.Unban, Addr: addr, Rule: b.Rule, At: now})
	}
}

// Bans lists the active bans in address order.
func (e *Evaluator) Bans() []Ban {
	out := make([]Ban, 0, len(e.bans))
	for _, b := range e.bans {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}
