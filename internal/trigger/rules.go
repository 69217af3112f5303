// Package trigger bans destinations whose aggregates cross configured
// thresholds and lifts the bans once they expire.
package trigger

import (
	"FlowGuard/internal/config"
	"FlowGuard/internal/flowcache"

	log "github.com/sirupsen/logrus"
)

// Value extracts the metric a rule is written against.
func Value(metric string, v flowcache.DestinationView) (float64, bool) {
	switch metric {
	case "flow_count":
		return float64(v.FlowCount), true
	case "source_count":
		return float64(v.SourceCount), true
	case "packets":
		return float64(v.Packets), true
	case "bytes":
		return float64(v.Bytes), true
	}
	return 0, false
}

// Match reports whether v satisfies rule and the value it was compared with.
func Match(rule config.TriggerRule, v flowcache.DestinationView) (float64, bool) {
	value, ok := Value(rule.Metric, v)
	if !ok {
		return 0, false
	}
	return value, check(value, rule.Threshold, rule.Operator)
}

// check compares a value against a threshold based on an operator.
func check(value, threshold float64, operator string) bool {
	switch operator {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case "=":
		return value == threshold
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	default:
		log.Warnf("unknown operator '%s' in trigger rule", operator)
		return false
	}
}
