package factory

import (
	"fmt"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/model"

	log "github.com/sirupsen/logrus"
)

// WriterFactory defines a function that creates a snapshot writer.
type WriterFactory func(def config.WriterDef, interval time.Duration) (model.Writer, error)

// registry holds the mapping of writer types to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a new writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// CreateWriters creates every enabled writer in defs. Writers created before
// a failure are closed again.
func CreateWriters(defs []config.WriterDef) ([]model.Writer, error) {
	var writers []model.Writer
	fail := func(err error) ([]model.Writer, error) {
		for _, w := range writers {
			w.Close()
		}
		return nil, err
	}

	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		log.Printf("Creating writer of type '%s'", def.Type)

		factory, ok := registry[def.Type]
		if !ok {
			return fail(fmt.Errorf("unknown writer type: '%s'", def.Type))
		}
		interval, err := config.ParsePositiveDuration(def.SnapshotInterval)
		if err != nil {
			return fail(fmt.Errorf("invalid snapshot_interval for writer '%s': %w", def.Type, err))
		}
		w, err := factory(def, interval)
		if err != nil {
			return fail(fmt.Errorf("error creating writer type '%s': %w", def.Type, err))
		}
		writers = append(writers, w)
	}

	return writers, nil
}
