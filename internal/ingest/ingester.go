// Package ingest moves observations from capture sources into the flow cache.
package ingest

import (
	"errors"

	"FlowGuard/internal/flowcache"
	"FlowGuard/internal/metrics"
	"FlowGuard/internal/model"
)

// Ingester applies observations to a cache. It must run on the goroutine
// that owns the cache.
type Ingester struct {
	cache *flowcache.Cache
}

func NewIngester(cache *flowcache.Cache) *Ingester {
	return &Ingester{cache: cache}
}

// Observe resolves the hosts of info, finds or creates its flow record and
// accounts the packet. Observations refused for capacity are dropped.
func (in *Ingester) Observe(info *model.PacketInfo) error {
	ft := info.FiveTuple
	dst, err := in.cache.LookupOrCreateDestination(ft.DstIP)
	if err != nil {
		return in.drop(err)
	}
	src, err := in.cache.LookupOrCreateSource(dst, ft.SrcIP)
	if err != nil {
		in.cache.PruneEmpty(dst, nil)
		return in.drop(err)
	}

	rec := in.cache.LookupProto(src, ft.SrcPort, ft.DstPort, ft.Protocol)
	if rec == nil {
		rec, err = in.cache.Insert(dst, src, ft.SrcPort, ft.DstPort, ft.Protocol)
		if err != nil {
			in.cache.PruneEmpty(dst, src)
			return in.drop(err)
		}
	}
	in.cache.Account(rec, uint32(info.Length), 1)
	return nil
}

func (in *Ingester) drop(err error) error {
	reason := "invalid"
	if errors.Is(err, flowcache.ErrCapacity) {
		reason = "capacity"
	} else if errors.Is(err, flowcache.ErrClosed) {
		reason = "stopped"
	}
	metrics.IngestDropped.WithLabelValues(reason).Inc()
	return err
}
