package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"FlowGuard/internal/flowcache"
	"FlowGuard/internal/model"
	"FlowGuard/internal/trigger"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const defaultHistoryWindow = 24 * time.Hour

// InjectRequest is the body of POST /destinations/{addr}/flows.
type InjectRequest struct {
	SrcIP    string `json:"src_ip"`
	SrcPort  uint16 `json:"src_port"`
	DstPort  uint16 `json:"dst_port"`
	Protocol uint8  `json:"protocol"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func pathAddr(w http.ResponseWriter, r *http.Request, name string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(mux.Vars(r)[name])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address '%s'", mux.Vars(r)[name])
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// onLoop runs fn on the cache's loop and reports a failure to the client.
func (s *Server) onLoop(w http.ResponseWriter, r *http.Request, fn func()) bool {
	if err := s.loop.Call(r.Context(), fn); err != nil {
		writeError(w, http.StatusServiceUnavailable, "flow cache unavailable: %v", err)
		return false
	}
	return true
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) destinationsHandler(w http.ResponseWriter, r *http.Request) {
	var views []flowcache.DestinationView
	if !s.onLoop(w, r, func() { views = s.cache.Destinations() }) {
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) destinationHandler(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r, "addr")
	if !ok {
		return
	}
	var view flowcache.DestinationView
	var found bool
	if !s.onLoop(w, r, func() { view, found = s.cache.DestinationDetail(addr) }) {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "destination %s not found", addr)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) clearDestinationHandler(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r, "addr")
	if !ok {
		return
	}
	if !s.onLoop(w, r, func() { s.cache.ClearDestination(addr) }) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) injectFlowHandler(w http.ResponseWriter, r *http.Request) {
	dst, ok := pathAddr(w, r, "addr")
	if !ok {
		return
	}
	var req InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "failed to decode request: %v", err)
		return
	}
	src, err := netip.ParseAddr(req.SrcIP)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid src_ip '%s'", req.SrcIP)
		return
	}

	var view model.FlowView
	if !s.onLoop(w, r, func() {
		var rec *flowcache.Record
		rec, err = s.cache.InjectFlow(dst, src.Unmap(), req.SrcPort, req.DstPort, req.Protocol)
		if err == nil {
			view = rec.View()
		}
	}) {
		return
	}
	switch {
	case errors.Is(err, flowcache.ErrCapacity):
		writeError(w, http.StatusInsufficientStorage, "%v", err)
	case err != nil:
		writeError(w, http.StatusBadRequest, "%v", err)
	default:
		writeJSON(w, http.StatusCreated, view)
	}
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	dst, ok := pathAddr(w, r, "addr")
	if !ok {
		return
	}
	src, ok := pathAddr(w, r, "src")
	if !ok {
		return
	}
	var flows []model.FlowView
	var found bool
	if !s.onLoop(w, r, func() { flows, found = s.cache.Flows(dst, src) }) {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "source %s not found for %s", src, dst)
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	dst, ok := pathAddr(w, r, "addr")
	if !ok {
		return
	}
	src, ok := pathAddr(w, r, "src")
	if !ok {
		return
	}
	vars := mux.Vars(r)
	sport, err1 := strconv.ParseUint(vars["sport"], 10, 16)
	dport, err2 := strconv.ParseUint(vars["dport"], 10, 16)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	var view model.FlowView
	var found bool
	if !s.onLoop(w, r, func() { view, found = s.cache.Flow(dst, src, uint16(sport), uint16(dport)) }) {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) bansHandler(w http.ResponseWriter, r *http.Request) {
	bans := []trigger.Ban{}
	if s.bans != nil {
		if !s.onLoop(w, r, func() { bans = s.bans.Bans() }) {
			return
		}
	}
	writeJSON(w, http.StatusOK, bans)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		writeError(w, http.StatusNotFound, "history is not configured")
		return
	}
	addr, ok := pathAddr(w, r, "addr")
	if !ok {
		return
	}
	window := defaultHistoryWindow
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid since '%s'", v)
			return
		}
		window = d
	}

	history, err := s.querier.DestinationHistory(r.Context(), addr, time.Now().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query history: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
