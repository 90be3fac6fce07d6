package gateway

import (
	"net/http"

	"github.com/packd-io/packd/core/infra/bus"
	"github.com/packd-io/packd/core/infra/logging"
)

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "run history not configured", http.StatusNotImplemented)
		return
	}
	run, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListInstanceRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "run history not configured", http.StatusNotImplemented)
		return
	}
	runs, err := s.runs.ListRunsByInstance(r.Context(), r.PathValue("id"), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRunProgress upgrades to a websocket and relays run.progress
// events for one run id. All connections share the single bus
// subscription made in New; dispatchProgress fans events out here.
func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("GATEWAY", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	client := &progressClient{runID: runID, ch: make(chan *bus.Event, 64)}
	s.clientsMu.Lock()
	s.clients[ws] = client
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	for {
		select {
		case event := <-client.ch:
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// dispatchProgress routes a run.progress event to the clients watching
// that run. Slow clients drop events rather than stall the bus handler.
func (s *Server) dispatchProgress(event *bus.Event) {
	runID, _ := event.Data["run_id"].(string)
	if runID == "" {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, client := range s.clients {
		if client.runID != runID {
			continue
		}
		select {
		case client.ch <- event:
		default:
		}
	}
}
