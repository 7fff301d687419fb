package admin

import (
	"log"
	"net/http"
)

// handleFirewallList handles GET /api/firewall
func (a *Admin) handleFirewallList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": a.controller.FirewallEntries(),
	})
}

// handleFirewallAdd handles POST /api/firewall
func (a *Admin) handleFirewallAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entry string `json:"entry"`
	}
	if err := readJSON(r, &req); err != nil || req.Entry == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := a.controller.FirewallAdd(req.Entry); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Printf("admin: firewall entry %q added from %s", req.Entry, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

// handleFirewallRemove handles DELETE /api/firewall
func (a *Admin) handleFirewallRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entry string `json:"entry"`
	}
	if err := readJSON(r, &req); err != nil || req.Entry == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := a.controller.FirewallRemove(req.Entry); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("admin: firewall entry %q removed from %s", req.Entry, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleExceptionList handles GET /api/exceptions
func (a *Admin) handleExceptionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"exceptions": a.controller.Exceptions(),
	})
}

// handleExceptionSet handles PUT /api/exceptions/{addr}
func (a *Admin) handleExceptionSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit cannot be negative")
		return
	}

	addr := r.PathValue("addr")
	if err := a.controller.SetException(addr, req.Limit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Printf("admin: account limit for %s set to %d from %s", addr, req.Limit, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleExceptionRemove handles DELETE /api/exceptions/{addr}
func (a *Admin) handleExceptionRemove(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if err := a.controller.RemoveException(addr); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("admin: account limit for %s removed from %s", addr, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
